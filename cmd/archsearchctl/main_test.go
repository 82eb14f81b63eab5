package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"archsearch/internal/evo"
	"archsearch/pkg/archsearch"
)

type cliEnv struct {
	base string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	return cliEnv{base: t.TempDir()}
}

func (e cliEnv) args(args ...string) []string {
	return append([]string{
		"--store", "badger",
		"--store-path", filepath.Join(e.base, "store"),
		"--artifacts-dir", filepath.Join(e.base, "runs"),
		"--exports-dir", filepath.Join(e.base, "exports"),
		"--log-level", "error",
	}, args...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestRunThenQueryCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := execute(t, env.args("run", "--population-size", "6", "--max-generations", "2", "--fitness-threshold", "1", "--seed", "3", "--json")...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var summary archsearch.RunSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode run summary %q: %v", out, err)
	}
	if summary.RunID == "" || summary.Generations != 2 || summary.Termination != string(evo.TerminationBudget) {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	out, err = execute(t, env.args("runs")...)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run_id="+summary.RunID) || !strings.Contains(out, "dataset=cifar10") {
		t.Fatalf("runs output missing run: %s", out)
	}

	out, err = execute(t, env.args("fitness", "--latest")...)
	if err != nil {
		t.Fatalf("fitness: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 || !strings.HasPrefix(lines[0], "generation=1 mean_fitness=") {
		t.Fatalf("unexpected fitness output: %q", out)
	}

	out, err = execute(t, env.args("top", "--run-id", summary.RunID, "--limit", "3")...)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if got := strings.Count(out, "rank="); got != 3 {
		t.Fatalf("expected 3 top genomes, got %d: %s", got, out)
	}

	for _, command := range []string{"diagnostics", "lineage", "population"} {
		if _, err := execute(t, env.args(command, "--latest", "--json")...); err != nil {
			t.Fatalf("%s: %v", command, err)
		}
	}

	exportDir := filepath.Join(env.base, "out")
	out, err = execute(t, env.args("export", "--latest", "--out-dir", exportDir)...)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "run_id="+summary.RunID) {
		t.Fatalf("unexpected export output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, summary.RunID, "fitness_history.csv")); err != nil {
		t.Fatalf("expected exported fitness history: %v", err)
	}
}

func TestRunRejectsInvalidPopulation(t *testing.T) {
	env := newCLIEnv(t)
	_, err := execute(t, env.args("run", "--population-size", "1", "--max-generations", "1")...)
	if !errors.Is(err, evo.ErrEmptyPopulation) {
		t.Fatalf("expected ErrEmptyPopulation, got %v", err)
	}
}

func TestQueryCommandsRequireRunRef(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := execute(t, env.args("fitness")...); err == nil {
		t.Fatal("expected error without --run-id or --latest")
	}
	if _, err := execute(t, env.args("lineage", "--run-id", "a", "--latest")...); err == nil {
		t.Fatal("expected error with both --run-id and --latest")
	}
}

func TestRunsOnEmptyStore(t *testing.T) {
	env := newCLIEnv(t)
	out, err := execute(t, env.args("runs")...)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func resolvedConfig(t *testing.T, args ...string) runOptions {
	t.Helper()
	out, err := execute(t, append([]string{"config"}, args...)...)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var opts runOptions
	if err := yaml.Unmarshal([]byte(out), &opts); err != nil {
		t.Fatalf("decode config %q: %v", out, err)
	}
	return opts
}

func TestConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archsearch.yaml")
	content := `
population_size: 12
max_generations: 7
dropout_domain: [0.1, 0.2]
kernel_range:
  max: 4
mutation:
  unit_step: 32
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts := resolvedConfig(t, "--config", path)
	if opts.PopulationSize != 12 || opts.MaxGenerations != 7 {
		t.Fatalf("config file values not applied: %+v", opts)
	}
	if len(opts.DenseDropout) != 2 || opts.DenseDropout[1] != 0.2 {
		t.Fatalf("dropout_domain should apply to dense layers too: %v", opts.DenseDropout)
	}
	if opts.KernelRange.Min != 3 || opts.KernelRange.Max != 4 {
		t.Fatalf("partial range override: %+v", opts.KernelRange)
	}
	if opts.Mutation.UnitStep != 32 || opts.Mutation.EpochDelta != evo.DefaultMutationBounds().EpochDelta {
		t.Fatalf("partial mutation override: %+v", opts.Mutation)
	}
	if opts.SurvivalFraction != 0.2 || opts.Dataset != "cifar10" || len(opts.ConvUnits) != 4 {
		t.Fatalf("defaults not applied: %+v", opts)
	}

	t.Setenv("ARCHSEARCH_MAX_GENERATIONS", "9")
	if opts := resolvedConfig(t, "--config", path); opts.MaxGenerations != 9 {
		t.Fatalf("env should override config file, got %d", opts.MaxGenerations)
	}
}

func TestConfigWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	if _, err := execute(t, "config", "--out", path); err != nil {
		t.Fatalf("config: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "population_size: 20") {
		t.Fatalf("unexpected config file: %s", data)
	}
}
