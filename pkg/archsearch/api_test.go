package archsearch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"archsearch/internal/evo"
	"archsearch/internal/model"
	"archsearch/internal/stats"
	"archsearch/internal/storage"
)

func newTestClient(t *testing.T, kind string) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:    kind,
		StorePath:    filepath.Join(base, "store"),
		ArtifactsDir: filepath.Join(base, "runs"),
		ExportsDir:   filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, base
}

func smallRequest(seed int64) RunRequest {
	req := DefaultRunRequest()
	req.PopulationSize = 6
	req.MaxGenerations = 3
	req.SurvivalFraction = 0.5
	req.FitnessThreshold = 1
	req.Workers = 2
	req.Seed = seed
	return req
}

func TestClientRunAndQueries(t *testing.T) {
	client, base := newTestClient(t, storage.KindMemory)
	ctx := context.Background()

	summary, err := client.Run(ctx, smallRequest(42))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == "" || summary.Termination != string(evo.TerminationBudget) || summary.Generations != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Winner != nil {
		t.Fatal("budget termination must not report a winner")
	}
	if len(summary.MeanByGeneration) != 3 || len(summary.BestByGeneration) != 3 {
		t.Fatalf("unexpected history lengths: %+v", summary)
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != summary.RunID {
		t.Fatalf("expected run %s in runs list: %+v", summary.RunID, runs)
	}

	history, err := client.FitnessHistory(ctx, ListRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("fitness history: %v", err)
	}
	for i := range history {
		if history[i] != summary.MeanByGeneration[i] {
			t.Fatalf("stored history differs at %d: %v vs %v", i, history, summary.MeanByGeneration)
		}
	}

	diagnostics, err := client.Diagnostics(ctx, ListRequest{RunRef: RunRef{RunID: summary.RunID}, Limit: 2})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if len(diagnostics) != 2 || diagnostics[0].Generation != 1 {
		t.Fatalf("unexpected diagnostics: %+v", diagnostics)
	}

	top, err := client.TopGenomes(ctx, ListRequest{RunRef: RunRef{RunID: summary.RunID}})
	if err != nil {
		t.Fatalf("top genomes: %v", err)
	}
	if len(top) != 5 || top[0].Fitness != summary.BestByGeneration[2] {
		t.Fatalf("unexpected top genomes: %+v", top)
	}

	lineage, err := client.Lineage(ctx, ListRequest{RunRef: RunRef{RunID: summary.RunID}, Limit: 4})
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 4 || lineage[0].Operation != evo.OperationSeed {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}

	population, err := client.Population(ctx, RunRef{Latest: true})
	if err != nil {
		t.Fatalf("population: %v", err)
	}
	if len(population.Genomes) != 6 || population.RunID != summary.RunID {
		t.Fatalf("unexpected population: %+v", population)
	}

	if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, "best_genome.yaml")); err != nil {
		t.Fatalf("expected best genome artifact: %v", err)
	}
	exported, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != summary.RunID || exported.Directory != filepath.Join(base, "exports", summary.RunID) {
		t.Fatalf("unexpected export: %+v", exported)
	}
	points, ok, err := stats.ReadFitnessHistory(filepath.Join(base, "exports"), summary.RunID)
	if err != nil || !ok || len(points) != 3 {
		t.Fatalf("exported fitness history: %+v ok=%t err=%v", points, ok, err)
	}
}

func TestClientRunIsDeterministicForSeed(t *testing.T) {
	a, _ := newTestClient(t, storage.KindMemory)
	b, _ := newTestClient(t, storage.KindMemory)
	reqA := smallRequest(9)
	reqB := smallRequest(9)
	reqB.Workers = 1

	first, err := a.Run(context.Background(), reqA)
	if err != nil {
		t.Fatalf("run a: %v", err)
	}
	second, err := b.Run(context.Background(), reqB)
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	if first.Best.ID != second.Best.ID || !first.Best.SameHyperparameters(second.Best) {
		t.Fatalf("same seed should give the same best genome: %s vs %s", first.Best, second.Best)
	}
}

func TestClientRunStopsOnThreshold(t *testing.T) {
	client, _ := newTestClient(t, storage.KindMemory)
	req := smallRequest(3)
	req.FitnessThreshold = 0.5
	req.CustomEvaluator = evo.EvaluatorFunc(func(context.Context, model.Genome, evo.Environment) (float64, error) {
		return 0.75, nil
	})

	summary, err := client.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Termination != string(evo.TerminationThreshold) || summary.Generations != 1 {
		t.Fatalf("expected threshold termination in generation 1: %+v", summary)
	}
	if summary.Winner == nil || summary.Winner.Fitness != 0.75 {
		t.Fatalf("expected winner with fitness 0.75: %+v", summary.Winner)
	}
	runs, err := client.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if runs[0].Evaluator != "custom" {
		t.Fatalf("expected custom evaluator name, got %q", runs[0].Evaluator)
	}
}

func TestClientRunRejectsInvalidOptions(t *testing.T) {
	client, _ := newTestClient(t, storage.KindMemory)
	ctx := context.Background()

	req := smallRequest(1)
	req.PopulationSize = 0
	if _, err := client.Run(ctx, req); !errors.Is(err, evo.ErrEmptyPopulation) {
		t.Fatalf("expected ErrEmptyPopulation, got %v", err)
	}

	req = smallRequest(1)
	req.Strategies = []string{"nope"}
	var cfgErr *evo.ConfigError
	if _, err := client.Run(ctx, req); !errors.As(err, &cfgErr) || cfgErr.Option != "recombination_strategies" {
		t.Fatalf("expected recombination_strategies config error, got %v", err)
	}

	req = smallRequest(1)
	req.Evaluator = "command"
	if _, err := client.Run(ctx, req); !errors.As(err, &cfgErr) || cfgErr.Option != "evaluator_command" {
		t.Fatalf("expected evaluator_command config error, got %v", err)
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected runs must not be persisted: %+v", runs)
	}
}

func TestClientRunRefValidation(t *testing.T) {
	client, _ := newTestClient(t, storage.KindMemory)
	ctx := context.Background()

	if _, err := client.Lineage(ctx, ListRequest{RunRef: RunRef{RunID: "x", Latest: true}}); !errors.Is(err, errAmbiguousRun) {
		t.Fatalf("expected ambiguous run error, got %v", err)
	}
	if _, err := client.Diagnostics(ctx, ListRequest{}); !errors.Is(err, errMissingRunRef) {
		t.Fatalf("expected missing run error, got %v", err)
	}
	if _, err := client.TopGenomes(ctx, ListRequest{RunRef: RunRef{Latest: true}}); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}
	if _, err := client.FitnessHistory(ctx, ListRequest{RunRef: RunRef{RunID: "missing"}}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := client.FitnessHistory(ctx, ListRequest{RunRef: RunRef{RunID: "x"}, Limit: -1}); err == nil {
		t.Fatal("expected negative limit error")
	}
	if _, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}}); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns on export, got %v", err)
	}
}

func TestClientBadgerStorePersistsAcrossClients(t *testing.T) {
	base := t.TempDir()
	opts := Options{
		StoreKind:    storage.KindBadger,
		StorePath:    filepath.Join(base, "badger"),
		ArtifactsDir: filepath.Join(base, "runs"),
	}
	first, err := New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	summary, err := first.Run(context.Background(), smallRequest(5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := New(opts)
	if err != nil {
		t.Fatalf("reopen client: %v", err)
	}
	defer second.Close()
	runs, err := second.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != summary.RunID {
		t.Fatalf("expected persisted run %s, got %+v", summary.RunID, runs)
	}
}

func TestNewRejectsUnknownStore(t *testing.T) {
	if _, err := New(Options{StoreKind: "etcd"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
}
