package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"archsearch/internal/evo"
	"archsearch/internal/fitness"
	"archsearch/pkg/archsearch"
)

func (a *app) newRunCommand() *cobra.Command {
	defaults := archsearch.DefaultRunRequest()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one architecture search and persist its results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadRunOptions()
			if err != nil {
				return err
			}
			req, err := opts.request()
			if err != nil {
				return err
			}
			client, logCloser, err := a.newClient(cmd, opts.MetricsAddr)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer client.Close()

			summary, err := client.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			return printRunSummary(cmd.OutOrStdout(), summary)
		},
	}

	flags := cmd.Flags()
	flags.String("run-id", "", "run id (generated when empty)")
	flags.Int("population-size", defaults.PopulationSize, "genomes per generation")
	flags.Float64("survival-fraction", defaults.SurvivalFraction, "fraction of each generation kept as parents")
	flags.Float64("mutation-probability", defaults.MutationProbability, "per-field mutation probability")
	flags.Float64("fitness-threshold", defaults.FitnessThreshold, "stop once a genome's fitness exceeds this")
	flags.Int("max-generations", defaults.MaxGenerations, "generation budget")
	flags.Int64("seed", defaults.Seed, "random seed")
	flags.Int("workers", defaults.Workers, "concurrent evaluations")
	flags.Duration("evaluation-timeout", 0, "per-evaluation timeout (0 disables)")
	flags.StringSlice("strategies", evo.ListOperators(), "recombination strategies")
	flags.String("evaluator", fitness.KindUnitsSum, "evaluator: units_sum|command")
	flags.StringSlice("evaluator-command", nil, "trainer command and arguments, comma separated")
	flags.Bool("skip-shape-guard", false, "skip the feature map check before evaluation")
	flags.String("dataset", defaults.Dataset.Name, "dataset name passed to the evaluator")
	flags.Int("batch-size", defaults.Training.BatchSize, "training batch size")
	flags.Float64("validation-split", defaults.Training.ValidationSplit, "training validation split")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")
	flags.Bool("json", false, "print the summary as JSON")

	for name, key := range map[string]string{
		"run-id":               "run_id",
		"population-size":      "population_size",
		"survival-fraction":    "survival_fraction",
		"mutation-probability": "field_mutation_probability",
		"fitness-threshold":    "fitness_threshold",
		"max-generations":      "max_generations",
		"seed":                 "random_seed",
		"workers":              "workers",
		"evaluation-timeout":   "evaluation_timeout",
		"strategies":           "recombination_strategies",
		"evaluator":            "evaluator",
		"evaluator-command":    "evaluator_command",
		"skip-shape-guard":     "skip_shape_guard",
		"dataset":              "dataset",
		"batch-size":           "batch_size",
		"validation-split":     "validation_split",
		"metrics-addr":         "metrics_addr",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	return cmd
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved run configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.loadRunOptions()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(opts)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().String("out", "", "write to this file instead of stdout")
	return cmd
}

func (a *app) newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, logCloser, err := a.newClient(cmd, "")
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer client.Close()

			runs, err := client.Runs(cmd.Context(), archsearch.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, run := range runs {
				created := run.CreatedAtUTC
				if ts, err := time.Parse(time.RFC3339Nano, run.CreatedAtUTC); err == nil {
					created = humanize.Time(ts)
				}
				fmt.Fprintf(out, "run_id=%s created=%q dataset=%s evaluator=%s seed=%d pop=%d gens=%d/%d termination=%s best_fitness=%.6f failures=%s\n",
					run.ID,
					created,
					run.Dataset,
					run.Evaluator,
					run.Seed,
					run.PopulationSize,
					run.Generations,
					run.MaxGenerations,
					run.Termination,
					run.BestFitness,
					humanize.Comma(int64(run.EvaluationFailures)),
				)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "max runs to list")
	cmd.Flags().Bool("json", false, "emit JSON")
	return cmd
}

func (a *app) newFitnessCommand() *cobra.Command {
	return a.listCommand("fitness", "Show mean fitness by generation", 0, func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error {
		history, err := client.FitnessHistory(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), history)
		}
		for i, mean := range history {
			fmt.Fprintf(cmd.OutOrStdout(), "generation=%d mean_fitness=%.6f\n", i+1, mean)
		}
		return nil
	})
}

func (a *app) newDiagnosticsCommand() *cobra.Command {
	return a.listCommand("diagnostics", "Show per-generation diagnostics", 0, func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error {
		diagnostics, err := client.Diagnostics(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), diagnostics)
		}
		for _, d := range diagnostics {
			fmt.Fprintf(cmd.OutOrStdout(), "generation=%d best=%.6f mean=%.6f min=%.6f stddev=%.6f best_so_far=%.6f failures=%d fingerprints=%d shapes=%d\n",
				d.Generation, d.BestFitness, d.MeanFitness, d.MinFitness, d.StdDevFitness, d.BestSoFar, d.Failures, d.FingerprintDiversity, d.ShapeCount)
		}
		return nil
	})
}

func (a *app) newTopCommand() *cobra.Command {
	return a.listCommand("top", "Show the best genomes of a run's final population", 5, func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error {
		top, err := client.TopGenomes(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), top)
		}
		for _, item := range top {
			fmt.Fprintf(cmd.OutOrStdout(), "rank=%d genome_id=%s %s\n", item.Rank, item.Genome.ID, item.Genome)
		}
		return nil
	})
}

func (a *app) newLineageCommand() *cobra.Command {
	return a.listCommand("lineage", "Show where each genome came from", 50, func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error {
		lineage, err := client.Lineage(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), lineage)
		}
		for _, rec := range lineage {
			fmt.Fprintf(cmd.OutOrStdout(), "gen=%d genome_id=%s parents=%v op=%s fingerprint=%s\n",
				rec.Generation, rec.GenomeID, rec.ParentIDs, rec.Operation, rec.Fingerprint)
		}
		return nil
	})
}

func (a *app) newPopulationCommand() *cobra.Command {
	return a.listCommand("population", "Show a run's final population", 0, func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error {
		population, err := client.Population(cmd.Context(), req.RunRef)
		if err != nil {
			return err
		}
		if req.Limit > 0 && len(population.Genomes) > req.Limit {
			population.Genomes = population.Genomes[:req.Limit]
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), population)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s generation=%d size=%d\n", population.RunID, population.Generation, len(population.Genomes))
		for _, genome := range population.Genomes {
			fmt.Fprintf(cmd.OutOrStdout(), "genome_id=%s %s\n", genome.ID, genome)
		}
		return nil
	})
}

func (a *app) newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifact directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := runRef(cmd)
			if err != nil {
				return err
			}
			outDir, _ := cmd.Flags().GetString("out-dir")
			client, logCloser, err := a.newClient(cmd, "")
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer client.Close()

			exported, err := client.Export(cmd.Context(), archsearch.ExportRequest{RunRef: ref, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	addRunRefFlags(cmd)
	cmd.Flags().String("out-dir", "", "export directory (defaults to --exports-dir)")
	return cmd
}

type listFunc func(cmd *cobra.Command, client *archsearch.Client, req archsearch.ListRequest, jsonOut bool) error

// listCommand builds the read-only commands that select one run and print
// a possibly truncated list.
func (a *app) listCommand(use, short string, defaultLimit int, list listFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref, err := runRef(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			jsonOut, _ := cmd.Flags().GetBool("json")
			client, logCloser, err := a.newClient(cmd, "")
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer client.Close()
			return list(cmd, client, archsearch.ListRequest{RunRef: ref, Limit: max(limit, 0)}, jsonOut)
		},
	}
	addRunRefFlags(cmd)
	cmd.Flags().Int("limit", defaultLimit, "max rows to print (0 for all)")
	cmd.Flags().Bool("json", false, "emit JSON")
	return cmd
}

func addRunRefFlags(cmd *cobra.Command) {
	cmd.Flags().String("run-id", "", "run id")
	cmd.Flags().Bool("latest", false, "use the most recent run")
	cmd.MarkFlagsMutuallyExclusive("run-id", "latest")
	cmd.MarkFlagsOneRequired("run-id", "latest")
}

func runRef(cmd *cobra.Command) (archsearch.RunRef, error) {
	runID, err := cmd.Flags().GetString("run-id")
	if err != nil {
		return archsearch.RunRef{}, err
	}
	latest, err := cmd.Flags().GetBool("latest")
	if err != nil {
		return archsearch.RunRef{}, err
	}
	return archsearch.RunRef{RunID: runID, Latest: latest}, nil
}

func printRunSummary(out io.Writer, summary archsearch.RunSummary) error {
	_, err := fmt.Fprintf(out, "run_id=%s termination=%s generations=%d best_fitness=%.6f failures=%d artifacts=%s\nbest %s\n",
		summary.RunID,
		summary.Termination,
		summary.Generations,
		summary.Best.Fitness,
		summary.Failures,
		summary.ArtifactsDir,
		summary.Best,
	)
	return err
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
