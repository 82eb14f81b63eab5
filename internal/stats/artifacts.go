// Package stats writes a run's results to a plain directory tree so they can
// be inspected, plotted or shipped without opening the store.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"archsearch/internal/evo"
	"archsearch/internal/model"
	"archsearch/internal/searchspace"
)

const (
	runIndexFile       = "run_index.json"
	configFile         = "config.json"
	fitnessHistoryFile = "fitness_history.csv"
	diagnosticsFile    = "generation_diagnostics.json"
	bestGenomeFile     = "best_genome.yaml"
	topGenomesFile     = "top_genomes.json"
	lineageFile        = "lineage.json"
)

var artifactFiles = []string{configFile, fitnessHistoryFile, diagnosticsFile, bestGenomeFile, topGenomesFile, lineageFile}

var errRunIDRequired = errors.New("run id is required")

// RunConfig is the resolved option set a run was started with.
type RunConfig struct {
	RunID               string               `json:"run_id"`
	Dataset             model.DatasetSplit   `json:"dataset"`
	Training            model.TrainingConfig `json:"training"`
	Evaluator           string               `json:"evaluator"`
	EvaluatorCommand    []string             `json:"evaluator_command,omitempty"`
	PopulationSize      int                  `json:"population_size"`
	MaxGenerations      int                  `json:"max_generations"`
	SurvivalFraction    float64              `json:"survival_fraction"`
	MutationProbability float64              `json:"field_mutation_probability"`
	FitnessThreshold    float64              `json:"fitness_threshold"`
	Seed                int64                `json:"random_seed"`
	Workers             int                  `json:"workers"`
	EvaluationTimeout   string               `json:"evaluation_timeout,omitempty"`
	Strategies          []string             `json:"recombination_strategies"`
	Space               searchspace.Space    `json:"search_space"`
	Mutation            evo.MutationBounds   `json:"mutation"`
}

type RunArtifacts struct {
	Config           RunConfig
	Termination      string
	MeanByGeneration []float64
	BestByGeneration []float64
	Diagnostics      []model.GenerationDiagnostics
	Best             model.Genome
	TopGenomes       []model.TopGenomeRecord
	Lineage          []model.LineageRecord
}

// FitnessPoint is one row of fitness_history.csv.
type FitnessPoint struct {
	Generation  int
	MeanFitness float64
	BestFitness float64
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Dataset          string  `json:"dataset"`
	Evaluator        string  `json:"evaluator"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Seed             int64   `json:"seed"`
	Termination      string  `json:"termination"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.Config.RunID) == "" {
		return "", errRunIDRequired
	}
	if len(artifacts.MeanByGeneration) != len(artifacts.BestByGeneration) {
		return "", fmt.Errorf("fitness history length mismatch: mean=%d best=%d", len(artifacts.MeanByGeneration), len(artifacts.BestByGeneration))
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeFitnessHistory(filepath.Join(runDir, fitnessHistoryFile), artifacts.MeanByGeneration, artifacts.BestByGeneration); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), artifacts.Diagnostics); err != nil {
		return "", err
	}
	if err := writeYAML(filepath.Join(runDir, bestGenomeFile), artifacts.Best); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, topGenomesFile), artifacts.TopGenomes); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), artifacts.Lineage); err != nil {
		return "", err
	}
	return runDir, nil
}

// AppendRunIndex adds entry to the index, replacing any entry with the same
// run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errRunIDRequired
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. Entries sharing a
// timestamp keep later-appended ones first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := entries[order[i]], entries[order[j]]
		if a.CreatedAtUTC == b.CreatedAtUTC {
			return order[i] > order[j]
		}
		return a.CreatedAtUTC > b.CreatedAtUTC
	})
	sorted := make([]RunIndexEntry, 0, len(entries))
	for _, idx := range order {
		sorted = append(sorted, entries[idx])
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory to outDir/<runID>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", errRunIDRequired
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range artifactFiles {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, diagnosticsFile), &diagnostics)
	return diagnostics, ok, err
}

func ReadLineage(baseDir, runID string) ([]model.LineageRecord, bool, error) {
	var lineage []model.LineageRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, lineageFile), &lineage)
	return lineage, ok, err
}

func ReadTopGenomes(baseDir, runID string) ([]model.TopGenomeRecord, bool, error) {
	var top []model.TopGenomeRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, topGenomesFile), &top)
	return top, ok, err
}

func ReadBestGenome(baseDir, runID string) (model.Genome, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, bestGenomeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Genome{}, false, nil
		}
		return model.Genome{}, false, err
	}
	var genome model.Genome
	if err := yaml.Unmarshal(data, &genome); err != nil {
		return model.Genome{}, false, fmt.Errorf("decode best genome: %w", err)
	}
	return genome, true, nil
}

func ReadFitnessHistory(baseDir, runID string) ([]FitnessPoint, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, fitnessHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return []FitnessPoint{}, true, nil
		}
		return nil, false, err
	}
	points := make([]FitnessPoint, 0, 32)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		point, err := parseFitnessRow(record)
		if err != nil {
			return nil, false, err
		}
		points = append(points, point)
	}
	return points, true, nil
}

func parseFitnessRow(record []string) (FitnessPoint, error) {
	generation, err := strconv.Atoi(record[0])
	if err != nil {
		return FitnessPoint{}, fmt.Errorf("parse generation %q: %w", record[0], err)
	}
	mean, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return FitnessPoint{}, fmt.Errorf("parse mean fitness %q: %w", record[1], err)
	}
	best, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return FitnessPoint{}, fmt.Errorf("parse best fitness %q: %w", record[2], err)
	}
	return FitnessPoint{Generation: generation, MeanFitness: mean, BestFitness: best}, nil
}

func writeFitnessHistory(path string, mean, best []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "mean_fitness", "best_fitness"}); err != nil {
		return err
	}
	for i := range mean {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(mean[i], 'f', -1, 64),
			strconv.FormatFloat(best[i], 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func writeYAML(path string, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
