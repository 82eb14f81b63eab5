// Package archsearch is the embeddable entry point: it runs architecture
// searches against a configured store and reads back their results.
package archsearch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"archsearch/internal/evo"
	"archsearch/internal/fitness"
	"archsearch/internal/logging"
	"archsearch/internal/metrics"
	"archsearch/internal/model"
	"archsearch/internal/platform"
	"archsearch/internal/searchspace"
	"archsearch/internal/stats"
	"archsearch/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultRunsLimit    = 20
)

var (
	ErrNoRuns        = errors.New("no runs available")
	ErrRunNotFound   = errors.New("run not found")
	errAmbiguousRun  = errors.New("use either run id or latest")
	errMissingRunRef = errors.New("run id or latest is required")
)

type Options struct {
	StoreKind    string
	StorePath    string
	ArtifactsDir string
	ExportsDir   string
	Logger       logrus.FieldLogger
	// MetricsAddr, when set, serves Prometheus metrics for the lifetime of
	// the client.
	MetricsAddr string
	Supervisor  platform.SupervisorPolicy
}

type Client struct {
	store    storage.Store
	polis    *platform.Polis
	recorder *metrics.Recorder
	logger   logrus.FieldLogger

	artifactsDir string
	exportsDir   string
}

// RunRequest carries every run option. Numeric options are used as given,
// so start from DefaultRunRequest. Zero-valued Dataset, Training and a nil
// Space fall back to the CIFAR-10 defaults.
type RunRequest struct {
	RunID               string
	Dataset             model.DatasetSplit
	Training            model.TrainingConfig
	Space               *searchspace.Space
	Mutation            evo.MutationBounds
	PopulationSize      int
	SurvivalFraction    float64
	MutationProbability float64
	FitnessThreshold    float64
	MaxGenerations      int
	Seed                int64
	Workers             int
	EvaluationTimeout   time.Duration
	Strategies          []string
	Evaluator           string
	EvaluatorCommand    []string
	EvaluatorScale      float64
	SkipShapeGuard      bool
	// CustomEvaluator overrides Evaluator and EvaluatorCommand.
	CustomEvaluator evo.Evaluator
}

func DefaultRunRequest() RunRequest {
	space := searchspace.DefaultSpace()
	return RunRequest{
		Dataset:             model.DefaultDataset(),
		Training:            model.DefaultTraining(),
		Space:               &space,
		Mutation:            evo.DefaultMutationBounds(),
		PopulationSize:      20,
		SurvivalFraction:    0.2,
		MutationProbability: 0.1,
		FitnessThreshold:    0.9,
		MaxGenerations:      20,
		Workers:             1,
		Evaluator:           fitness.KindUnitsSum,
	}
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	Termination      string
	Generations      int
	MeanByGeneration []float64
	BestByGeneration []float64
	Best             model.Genome
	Winner           *model.Genome
	Failures         int
}

type RunsRequest struct {
	Limit int
}

// RunRef selects one run by id or the most recent run.
type RunRef struct {
	RunID  string
	Latest bool
}

type ListRequest struct {
	RunRef
	Limit int
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	store, err := storage.NewStore(opts.StoreKind, opts.StorePath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	recorder := metrics.NewRecorder()
	var modules []platform.SupportModule
	if opts.MetricsAddr != "" {
		modules = append(modules, &metrics.Server{Addr: opts.MetricsAddr, Recorder: recorder})
	}
	return &Client{
		store:    store,
		recorder: recorder,
		logger:   logger,
		polis: platform.NewPolis(platform.Config{
			Store:          store,
			SupportModules: modules,
			Supervisor:     opts.Supervisor,
			Logger:         logger,
		}),
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.polis.Init(ctx)
}

// Close stops support modules and releases the store.
func (c *Client) Close() error {
	if c.polis.Started() {
		return c.polis.Stop()
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Metrics() *metrics.Recorder {
	return c.recorder
}

// StopRun cancels a run in progress.
func (c *Client) StopRun(runID string) error {
	return c.polis.StopRun(runID)
}

// Run executes a search, persists it and writes its artifact directory.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	req = withEnvironmentDefaults(req)

	evaluator := req.CustomEvaluator
	evaluatorName := "custom"
	if evaluator == nil {
		var err error
		evaluator, err = fitness.New(fitness.Options{
			Kind:           req.Evaluator,
			Command:        req.EvaluatorCommand,
			Scale:          req.EvaluatorScale,
			SkipShapeGuard: req.SkipShapeGuard,
		})
		if err != nil {
			return RunSummary{}, err
		}
		evaluatorName = req.Evaluator
	}
	strategies, err := evo.ResolveStrategies(req.Strategies)
	if err != nil {
		return RunSummary{}, err
	}

	out, err := c.polis.RunEvolution(ctx, platform.EvolutionConfig{
		RunID:         req.RunID,
		EvaluatorName: evaluatorName,
		Monitor: evo.MonitorConfig{
			Space:               *req.Space,
			Evaluator:           evaluator,
			Environment:         evo.Environment{Dataset: req.Dataset, Training: req.Training},
			Strategies:          strategies,
			Mutation:            req.Mutation,
			PopulationSize:      req.PopulationSize,
			SurvivalFraction:    req.SurvivalFraction,
			MutationProbability: req.MutationProbability,
			FitnessThreshold:    req.FitnessThreshold,
			MaxGenerations:      req.MaxGenerations,
			Workers:             req.Workers,
			EvaluationTimeout:   req.EvaluationTimeout,
			Seed:                req.Seed,
			Logger:              c.logger,
			Metrics:             c.recorder,
		},
	})
	if err != nil {
		return RunSummary{}, err
	}

	result := out.Result
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config:           runConfig(out.Run.ID, evaluatorName, req, strategies),
		Termination:      string(result.Termination),
		MeanByGeneration: result.MeanByGeneration,
		BestByGeneration: result.BestByGeneration,
		Diagnostics:      result.Diagnostics,
		Best:             result.Best,
		TopGenomes:       out.TopFinal,
		Lineage:          result.Lineage,
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("write run artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:            out.Run.ID,
		Dataset:          out.Run.Dataset,
		Evaluator:        out.Run.Evaluator,
		PopulationSize:   out.Run.PopulationSize,
		Generations:      out.Run.Generations,
		Seed:             out.Run.Seed,
		Termination:      out.Run.Termination,
		FinalBestFitness: out.Run.BestFitness,
		CreatedAtUTC:     out.Run.CreatedAtUTC,
	}); err != nil {
		return RunSummary{}, fmt.Errorf("update run index: %w", err)
	}

	return RunSummary{
		RunID:            out.Run.ID,
		ArtifactsDir:     filepath.Clean(runDir),
		Termination:      string(result.Termination),
		Generations:      result.Generations,
		MeanByGeneration: append([]float64(nil), result.MeanByGeneration...),
		BestByGeneration: append([]float64(nil), result.BestByGeneration...),
		Best:             result.Best,
		Winner:           result.Winner,
		Failures:         len(result.Failures),
	}, nil
}

// Runs lists persisted runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

func (c *Client) FitnessHistory(ctx context.Context, req ListRequest) ([]float64, error) {
	runID, err := c.resolveRun(ctx, req.RunRef, req.Limit)
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: fitness history for %s", ErrRunNotFound, runID)
	}
	return limit(history, req.Limit), nil
}

func (c *Client) Diagnostics(ctx context.Context, req ListRequest) ([]model.GenerationDiagnostics, error) {
	runID, err := c.resolveRun(ctx, req.RunRef, req.Limit)
	if err != nil {
		return nil, err
	}
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: diagnostics for %s", ErrRunNotFound, runID)
	}
	return limit(diagnostics, req.Limit), nil
}

func (c *Client) TopGenomes(ctx context.Context, req ListRequest) ([]model.TopGenomeRecord, error) {
	runID, err := c.resolveRun(ctx, req.RunRef, req.Limit)
	if err != nil {
		return nil, err
	}
	top, ok, err := c.store.GetTopGenomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: top genomes for %s", ErrRunNotFound, runID)
	}
	return limit(top, req.Limit), nil
}

func (c *Client) Lineage(ctx context.Context, req ListRequest) ([]model.LineageRecord, error) {
	runID, err := c.resolveRun(ctx, req.RunRef, req.Limit)
	if err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: lineage for %s", ErrRunNotFound, runID)
	}
	return limit(lineage, req.Limit), nil
}

// Population returns the final population snapshot of a run.
func (c *Client) Population(ctx context.Context, ref RunRef) (model.Population, error) {
	runID, err := c.resolveRun(ctx, ref, 0)
	if err != nil {
		return model.Population{}, err
	}
	population, ok, err := c.store.GetPopulation(ctx, runID)
	if err != nil {
		return model.Population{}, err
	}
	if !ok {
		return model.Population{}, fmt.Errorf("%w: population for %s", ErrRunNotFound, runID)
	}
	return population, nil
}

// Export copies a run's artifact directory. Latest resolves against the
// artifact index rather than the store.
func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if err := checkRef(req.RunRef); err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, ErrNoRuns
		}
		runID = entries[0].RunID
	}
	dir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) resolveRun(ctx context.Context, ref RunRef, n int) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}
	if n < 0 {
		return "", errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return "", err
	}
	if !ref.Latest {
		return ref.RunID, nil
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	return runs[0].ID, nil
}

func checkRef(ref RunRef) error {
	switch {
	case ref.RunID != "" && ref.Latest:
		return errAmbiguousRun
	case ref.RunID == "" && !ref.Latest:
		return errMissingRunRef
	}
	return nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return append([]T(nil), items...)
}

func withEnvironmentDefaults(req RunRequest) RunRequest {
	if req.Dataset == (model.DatasetSplit{}) {
		req.Dataset = model.DefaultDataset()
	}
	if req.Training == (model.TrainingConfig{}) {
		req.Training = model.DefaultTraining()
	}
	if req.Space == nil {
		space := searchspace.DefaultSpace()
		req.Space = &space
	}
	if req.Evaluator == "" {
		req.Evaluator = fitness.KindUnitsSum
	}
	return req
}

func runConfig(runID, evaluatorName string, req RunRequest, strategies []evo.Crossover) stats.RunConfig {
	names := make([]string, 0, len(strategies))
	for _, strategy := range strategies {
		names = append(names, strategy.Name())
	}
	mutation := req.Mutation
	if mutation == (evo.MutationBounds{}) {
		mutation = evo.DefaultMutationBounds()
	}
	cfg := stats.RunConfig{
		RunID:               runID,
		Dataset:             req.Dataset,
		Training:            req.Training,
		Evaluator:           evaluatorName,
		EvaluatorCommand:    req.EvaluatorCommand,
		PopulationSize:      req.PopulationSize,
		MaxGenerations:      req.MaxGenerations,
		SurvivalFraction:    req.SurvivalFraction,
		MutationProbability: req.MutationProbability,
		FitnessThreshold:    req.FitnessThreshold,
		Seed:                req.Seed,
		Workers:             req.Workers,
		Strategies:          names,
		Space:               *req.Space,
		Mutation:            mutation,
	}
	if req.EvaluationTimeout > 0 {
		cfg.EvaluationTimeout = req.EvaluationTimeout.String()
	}
	return cfg
}
