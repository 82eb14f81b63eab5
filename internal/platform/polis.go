package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"archsearch/internal/evo"
	"archsearch/internal/model"
	"archsearch/internal/storage"
)

const defaultTopCount = 5

var (
	ErrNotStarted    = errors.New("polis is not initialized")
	ErrRunActive     = errors.New("run already active")
	ErrRunNotActive  = errors.New("run is not active")
	errStoreRequired = errors.New("store is required")
)

type Config struct {
	Store          storage.Store
	SupportModules []SupportModule
	Supervisor     SupervisorPolicy
	Logger         logrus.FieldLogger
}

// SupportModule is a long-lived helper, such as a metrics endpoint, that
// runs under supervision for as long as the Polis is started. Serve must
// return when ctx is done.
type SupportModule interface {
	Name() string
	Serve(ctx context.Context) error
}

type EvolutionConfig struct {
	RunID         string
	EvaluatorName string
	TopCount      int
	Monitor       evo.MonitorConfig
	// Initial replaces the random initial population when set.
	Initial evo.Population
}

type EvolutionResult struct {
	Run      model.RunRecord
	Result   evo.RunResult
	TopFinal []model.TopGenomeRecord
}

// Polis owns the store and the support modules, and runs searches against
// them.
type Polis struct {
	store      storage.Store
	logger     logrus.FieldLogger
	supervisor *Supervisor

	mu      sync.RWMutex
	started bool
	runs    map[string]context.CancelFunc

	config Config
	now    func() time.Time
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		logger = silent
	}
	return &Polis{
		store:      cfg.Store,
		logger:     logger,
		supervisor: NewSupervisor(cfg.Supervisor, logger),
		runs:       make(map[string]context.CancelFunc),
		config:     cfg,
		now:        time.Now,
	}
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return errStoreRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	seen := make(map[string]struct{}, len(p.config.SupportModules))
	for i, module := range p.config.SupportModules {
		if module == nil {
			p.supervisor.StopAll()
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			p.supervisor.StopAll()
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := seen[name]; exists {
			p.supervisor.StopAll()
			return fmt.Errorf("duplicate support module: %s", name)
		}
		seen[name] = struct{}{}
		if err := p.supervisor.Start(name, module.Serve); err != nil {
			p.supervisor.StopAll()
			return err
		}
	}
	p.started = true
	return nil
}

// Stop cancels active runs, stops support modules and closes the store.
func (p *Polis) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	for _, cancel := range p.runs {
		cancel()
	}
	p.started = false
	p.mu.Unlock()

	p.supervisor.StopAll()
	return storage.CloseIfSupported(p.store)
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) Store() storage.Store {
	return p.store
}

func (p *Polis) ActiveSupportModules() []string {
	return p.supervisor.Tasks()
}

// ActiveRuns lists the ids of runs currently evolving.
func (p *Polis) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	return ids
}

// StopRun cancels an active run. The run returns context.Canceled and
// nothing is persisted for it.
func (p *Polis) StopRun(runID string) error {
	p.mu.RLock()
	cancel, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	cancel()
	return nil
}

// RunEvolution runs one search to completion and persists its run record,
// final population, best genome, mean-fitness history, diagnostics, top
// genomes and lineage.
func (p *Polis) RunEvolution(ctx context.Context, cfg EvolutionConfig) (EvolutionResult, error) {
	if !p.Started() {
		return EvolutionResult{}, ErrNotStarted
	}
	if cfg.TopCount <= 0 {
		cfg.TopCount = defaultTopCount
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if cfg.Monitor.Logger == nil {
		cfg.Monitor.Logger = p.logger
	}
	cfg.Monitor.Logger = cfg.Monitor.Logger.WithField("run_id", runID)

	monitor, err := evo.NewPopulationMonitor(cfg.Monitor)
	if err != nil {
		return EvolutionResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.registerRun(runID, cancel); err != nil {
		return EvolutionResult{}, err
	}
	defer p.unregisterRun(runID)

	createdAt := p.now().UTC()
	var result evo.RunResult
	if len(cfg.Initial) > 0 {
		result, err = monitor.RunFrom(runCtx, cfg.Initial)
	} else {
		result, err = monitor.Run(runCtx)
	}
	if err != nil {
		return EvolutionResult{}, err
	}

	top := topGenomes(result.FinalPopulation, cfg.TopCount)
	run := model.RunRecord{
		VersionedRecord:    model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
		ID:                 runID,
		CreatedAtUTC:       createdAt.Format(time.RFC3339Nano),
		Dataset:            cfg.Monitor.Environment.Dataset.Name,
		Evaluator:          cfg.EvaluatorName,
		Seed:               cfg.Monitor.Seed,
		PopulationSize:     cfg.Monitor.PopulationSize,
		MaxGenerations:     cfg.Monitor.MaxGenerations,
		Generations:        result.Generations,
		Termination:        string(result.Termination),
		BestFitness:        result.Best.Fitness,
		BestGenomeID:       result.Best.ID,
		EvaluationFailures: len(result.Failures),
	}
	if err := p.persist(ctx, run, result, top); err != nil {
		return EvolutionResult{}, err
	}
	return EvolutionResult{Run: run, Result: result, TopFinal: top}, nil
}

func (p *Polis) persist(ctx context.Context, run model.RunRecord, result evo.RunResult, top []model.TopGenomeRecord) error {
	snapshot := model.Population{
		VersionedRecord: run.VersionedRecord,
		ID:              run.ID,
		RunID:           run.ID,
		Generation:      result.Generations,
		Genomes:         append([]model.Genome(nil), result.FinalPopulation...),
	}
	if err := p.store.SavePopulation(ctx, snapshot); err != nil {
		return fmt.Errorf("save population: %w", err)
	}
	if err := p.store.SaveGenome(ctx, result.Best); err != nil {
		return fmt.Errorf("save best genome: %w", err)
	}
	if err := p.store.SaveFitnessHistory(ctx, run.ID, result.MeanByGeneration); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}
	if err := p.store.SaveGenerationDiagnostics(ctx, run.ID, result.Diagnostics); err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	if err := p.store.SaveTopGenomes(ctx, run.ID, top); err != nil {
		return fmt.Errorf("save top genomes: %w", err)
	}
	if err := p.store.SaveLineage(ctx, run.ID, result.Lineage); err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}
	if err := p.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func topGenomes(ranked evo.Population, limit int) []model.TopGenomeRecord {
	if len(ranked) < limit {
		limit = len(ranked)
	}
	top := make([]model.TopGenomeRecord, 0, limit)
	for i, genome := range ranked[:limit] {
		top = append(top, model.TopGenomeRecord{Rank: i + 1, Fitness: genome.Fitness, Genome: genome})
	}
	return top
}

func (p *Polis) registerRun(runID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.runs[runID] = cancel
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}
