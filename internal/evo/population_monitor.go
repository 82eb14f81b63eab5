package evo

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"archsearch/internal/model"
	"archsearch/internal/searchspace"
)

// Phase is the monitor's position in the generation cycle.
type Phase string

const (
	PhaseInitialized Phase = "initialized"
	PhaseEvaluating  Phase = "evaluating"
	PhaseSelecting   Phase = "selecting"
	PhaseRecombining Phase = "recombining"
	PhaseMutating    Phase = "mutating"
	PhaseTerminated  Phase = "terminated"
)

type Termination string

const (
	TerminationThreshold Termination = "threshold"
	TerminationBudget    Termination = "budget"
)

// MetricsSink receives per-evaluation and per-generation observations.
type MetricsSink interface {
	ObserveEvaluation(duration time.Duration, failed bool)
	ObserveGeneration(diag model.GenerationDiagnostics)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEvaluation(time.Duration, bool)         {}
func (noopMetrics) ObserveGeneration(model.GenerationDiagnostics) {}

type RunResult struct {
	Termination      Termination
	Generations      int
	MeanByGeneration []float64
	BestByGeneration []float64
	Diagnostics      []model.GenerationDiagnostics
	// FinalPopulation is the last evaluated population, ranked.
	FinalPopulation Population
	// Best is the highest-fitness genome seen in any generation.
	Best model.Genome
	// Winner is set only when the run ended on the fitness threshold.
	Winner   *model.Genome
	Failures []EvaluationFailure
	Lineage  []model.LineageRecord
}

type MonitorConfig struct {
	Space       searchspace.Space
	Evaluator   Evaluator
	Environment Environment
	Selector    Selector
	Strategies  []Crossover
	Mutation    MutationBounds
	Identifier  SpecieIdentifier

	PopulationSize      int
	SurvivalFraction    float64
	MutationProbability float64
	FitnessThreshold    float64
	MaxGenerations      int
	Workers             int
	EvaluationTimeout   time.Duration
	Seed                int64

	Logger  logrus.FieldLogger
	Metrics MetricsSink
}

type PopulationMonitor struct {
	cfg        MonitorConfig
	sc         *SearchContext
	recombiner Recombiner
	mutator    Mutator
	logger     logrus.FieldLogger
	phase      Phase
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Evaluator == nil {
		return nil, configErrorf("evaluator", "an evaluator is required")
	}
	switch {
	case cfg.PopulationSize == 0:
		return nil, fmt.Errorf("%w: population_size is 0", ErrEmptyPopulation)
	case cfg.PopulationSize < 0:
		return nil, configErrorf("population_size", "must be > 0, got %d", cfg.PopulationSize)
	case cfg.PopulationSize == 1:
		return nil, fmt.Errorf("%w: population_size 1 cannot supply two parents", ErrEmptyPopulation)
	}
	if cfg.SurvivalFraction <= 0 || cfg.SurvivalFraction > 1 {
		return nil, configErrorf("survival_fraction", "must be in (0,1], got %v", cfg.SurvivalFraction)
	}
	if cfg.MutationProbability < 0 || cfg.MutationProbability > 1 {
		return nil, configErrorf("mutation_probability", "must be in [0,1], got %v", cfg.MutationProbability)
	}
	if math.IsNaN(cfg.FitnessThreshold) || cfg.FitnessThreshold < 0 || cfg.FitnessThreshold > 1 {
		return nil, configErrorf("fitness_threshold", "must be in [0,1], got %v", cfg.FitnessThreshold)
	}
	if cfg.MaxGenerations <= 0 {
		return nil, configErrorf("max_generations", "must be > 0, got %d", cfg.MaxGenerations)
	}
	if cfg.EvaluationTimeout < 0 {
		return nil, configErrorf("evaluation_timeout", "must be >= 0, got %s", cfg.EvaluationTimeout)
	}
	if err := cfg.Space.Validate(); err != nil {
		return nil, &ConfigError{Option: "search_space", Reason: err.Error()}
	}
	if cfg.Mutation == (MutationBounds{}) {
		cfg.Mutation = DefaultMutationBounds()
	}
	if err := cfg.Mutation.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies, _ = ResolveStrategies(nil)
	}
	if cfg.Identifier == nil {
		cfg.Identifier = ShapeSpecieIdentifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		logger = silent
	}

	return &PopulationMonitor{
		cfg:        cfg,
		sc:         NewSearchContext(cfg.Environment, cfg.Seed),
		recombiner: Recombiner{Strategies: cfg.Strategies},
		mutator:    Mutator{Probability: cfg.MutationProbability, Bounds: cfg.Mutation},
		logger:     logger,
		phase:      PhaseInitialized,
	}, nil
}

func (m *PopulationMonitor) Phase() Phase {
	return m.phase
}

func (m *PopulationMonitor) setPhase(phase Phase, generation int) {
	m.phase = phase
	m.logger.WithFields(logrus.Fields{"generation": generation, "phase": string(phase)}).Debug("phase change")
}

// Run draws a random initial population and evolves it.
func (m *PopulationMonitor) Run(ctx context.Context) (RunResult, error) {
	initial, err := InitializePopulation(m.sc.Rand, m.cfg.Space, m.cfg.PopulationSize)
	if err != nil {
		return RunResult{}, err
	}
	return m.RunFrom(ctx, initial)
}

// RunFrom evolves a caller-supplied initial population. All random draws
// happen on this goroutine in a fixed order; evaluation is the only
// concurrent step, so a fixed seed with a deterministic evaluator
// reproduces the run regardless of worker count.
func (m *PopulationMonitor) RunFrom(ctx context.Context, initial Population) (RunResult, error) {
	if len(initial) != m.cfg.PopulationSize {
		return RunResult{}, configErrorf("population_size", "initial population has %d genomes, want %d", len(initial), m.cfg.PopulationSize)
	}

	population := initial.Clone()
	result := RunResult{
		MeanByGeneration: make([]float64, 0, m.cfg.MaxGenerations),
		BestByGeneration: make([]float64, 0, m.cfg.MaxGenerations),
		Diagnostics:      make([]model.GenerationDiagnostics, 0, m.cfg.MaxGenerations),
		Lineage:          make([]model.LineageRecord, 0, len(initial)*(m.cfg.MaxGenerations+1)),
	}
	for _, genome := range population {
		result.Lineage = append(result.Lineage, model.LineageRecord{
			VersionedRecord: currentVersion(),
			GenomeID:        genome.ID,
			Generation:      0,
			Operation:       OperationSeed,
			Fingerprint:     ComputeGenomeSignature(genome).Fingerprint,
		})
	}

	bestSet := false
	for gen := 1; gen <= m.cfg.MaxGenerations; gen++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		m.setPhase(PhaseEvaluating, gen)
		outcome, err := m.evaluatePopulation(ctx, population, gen)
		if err != nil {
			return RunResult{}, err
		}
		result.Failures = append(result.Failures, outcome.Failures...)

		ranked := population.Rank()
		if !bestSet || ranked[0].Fitness > result.Best.Fitness {
			result.Best = ranked[0]
			bestSet = true
		}
		diag := m.summarizeGeneration(ranked, gen, outcome, result.Best.Fitness)
		result.Diagnostics = append(result.Diagnostics, diag)
		result.MeanByGeneration = append(result.MeanByGeneration, diag.MeanFitness)
		result.BestByGeneration = append(result.BestByGeneration, diag.BestFitness)
		result.Generations = gen
		m.cfg.Metrics.ObserveGeneration(diag)
		m.logger.WithFields(logrus.Fields{
			"generation":   gen,
			"mean_fitness": diag.MeanFitness,
			"best_fitness": diag.BestFitness,
			"best_so_far":  diag.BestSoFar,
			"failures":     diag.Failures,
			"population":   diag.PopulationSize,
		}).Info("generation evaluated")

		if outcome.Winner >= 0 {
			winner := population[outcome.Winner]
			result.Winner = &winner
			result.Termination = TerminationThreshold
			result.FinalPopulation = ranked
			m.setPhase(PhaseTerminated, gen)
			m.logger.WithFields(genomeFields(winner)).WithField("generation", gen).Info("fitness threshold reached")
			return result, nil
		}
		if gen == m.cfg.MaxGenerations {
			break
		}

		m.setPhase(PhaseSelecting, gen)
		survivors, err := m.cfg.Selector.Select(ranked, m.cfg.SurvivalFraction)
		if err != nil {
			return RunResult{}, err
		}

		m.setPhase(PhaseRecombining, gen)
		next, lineage, err := m.recombiner.Recombine(m.sc.Rand, survivors, m.cfg.PopulationSize, gen+1)
		if err != nil {
			return RunResult{}, err
		}

		m.setPhase(PhaseMutating, gen)
		for _, idx := range m.mutator.MutatePopulation(m.sc.Rand, next) {
			lineage[idx].Operation += mutateSuffix
		}
		for i := range lineage {
			lineage[i].Fingerprint = ComputeGenomeSignature(next[i]).Fingerprint
		}
		if len(next) != m.cfg.PopulationSize {
			return RunResult{}, fmt.Errorf("next generation has %d genomes, want %d", len(next), m.cfg.PopulationSize)
		}
		result.Lineage = append(result.Lineage, lineage...)
		population = next
	}

	result.Termination = TerminationBudget
	result.FinalPopulation = population.Rank()
	m.setPhase(PhaseTerminated, result.Generations)
	m.logger.WithFields(genomeFields(result.Best)).WithField("generations", result.Generations).Info("generation budget exhausted")
	return result, nil
}

func (m *PopulationMonitor) summarizeGeneration(ranked Population, generation int, outcome evaluationOutcome, bestSoFar float64) model.GenerationDiagnostics {
	fitnesses := ranked.Fitnesses()
	diag := model.GenerationDiagnostics{
		Generation:           generation,
		BestFitness:          ranked[0].Fitness,
		MeanFitness:          stat.Mean(fitnesses, nil),
		MinFitness:           ranked[len(ranked)-1].Fitness,
		BestSoFar:            bestSoFar,
		PopulationSize:       len(ranked),
		Evaluated:            outcome.Evaluated,
		Failures:             len(outcome.Failures),
		FingerprintDiversity: countSpecies(FingerprintSpecieIdentifier{}, ranked),
		ShapeCount:           countSpecies(m.cfg.Identifier, ranked),
	}
	if len(fitnesses) > 1 {
		diag.StdDevFitness = stat.StdDev(fitnesses, nil)
	}
	return diag
}

func genomeFields(g model.Genome) logrus.Fields {
	return logrus.Fields{
		"genome_id":     g.ID,
		"fitness":       g.Fitness,
		"conv_0":        g.Conv[0].String(),
		"conv_1":        g.Conv[1].String(),
		"dense_0":       g.Dense[0].String(),
		"dense_1":       g.Dense[1].String(),
		"optimizer":     string(g.Optimizer),
		"epochs":        g.Epochs,
		"recombination": string(g.Recombination),
	}
}
