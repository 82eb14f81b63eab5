package evo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"archsearch/internal/model"
)

// Environment is the fixed input shared by every evaluation in a run.
type Environment struct {
	Dataset  model.DatasetSplit
	Training model.TrainingConfig
}

// Evaluator trains and scores one genome. It must behave as a pure function
// of (genome, environment): evaluations run concurrently in any order.
// A returned error marks the genome as unbuildable or untrainable.
type Evaluator interface {
	Evaluate(ctx context.Context, genome model.Genome, env Environment) (float64, error)
}

type EvaluatorFunc func(ctx context.Context, genome model.Genome, env Environment) (float64, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, genome model.Genome, env Environment) (float64, error) {
	return f(ctx, genome, env)
}

type evaluationOutcome struct {
	Evaluated int
	Failures  []EvaluationFailure
	// Winner indexes the genome that crossed the fitness threshold, or -1.
	Winner int
}

type evaluationResult struct {
	done     bool
	fitness  float64
	err      error
	duration time.Duration
}

// evaluatePopulation scores every genome in place. It is the only place
// evaluator errors are caught: a failing genome gets fitness 0 and a failure
// record, and the generation carries on. When a genome exceeds the fitness
// threshold the remaining in-flight evaluations are cancelled.
func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population Population, generation int) (evaluationOutcome, error) {
	population.resetFitness()

	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var thresholdHit atomic.Bool
	results := make([]evaluationResult, len(population))

	group, groupCtx := errgroup.WithContext(evalCtx)
	group.SetLimit(m.cfg.Workers)
	for i := range population {
		idx := i
		genome := population[i]
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			started := time.Now()
			fitness, err := m.evaluateGenome(groupCtx, genome)
			results[idx] = evaluationResult{done: true, fitness: fitness, err: err, duration: time.Since(started)}
			if err == nil && fitness > m.cfg.FitnessThreshold {
				thresholdHit.Store(true)
				cancel()
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return evaluationOutcome{}, err
	}

	outcome := evaluationOutcome{Winner: -1}
	for i, res := range results {
		if !res.done {
			continue
		}
		if res.err != nil && thresholdHit.Load() && errors.Is(res.err, context.Canceled) {
			// aborted by early exit, not a failure
			continue
		}
		outcome.Evaluated++
		m.cfg.Metrics.ObserveEvaluation(res.duration, res.err != nil)
		if res.err != nil {
			failure := EvaluationFailure{
				Generation: generation,
				Index:      i,
				GenomeID:   population[i].ID,
				Err:        res.err,
			}
			outcome.Failures = append(outcome.Failures, failure)
			m.logger.WithFields(logrus.Fields{
				"generation": generation,
				"genome_id":  failure.GenomeID,
				"index":      i,
				"error":      res.err.Error(),
			}).Warn("genome evaluation failed")
			continue
		}
		population[i].Fitness = res.fitness
		if res.fitness > m.cfg.FitnessThreshold {
			if outcome.Winner < 0 || res.fitness > population[outcome.Winner].Fitness {
				outcome.Winner = i
			}
		}
	}
	return outcome, nil
}

// evaluateGenome runs the evaluator under the per-evaluation timeout. The
// evaluator runs on its own goroutine so one that ignores its context still
// cannot stall the generation.
func (m *PopulationMonitor) evaluateGenome(ctx context.Context, genome model.Genome) (float64, error) {
	if m.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
		defer cancel()
	}

	type reply struct {
		fitness float64
		err     error
	}
	replies := make(chan reply, 1)
	go func() {
		fitness, err := m.cfg.Evaluator.Evaluate(ctx, genome, m.sc.Environment)
		replies <- reply{fitness: fitness, err: err}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, fmt.Errorf("%w after %s: %v", ErrEvaluationTimeout, m.cfg.EvaluationTimeout, r.err)
			}
			return 0, r.err
		}
		if math.IsNaN(r.fitness) || r.fitness < 0 || r.fitness > 1 {
			return 0, fmt.Errorf("%w: got %v", ErrInvalidFitness, r.fitness)
		}
		return r.fitness, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s", ErrEvaluationTimeout, m.cfg.EvaluationTimeout)
		}
		return 0, ctx.Err()
	}
}
