package evo

import (
	"context"
	"math/rand"

	"archsearch/internal/model"
	"archsearch/internal/searchspace"
)

func newTestGenome(id string, convUnits, denseUnits int) model.Genome {
	return model.Genome{
		VersionedRecord: currentVersion(),
		ID:              id,
		Conv: [model.ConvLayerCount]model.ConvLayerGene{
			{Units: convUnits, KernelSize: 3, Stride: 1, Padding: model.PaddingSame, Dropout: 0.1},
			{Units: convUnits * 2, KernelSize: 5, Stride: 2, Padding: model.PaddingValid, Dropout: 0.2},
		},
		Dense: [model.DenseLayerCount]model.DenseLayerGene{
			{Units: denseUnits, Dropout: 0.3},
			{Units: denseUnits / 2, Dropout: 0.4},
		},
		Optimizer: model.OptimizerAdam,
		Epochs:    12,
	}
}

func randomTestPopulation(seed int64, size int) Population {
	population, err := InitializePopulation(rand.New(rand.NewSource(seed)), searchspace.DefaultSpace(), size)
	if err != nil {
		panic(err)
	}
	return population
}

func unitsSumEvaluator() Evaluator {
	return EvaluatorFunc(func(_ context.Context, genome model.Genome, _ Environment) (float64, error) {
		return float64(genome.UnitsSum()) / 1000, nil
	})
}

func constantEvaluator(fitness float64) Evaluator {
	return EvaluatorFunc(func(context.Context, model.Genome, Environment) (float64, error) {
		return fitness, nil
	})
}

func baseMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Space:               searchspace.DefaultSpace(),
		Evaluator:           unitsSumEvaluator(),
		PopulationSize:      4,
		SurvivalFraction:    0.5,
		MutationProbability: 0.1,
		FitnessThreshold:    0.99,
		MaxGenerations:      3,
		Workers:             2,
		Seed:                42,
	}
}
