package evo

import (
	"math/rand"

	"archsearch/internal/model"
)

// Crossover produces two children from two parents. Implementations draw
// from rng only, so a seeded run replays the same offspring.
type Crossover interface {
	Name() string
	Tag() model.RecombinationTag
	Cross(rng *rand.Rand, a, b model.Genome) (model.Genome, model.Genome)
}

// LayerSwapCrossover trades whole layer genes: child one takes a's conv
// layers and b's dense layers, child two the reverse.
type LayerSwapCrossover struct{}

func (LayerSwapCrossover) Name() string { return string(model.RecombinationLayerSwap) }

func (LayerSwapCrossover) Tag() model.RecombinationTag { return model.RecombinationLayerSwap }

func (c LayerSwapCrossover) Cross(rng *rand.Rand, a, b model.Genome) (model.Genome, model.Genome) {
	first := model.Genome{Conv: a.Conv, Dense: b.Dense, Recombination: c.Tag()}
	second := model.Genome{Conv: b.Conv, Dense: a.Dense, Recombination: c.Tag()}
	inheritTraining(rng, &first, a, b)
	inheritTraining(rng, &second, a, b)
	return first, second
}

// FieldUniformCrossover builds each field of each child layer from a uniform
// pick among the four same-kind layers of the two parents.
type FieldUniformCrossover struct{}

func (FieldUniformCrossover) Name() string { return string(model.RecombinationFieldUniform) }

func (FieldUniformCrossover) Tag() model.RecombinationTag { return model.RecombinationFieldUniform }

func (c FieldUniformCrossover) Cross(rng *rand.Rand, a, b model.Genome) (model.Genome, model.Genome) {
	first := c.child(rng, a, b)
	second := c.child(rng, a, b)
	return first, second
}

func (c FieldUniformCrossover) child(rng *rand.Rand, a, b model.Genome) model.Genome {
	convPool := [4]model.ConvLayerGene{a.Conv[0], a.Conv[1], b.Conv[0], b.Conv[1]}
	densePool := [4]model.DenseLayerGene{a.Dense[0], a.Dense[1], b.Dense[0], b.Dense[1]}

	child := model.Genome{Recombination: c.Tag()}
	for i := range child.Conv {
		child.Conv[i] = model.ConvLayerGene{
			Units:      convPool[rng.Intn(4)].Units,
			KernelSize: convPool[rng.Intn(4)].KernelSize,
			Stride:     convPool[rng.Intn(4)].Stride,
			Padding:    convPool[rng.Intn(4)].Padding,
			Dropout:    convPool[rng.Intn(4)].Dropout,
		}
	}
	for i := range child.Dense {
		child.Dense[i] = model.DenseLayerGene{
			Units:   densePool[rng.Intn(4)].Units,
			Dropout: densePool[rng.Intn(4)].Dropout,
		}
	}
	inheritTraining(rng, &child, a, b)
	return child
}

// inheritTraining copies optimizer and epochs, each from a uniformly chosen
// parent.
func inheritTraining(rng *rand.Rand, child *model.Genome, a, b model.Genome) {
	child.Optimizer = a.Optimizer
	if rng.Intn(2) == 1 {
		child.Optimizer = b.Optimizer
	}
	child.Epochs = a.Epochs
	if rng.Intn(2) == 1 {
		child.Epochs = b.Epochs
	}
}
