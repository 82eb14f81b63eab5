package evo

import (
	"math"
	"math/rand"

	"archsearch/internal/model"
	"archsearch/internal/searchspace"
)

// MutationBounds sets the step sizes and limits of numeric perturbation.
// Units move in multiples of UnitStep and dropout in multiples of
// DropoutStep. Every delta range must contain a nonzero value.
type MutationBounds struct {
	UnitStep     int                    `json:"unit_step" yaml:"unit_step" mapstructure:"unit_step"`
	UnitSteps    searchspace.Range[int] `json:"unit_steps" yaml:"unit_steps" mapstructure:"unit_steps"`
	DropoutStep  float64                `json:"dropout_step" yaml:"dropout_step" mapstructure:"dropout_step"`
	DropoutSteps searchspace.Range[int] `json:"dropout_steps" yaml:"dropout_steps" mapstructure:"dropout_steps"`
	MaxDropout   float64                `json:"max_dropout" yaml:"max_dropout" mapstructure:"max_dropout"`
	KernelDelta  searchspace.Range[int] `json:"kernel_delta" yaml:"kernel_delta" mapstructure:"kernel_delta"`
	StrideDelta  searchspace.Range[int] `json:"stride_delta" yaml:"stride_delta" mapstructure:"stride_delta"`
	EpochDelta   searchspace.Range[int] `json:"epoch_delta" yaml:"epoch_delta" mapstructure:"epoch_delta"`
}

func DefaultMutationBounds() MutationBounds {
	return MutationBounds{
		UnitStep:     16,
		UnitSteps:    searchspace.Range[int]{Min: -2, Max: 3},
		DropoutStep:  0.1,
		DropoutSteps: searchspace.Range[int]{Min: -2, Max: 1},
		MaxDropout:   0.9,
		KernelDelta:  searchspace.Range[int]{Min: -1, Max: 1},
		StrideDelta:  searchspace.Range[int]{Min: -1, Max: 1},
		EpochDelta:   searchspace.Range[int]{Min: -2, Max: 4},
	}
}

func (b MutationBounds) Validate() error {
	if b.UnitStep <= 0 {
		return configErrorf("mutation.unit_step", "must be > 0, got %d", b.UnitStep)
	}
	if b.DropoutStep <= 0 || b.DropoutStep >= 1 {
		return configErrorf("mutation.dropout_step", "must be in (0,1), got %v", b.DropoutStep)
	}
	if b.MaxDropout <= 0 || b.MaxDropout >= 1 {
		return configErrorf("mutation.max_dropout", "must be in (0,1), got %v", b.MaxDropout)
	}
	deltas := []struct {
		option string
		r      searchspace.Range[int]
	}{
		{"mutation.unit_steps", b.UnitSteps},
		{"mutation.dropout_steps", b.DropoutSteps},
		{"mutation.kernel_delta", b.KernelDelta},
		{"mutation.stride_delta", b.StrideDelta},
		{"mutation.epoch_delta", b.EpochDelta},
	}
	for _, d := range deltas {
		if d.r.Min > d.r.Max {
			return configErrorf(d.option, "min %d > max %d", d.r.Min, d.r.Max)
		}
		if d.r.Min == 0 && d.r.Max == 0 {
			return configErrorf(d.option, "range holds no nonzero delta")
		}
	}
	return nil
}

// Mutator perturbs each numeric field independently with probability
// Probability. Padding and optimizer are never mutated.
type Mutator struct {
	Probability float64
	Bounds      MutationBounds
}

// Mutate changes g in place and reports whether any field moved. A changed
// genome loses its fitness.
func (m Mutator) Mutate(rng *rand.Rand, g *model.Genome) bool {
	changed := false
	for i := range g.Conv {
		layer := &g.Conv[i]
		if m.roll(rng) {
			layer.Units = m.mutateUnits(rng, layer.Units)
			changed = true
		}
		if m.roll(rng) {
			layer.Dropout = m.mutateDropout(rng, layer.Dropout)
			changed = true
		}
		if m.roll(rng) {
			layer.KernelSize = max(1, layer.KernelSize+nonZeroDelta(rng, m.Bounds.KernelDelta))
			changed = true
		}
		if m.roll(rng) {
			layer.Stride = max(1, layer.Stride+nonZeroDelta(rng, m.Bounds.StrideDelta))
			changed = true
		}
	}
	for i := range g.Dense {
		layer := &g.Dense[i]
		if m.roll(rng) {
			layer.Units = m.mutateUnits(rng, layer.Units)
			changed = true
		}
		if m.roll(rng) {
			layer.Dropout = m.mutateDropout(rng, layer.Dropout)
			changed = true
		}
	}
	if m.roll(rng) {
		g.Epochs = max(1, g.Epochs+nonZeroDelta(rng, m.Bounds.EpochDelta))
		changed = true
	}
	if changed {
		g.Fitness = 0
	}
	return changed
}

// MutatePopulation mutates every member and returns the indexes that changed.
func (m Mutator) MutatePopulation(rng *rand.Rand, population Population) []int {
	var changed []int
	for i := range population {
		if m.Mutate(rng, &population[i]) {
			changed = append(changed, i)
		}
	}
	return changed
}

// roll uses a strict comparison so probability 0 never fires and 1 always
// does.
func (m Mutator) roll(rng *rand.Rand) bool {
	return rng.Float64() < m.Probability
}

func (m Mutator) mutateUnits(rng *rand.Rand, units int) int {
	step := m.Bounds.UnitStep
	return max(step, units+step*nonZeroDelta(rng, m.Bounds.UnitSteps))
}

// mutateDropout works in whole steps so results land exactly on the grid
// (0.3, not 0.30000000000000004).
func (m Mutator) mutateDropout(rng *rand.Rand, rate float64) float64 {
	scale := math.Round(1 / m.Bounds.DropoutStep)
	steps := math.Round(rate*scale) + float64(nonZeroDelta(rng, m.Bounds.DropoutSteps))
	limit := math.Floor(m.Bounds.MaxDropout*scale + 1e-9)
	return searchspace.Clamp(steps, 0, limit) / scale
}

func nonZeroDelta(rng *rand.Rand, r searchspace.Range[int]) int {
	if r.Min == 0 && r.Max == 0 {
		return 0
	}
	for {
		if d := r.Draw(rng); d != 0 {
			return d
		}
	}
}
