package searchspace

import (
	"errors"
	"fmt"
	"math/rand"

	"archsearch/internal/model"
)

// ErrInvalidSpace marks a search space that cannot produce genomes.
var ErrInvalidSpace = errors.New("invalid search space")

// Space holds the domain of every genome field. Nothing about the search
// space is hard-coded in the engine.
type Space struct {
	ConvUnits    Choice[int]             `json:"conv_unit_domain" yaml:"conv_unit_domain"`
	DenseUnits   Choice[int]             `json:"dense_unit_domain" yaml:"dense_unit_domain"`
	KernelSize   Range[int]              `json:"kernel_range" yaml:"kernel_range"`
	Stride       Range[int]              `json:"stride_range" yaml:"stride_range"`
	Padding      Choice[model.Padding]   `json:"padding_domain" yaml:"padding_domain"`
	ConvDropout  Choice[float64]         `json:"dropout_domain" yaml:"dropout_domain"`
	DenseDropout Choice[float64]         `json:"dense_dropout_domain" yaml:"dense_dropout_domain"`
	Optimizers   Choice[model.Optimizer] `json:"optimizer_choices" yaml:"optimizer_choices"`
	Epochs       Range[int]              `json:"epoch_range" yaml:"epoch_range"`
}

// DefaultSpace mirrors the CIFAR-10 search the engine was first built for.
func DefaultSpace() Space {
	return Space{
		ConvUnits:    Choice[int]{16, 32, 64, 128},
		DenseUnits:   Choice[int]{32, 64, 128},
		KernelSize:   Range[int]{Min: 3, Max: 5},
		Stride:       Range[int]{Min: 1, Max: 3},
		Padding:      Choice[model.Padding]{model.PaddingSame, model.PaddingValid},
		ConvDropout:  Choice[float64]{0.1, 0.2, 0.3},
		DenseDropout: Choice[float64]{0.2, 0.3, 0.4, 0.5},
		Optimizers:   Choice[model.Optimizer]{model.OptimizerRMSProp, model.OptimizerAdam, model.OptimizerSGD, model.OptimizerAdagrad},
		Epochs:       Range[int]{Min: 10, Max: 15},
	}
}

// Validate returns an error naming the first unusable option.
func (s Space) Validate() error {
	checks := []error{
		s.ConvUnits.validate("conv_unit_domain"),
		s.DenseUnits.validate("dense_unit_domain"),
		s.KernelSize.validate("kernel_range"),
		s.Stride.validate("stride_range"),
		s.Padding.validate("padding_domain"),
		s.ConvDropout.validate("dropout_domain"),
		s.DenseDropout.validate("dense_dropout_domain"),
		s.Optimizers.validate("optimizer_choices"),
		s.Epochs.validate("epoch_range"),
	}
	for _, err := range checks {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpace, err)
		}
	}

	for _, units := range s.ConvUnits {
		if units <= 0 {
			return fmt.Errorf("%w: conv_unit_domain: units must be > 0, got %d", ErrInvalidSpace, units)
		}
	}
	for _, units := range s.DenseUnits {
		if units <= 0 {
			return fmt.Errorf("%w: dense_unit_domain: units must be > 0, got %d", ErrInvalidSpace, units)
		}
	}
	if s.KernelSize.Min <= 0 {
		return fmt.Errorf("%w: kernel_range: min must be > 0", ErrInvalidSpace)
	}
	if s.Stride.Min <= 0 {
		return fmt.Errorf("%w: stride_range: min must be > 0", ErrInvalidSpace)
	}
	if s.Epochs.Min <= 0 {
		return fmt.Errorf("%w: epoch_range: min must be > 0", ErrInvalidSpace)
	}
	for _, padding := range s.Padding {
		if !padding.Valid() {
			return fmt.Errorf("%w: padding_domain: unsupported padding %q", ErrInvalidSpace, padding)
		}
	}
	for _, optimizer := range s.Optimizers {
		if !optimizer.Valid() {
			return fmt.Errorf("%w: optimizer_choices: unsupported optimizer %q", ErrInvalidSpace, optimizer)
		}
	}
	if err := validateDropout("dropout_domain", s.ConvDropout); err != nil {
		return err
	}
	return validateDropout("dense_dropout_domain", s.DenseDropout)
}

func validateDropout(option string, rates Choice[float64]) error {
	for _, rate := range rates {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("%w: %s: rate %.2f outside [0,1)", ErrInvalidSpace, option, rate)
		}
	}
	return nil
}

// NewRandomGenome draws every field independently and uniformly. The draw
// order is fixed so a seeded source always yields the same genome.
func NewRandomGenome(rng *rand.Rand, s Space) model.Genome {
	var g model.Genome
	for i := range g.Conv {
		g.Conv[i] = model.ConvLayerGene{
			Units:      s.ConvUnits.Pick(rng),
			KernelSize: s.KernelSize.Draw(rng),
			Stride:     s.Stride.Draw(rng),
			Padding:    s.Padding.Pick(rng),
			Dropout:    s.ConvDropout.Pick(rng),
		}
	}
	for i := range g.Dense {
		g.Dense[i] = model.DenseLayerGene{
			Units:   s.DenseUnits.Pick(rng),
			Dropout: s.DenseDropout.Pick(rng),
		}
	}
	g.Optimizer = s.Optimizers.Pick(rng)
	g.Epochs = s.Epochs.Draw(rng)
	g.Recombination = model.RecombinationRandom
	return g
}

// Check reports the first field of g that lies outside the space.
func (s Space) Check(g model.Genome) error {
	for i, layer := range g.Conv {
		switch {
		case !s.ConvUnits.Contains(layer.Units):
			return fmt.Errorf("conv[%d].units %d outside domain", i, layer.Units)
		case !s.KernelSize.Contains(layer.KernelSize):
			return fmt.Errorf("conv[%d].kernel_size %d outside range", i, layer.KernelSize)
		case !s.Stride.Contains(layer.Stride):
			return fmt.Errorf("conv[%d].stride %d outside range", i, layer.Stride)
		case !s.Padding.Contains(layer.Padding):
			return fmt.Errorf("conv[%d].padding %q outside domain", i, layer.Padding)
		case !s.ConvDropout.Contains(layer.Dropout):
			return fmt.Errorf("conv[%d].dropout %.2f outside domain", i, layer.Dropout)
		}
	}
	for i, layer := range g.Dense {
		switch {
		case !s.DenseUnits.Contains(layer.Units):
			return fmt.Errorf("dense[%d].units %d outside domain", i, layer.Units)
		case !s.DenseDropout.Contains(layer.Dropout):
			return fmt.Errorf("dense[%d].dropout %.2f outside domain", i, layer.Dropout)
		}
	}
	if !s.Optimizers.Contains(g.Optimizer) {
		return fmt.Errorf("optimizer %q outside domain", g.Optimizer)
	}
	if !s.Epochs.Contains(g.Epochs) {
		return fmt.Errorf("epochs %d outside range", g.Epochs)
	}
	return nil
}
