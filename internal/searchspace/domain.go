package searchspace

import (
	"fmt"
	"math/rand"

	"golang.org/x/exp/constraints"
)

// Choice is a discrete domain sampled uniformly.
type Choice[T comparable] []T

func (c Choice[T]) Pick(rng *rand.Rand) T {
	return c[rng.Intn(len(c))]
}

func (c Choice[T]) Contains(v T) bool {
	for _, item := range c {
		if item == v {
			return true
		}
	}
	return false
}

func (c Choice[T]) validate(option string) error {
	if len(c) == 0 {
		return fmt.Errorf("%s: domain is empty", option)
	}
	return nil
}

// Range is an inclusive integer interval sampled uniformly.
type Range[T constraints.Integer] struct {
	Min T `json:"min" yaml:"min" mapstructure:"min"`
	Max T `json:"max" yaml:"max" mapstructure:"max"`
}

func (r Range[T]) Draw(rng *rand.Rand) T {
	return r.Min + T(rng.Int63n(int64(r.Max-r.Min)+1))
}

func (r Range[T]) Contains(v T) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range[T]) validate(option string) error {
	if r.Min > r.Max {
		return fmt.Errorf("%s: min %v exceeds max %v", option, r.Min, r.Max)
	}
	return nil
}

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
