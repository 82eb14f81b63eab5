package evo

import (
	"fmt"
	"math"
)

// Selector picks the survivors that seed the next generation.
type Selector interface {
	Name() string
	Select(population Population, fraction float64) (Population, error)
}

// EliteSelector keeps the top max(2, ceil(fraction*n)) genomes by fitness.
// Ties keep insertion order.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) Select(population Population, fraction float64) (Population, error) {
	if len(population) < 2 {
		return nil, fmt.Errorf("%w: selection needs at least 2 genomes, got %d", ErrEmptyPopulation, len(population))
	}
	if fraction <= 0 || fraction > 1 {
		return nil, configErrorf("survival_fraction", "must be in (0,1], got %v", fraction)
	}
	count := SurvivorCount(len(population), fraction)
	return population.Rank()[:count], nil
}

// SurvivorCount is max(2, ceil(fraction*n)) capped at n. The epsilon keeps
// products like 0.2*10 from rounding up to 3.
func SurvivorCount(n int, fraction float64) int {
	count := int(math.Ceil(fraction*float64(n) - 1e-9))
	if count < 2 {
		count = 2
	}
	if count > n {
		count = n
	}
	return count
}
