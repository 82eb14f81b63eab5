package evo

import (
	"fmt"
	"math/rand"

	"archsearch/internal/model"
)

const (
	OperationSeed     = "seed"
	OperationSurvivor = "survivor"
	mutateSuffix      = "+mutate"
)

// Recombiner refills a survivor set back to the target population size.
type Recombiner struct {
	Strategies []Crossover
}

// Recombine returns survivors followed by offspring, exactly targetSize long.
// Every member gets a fresh id; the lineage slice is index-aligned with the
// returned population and records where each member came from.
func (r Recombiner) Recombine(rng *rand.Rand, survivors Population, targetSize, generation int) (Population, []model.LineageRecord, error) {
	if len(survivors) < 2 {
		return nil, nil, fmt.Errorf("%w: recombination needs at least 2 survivors, got %d", ErrEmptyPopulation, len(survivors))
	}
	if targetSize < len(survivors) {
		return nil, nil, configErrorf("population_size", "target %d smaller than survivor count %d", targetSize, len(survivors))
	}
	if len(r.Strategies) == 0 {
		return nil, nil, configErrorf("recombination_strategies", "no strategies configured")
	}

	next := make(Population, 0, targetSize)
	lineage := make([]model.LineageRecord, 0, targetSize)
	for _, survivor := range survivors {
		clone := survivor
		clone.ID = newGenomeID(rng)
		clone.VersionedRecord = currentVersion()
		next = append(next, clone)
		lineage = append(lineage, model.LineageRecord{
			VersionedRecord: currentVersion(),
			GenomeID:        clone.ID,
			ParentIDs:       []string{survivor.ID},
			Generation:      generation,
			Operation:       OperationSurvivor,
		})
	}

	for len(next) < targetSize {
		a := survivors[rng.Intn(len(survivors))]
		b := survivors[rng.Intn(len(survivors))]
		strategy := r.Strategies[rng.Intn(len(r.Strategies))]
		first, second := strategy.Cross(rng, a, b)
		for _, child := range []model.Genome{first, second} {
			if len(next) == targetSize {
				break
			}
			child.ID = newGenomeID(rng)
			child.VersionedRecord = currentVersion()
			child.Fitness = 0
			next = append(next, child)
			lineage = append(lineage, model.LineageRecord{
				VersionedRecord: currentVersion(),
				GenomeID:        child.ID,
				ParentIDs:       []string{a.ID, b.ID},
				Generation:      generation,
				Operation:       strategy.Name(),
			})
		}
	}
	return next, lineage, nil
}
