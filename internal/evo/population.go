package evo

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"archsearch/internal/model"
	"archsearch/internal/searchspace"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

// Population is an ordered set of genomes. Order is insertion order until
// Rank is called, and it is the tie-break for equal fitness.
type Population []model.Genome

// SearchContext carries the run-wide state every component needs. There are
// no package-level globals: the dataset description and the seeded random
// source travel explicitly.
type SearchContext struct {
	Environment
	Rand *rand.Rand
}

func NewSearchContext(env Environment, seed int64) *SearchContext {
	return &SearchContext{Environment: env, Rand: rand.New(rand.NewSource(seed))}
}

// InitializePopulation draws size independent random genomes.
func InitializePopulation(rng *rand.Rand, space searchspace.Space, size int) (Population, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: population_size must be > 0, got %d", ErrEmptyPopulation, size)
	}
	if err := space.Validate(); err != nil {
		return nil, &ConfigError{Option: "search_space", Reason: err.Error()}
	}
	population := make(Population, 0, size)
	for i := 0; i < size; i++ {
		genome := searchspace.NewRandomGenome(rng, space)
		genome.VersionedRecord = currentVersion()
		genome.ID = newGenomeID(rng)
		population = append(population, genome)
	}
	return population, nil
}

// Rank returns a copy sorted by fitness descending. The sort is stable so
// equal fitness keeps insertion order.
func (p Population) Rank() Population {
	ranked := p.Clone()
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Fitness > ranked[j].Fitness
	})
	return ranked
}

func (p Population) Clone() Population {
	out := make(Population, len(p))
	copy(out, p)
	return out
}

func (p Population) Fitnesses() []float64 {
	out := make([]float64, len(p))
	for i, genome := range p {
		out[i] = genome.Fitness
	}
	return out
}

func (p Population) MeanFitness() float64 {
	if len(p) == 0 {
		return 0
	}
	return stat.Mean(p.Fitnesses(), nil)
}

// Best returns the first genome holding the highest fitness.
func (p Population) Best() (model.Genome, bool) {
	if len(p) == 0 {
		return model.Genome{}, false
	}
	best := p[0]
	for _, genome := range p[1:] {
		if genome.Fitness > best.Fitness {
			best = genome
		}
	}
	return best, true
}

func (p Population) resetFitness() {
	for i := range p {
		p[i].Fitness = 0
	}
}

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: SupportedSchemaVersion, CodecVersion: SupportedCodecVersion}
}

// newGenomeID derives the id from the run's random source so seeded runs
// reproduce ids as well as hyperparameters.
func newGenomeID(rng *rand.Rand) string {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		return fmt.Sprintf("g-%016x", rng.Uint64())
	}
	return id.String()
}
