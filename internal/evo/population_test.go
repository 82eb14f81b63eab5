package evo

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"archsearch/internal/searchspace"
)

func TestInitializePopulationIsSeedDeterministic(t *testing.T) {
	a := randomTestPopulation(11, 10)
	b := randomTestPopulation(11, 10)
	for i := range a {
		if a[i].ID != b[i].ID || !a[i].SameHyperparameters(b[i]) {
			t.Fatalf("genome %d differs across identical seeds", i)
		}
	}
	space := searchspace.DefaultSpace()
	ids := map[string]bool{}
	for _, g := range a {
		if err := space.Check(g); err != nil {
			t.Fatalf("genome outside space: %v", err)
		}
		if ids[g.ID] {
			t.Fatalf("duplicate id %s", g.ID)
		}
		ids[g.ID] = true
	}
}

func TestInitializePopulationRejectsBadInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := InitializePopulation(rng, searchspace.DefaultSpace(), 0); !errors.Is(err, ErrEmptyPopulation) {
		t.Fatalf("expected ErrEmptyPopulation, got %v", err)
	}
	space := searchspace.DefaultSpace()
	space.DenseUnits = nil
	if _, err := InitializePopulation(rng, space, 4); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRankIsStableAndDescending(t *testing.T) {
	population := Population{
		newTestGenome("a", 16, 32),
		newTestGenome("b", 16, 32),
		newTestGenome("c", 16, 32),
		newTestGenome("d", 16, 32),
	}
	population[0].Fitness = 0.3
	population[1].Fitness = 0.5
	population[2].Fitness = 0.3
	population[3].Fitness = 0.5

	ranked := population.Rank()
	want := []string{"b", "d", "a", "c"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Fatalf("rank %d: want %s got %s", i, id, ranked[i].ID)
		}
	}
	if population[0].ID != "a" {
		t.Fatal("rank must not reorder its receiver")
	}
	if got := population.MeanFitness(); math.Abs(got-0.4) > 1e-12 {
		t.Fatalf("mean fitness: want 0.4 got %v", got)
	}
	best, ok := population.Best()
	if !ok || best.ID != "b" {
		t.Fatalf("best: want b got %s", best.ID)
	}
}
