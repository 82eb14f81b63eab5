package evo

import (
	"fmt"

	"archsearch/internal/model"
)

// SpecieIdentifier assigns a stable group key to a genome. Diagnostics count
// distinct keys to track how varied a population still is.
type SpecieIdentifier interface {
	Name() string
	Identify(genome model.Genome) string
}

// ShapeSpecieIdentifier groups genomes by network shape: layer widths and
// convolution geometry. Dropout and training settings are ignored.
type ShapeSpecieIdentifier struct{}

func (ShapeSpecieIdentifier) Name() string {
	return "shape"
}

func (ShapeSpecieIdentifier) Identify(genome model.Genome) string {
	return fmt.Sprintf("c%d/%dx%d/%d-c%d/%dx%d/%d-d%d-d%d",
		genome.Conv[0].Units, genome.Conv[0].KernelSize, genome.Conv[0].KernelSize, genome.Conv[0].Stride,
		genome.Conv[1].Units, genome.Conv[1].KernelSize, genome.Conv[1].KernelSize, genome.Conv[1].Stride,
		genome.Dense[0].Units,
		genome.Dense[1].Units,
	)
}

// FingerprintSpecieIdentifier treats every distinct hyperparameter set as its
// own group.
type FingerprintSpecieIdentifier struct{}

func (FingerprintSpecieIdentifier) Name() string {
	return "fingerprint"
}

func (FingerprintSpecieIdentifier) Identify(genome model.Genome) string {
	return ComputeGenomeSignature(genome).Fingerprint
}

func countSpecies(identifier SpecieIdentifier, population Population) int {
	keys := make(map[string]struct{}, len(population))
	for _, genome := range population {
		keys[identifier.Identify(genome)] = struct{}{}
	}
	return len(keys)
}
