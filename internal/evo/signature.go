package evo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"archsearch/internal/model"
)

// GenomeSignature identifies a genome by its hyperparameters alone; id,
// fitness and recombination tag do not contribute.
type GenomeSignature struct {
	Fingerprint string
	Shape       string
}

func ComputeGenomeSignature(genome model.Genome) GenomeSignature {
	h := sha256.New()
	for _, layer := range genome.Conv {
		fmt.Fprintf(h, "c:%d:%d:%d:%s:%.4f|", layer.Units, layer.KernelSize, layer.Stride, layer.Padding, layer.Dropout)
	}
	for _, layer := range genome.Dense {
		fmt.Fprintf(h, "d:%d:%.4f|", layer.Units, layer.Dropout)
	}
	fmt.Fprintf(h, "o:%s|e:%d", genome.Optimizer, genome.Epochs)
	return GenomeSignature{
		Fingerprint: hex.EncodeToString(h.Sum(nil))[:16],
		Shape:       ShapeSpecieIdentifier{}.Identify(genome),
	}
}
