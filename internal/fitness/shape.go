package fitness

import (
	"context"
	"fmt"

	"archsearch/internal/evo"
	"archsearch/internal/model"
)

// FeatureMap is the spatial size of an activation volume.
type FeatureMap struct {
	Height   int
	Width    int
	Channels int
}

// OutputFeatureMap walks the conv stack the way the trainer builds it: both
// conv layers, then one 2x2 max pool with stride 2. It returns
// ErrUnbuildable naming the first layer that collapses the map.
func OutputFeatureMap(genome model.Genome, dataset model.DatasetSplit) (FeatureMap, error) {
	fm := FeatureMap{Height: dataset.Height, Width: dataset.Width, Channels: dataset.Channels}
	if fm.Height <= 0 || fm.Width <= 0 {
		return FeatureMap{}, fmt.Errorf("%w: input %dx%d", ErrUnbuildable, fm.Height, fm.Width)
	}
	for i, layer := range genome.Conv {
		if layer.KernelSize <= 0 || layer.Stride <= 0 {
			return FeatureMap{}, fmt.Errorf("%w: conv[%d] kernel %d stride %d", ErrUnbuildable, i, layer.KernelSize, layer.Stride)
		}
		fm.Height = convOutput(fm.Height, layer)
		fm.Width = convOutput(fm.Width, layer)
		fm.Channels = layer.Units
		if fm.Height <= 0 || fm.Width <= 0 {
			return FeatureMap{}, fmt.Errorf("%w: conv[%d] %s yields %dx%d", ErrUnbuildable, i, layer, fm.Height, fm.Width)
		}
	}
	fm.Height /= 2
	fm.Width /= 2
	if fm.Height <= 0 || fm.Width <= 0 {
		return FeatureMap{}, fmt.Errorf("%w: max pool yields %dx%d", ErrUnbuildable, fm.Height, fm.Width)
	}
	return fm, nil
}

func convOutput(n int, layer model.ConvLayerGene) int {
	if layer.Padding == model.PaddingValid {
		n = n - layer.KernelSize + 1
		if n <= 0 {
			return 0
		}
	}
	return (n + layer.Stride - 1) / layer.Stride
}

// ShapeGuard rejects genomes the trainer could not build and passes the
// rest to Next.
type ShapeGuard struct {
	Next evo.Evaluator
}

func (g ShapeGuard) Evaluate(ctx context.Context, genome model.Genome, env evo.Environment) (float64, error) {
	if _, err := OutputFeatureMap(genome, env.Dataset); err != nil {
		return 0, err
	}
	return g.Next.Evaluate(ctx, genome, env)
}
