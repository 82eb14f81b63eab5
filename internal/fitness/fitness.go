// Package fitness holds concrete evaluators for the search loop: a cheap
// stub for tests and dry runs, a shape guard that rejects unbuildable
// networks up front, and an adapter that hands training to an external
// process.
package fitness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"archsearch/internal/evo"
	"archsearch/internal/model"
)

// ErrUnbuildable marks a genome whose layer stack collapses the feature map
// to a non-positive size for the configured input.
var ErrUnbuildable = errors.New("architecture cannot be built")

const (
	KindUnitsSum = "units_sum"
	KindCommand  = "command"
)

// Func adapts a plain function to the evaluator contract.
type Func func(ctx context.Context, genome model.Genome, env evo.Environment) (float64, error)

func (f Func) Evaluate(ctx context.Context, genome model.Genome, env evo.Environment) (float64, error) {
	return f(ctx, genome, env)
}

// UnitsSum scores a genome by its total unit count divided by Scale,
// capped at 1. It is deterministic and needs no dataset.
type UnitsSum struct {
	Scale float64
}

func (u UnitsSum) Evaluate(ctx context.Context, genome model.Genome, _ evo.Environment) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	scale := u.Scale
	if scale <= 0 {
		scale = 1000
	}
	return min(1, float64(genome.UnitsSum())/scale), nil
}

// Options selects and configures an evaluator by name.
type Options struct {
	Kind    string
	Command []string
	Scale   float64
	// SkipShapeGuard disables the up-front feature map check.
	SkipShapeGuard bool
}

// New builds the named evaluator. Unless disabled, the result is wrapped in
// a ShapeGuard so impossible architectures fail before any training starts.
func New(opts Options) (evo.Evaluator, error) {
	var base evo.Evaluator
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindUnitsSum:
		base = UnitsSum{Scale: opts.Scale}
	case KindCommand:
		if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
			return nil, &evo.ConfigError{Option: "evaluator_command", Reason: "required when evaluator is command"}
		}
		base = &Command{Path: opts.Command[0], Args: opts.Command[1:]}
	default:
		return nil, &evo.ConfigError{Option: "evaluator", Reason: fmt.Sprintf("unsupported evaluator %q", opts.Kind)}
	}
	if opts.SkipShapeGuard {
		return base, nil
	}
	return ShapeGuard{Next: base}, nil
}
