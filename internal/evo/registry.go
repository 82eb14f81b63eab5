package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"archsearch/internal/model"
)

var (
	ErrOperatorExists       = errors.New("crossover already registered")
	ErrOperatorNotFound     = errors.New("crossover not found")
	ErrOperatorIncompatible = errors.New("crossover incompatible with genome")
	ErrVersionMismatch      = errors.New("crossover version mismatch")
)

type CompatibilityFn func(genome model.Genome) error

type OperatorSpec struct {
	Name          string
	Crossover     Crossover
	SchemaVersion int
	CodecVersion  int
	Compatible    CompatibilityFn
}

type registeredOperator struct {
	crossover     Crossover
	schemaVersion int
	codecVersion  int
	compatible    CompatibilityFn
}

var operatorRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredOperator
}{
	m: builtinOperators(),
}

func builtinOperators() map[string]registeredOperator {
	m := make(map[string]registeredOperator)
	for _, c := range []Crossover{LayerSwapCrossover{}, FieldUniformCrossover{}} {
		m[c.Name()] = registeredOperator{
			crossover:     c,
			schemaVersion: SupportedSchemaVersion,
			codecVersion:  SupportedCodecVersion,
		}
	}
	return m
}

// RegisterOperator registers a crossover under its own name with default
// schema and codec versions.
func RegisterOperator(c Crossover) error {
	if c == nil {
		return errors.New("crossover is required")
	}
	return RegisterOperatorWithSpec(OperatorSpec{
		Name:          c.Name(),
		Crossover:     c,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func RegisterOperatorWithSpec(spec OperatorSpec) error {
	if spec.Name == "" {
		return errors.New("crossover name is required")
	}
	if spec.Crossover == nil {
		return errors.New("crossover is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, spec.SchemaVersion, spec.CodecVersion)
	}

	operatorRegistry.mu.Lock()
	defer operatorRegistry.mu.Unlock()

	if _, exists := operatorRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrOperatorExists, spec.Name)
	}
	operatorRegistry.m[spec.Name] = registeredOperator{
		crossover:     spec.Crossover,
		schemaVersion: spec.SchemaVersion,
		codecVersion:  spec.CodecVersion,
		compatible:    spec.Compatible,
	}
	return nil
}

// LookupOperator returns a crossover by name without genome checks. Run
// configuration uses it to turn strategy names into operators.
func LookupOperator(name string) (Crossover, error) {
	operatorRegistry.mu.RLock()
	entry, ok := operatorRegistry.m[name]
	operatorRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, name)
	}
	return entry.crossover, nil
}

// ResolveOperator returns a crossover only if the genome's record versions
// and the registered compatibility check both pass.
func ResolveOperator(name string, genome model.Genome) (Crossover, error) {
	operatorRegistry.mu.RLock()
	entry, ok := operatorRegistry.m[name]
	operatorRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, name)
	}
	if genome.SchemaVersion != entry.schemaVersion || genome.CodecVersion != entry.codecVersion {
		return nil, fmt.Errorf("%w: crossover=%s expected(schema=%d codec=%d) got(schema=%d codec=%d)",
			ErrVersionMismatch,
			name,
			entry.schemaVersion,
			entry.codecVersion,
			genome.SchemaVersion,
			genome.CodecVersion,
		)
	}
	if entry.compatible != nil {
		if err := entry.compatible(genome); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOperatorIncompatible, name, err)
		}
	}
	return entry.crossover, nil
}

// ResolveStrategies maps configured strategy names to crossovers. An empty
// list selects every built-in strategy.
func ResolveStrategies(names []string) ([]Crossover, error) {
	if len(names) == 0 {
		return []Crossover{LayerSwapCrossover{}, FieldUniformCrossover{}}, nil
	}
	out := make([]Crossover, 0, len(names))
	for _, name := range names {
		c, err := LookupOperator(name)
		if err != nil {
			return nil, &ConfigError{Option: "recombination_strategies", Reason: err.Error()}
		}
		out = append(out, c)
	}
	return out, nil
}

func ListOperators() []string {
	operatorRegistry.mu.RLock()
	defer operatorRegistry.mu.RUnlock()

	names := make([]string, 0, len(operatorRegistry.m))
	for name := range operatorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetOperatorRegistryForTests() {
	operatorRegistry.mu.Lock()
	defer operatorRegistry.mu.Unlock()
	operatorRegistry.m = builtinOperators()
}
