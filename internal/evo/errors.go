package evo

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration wraps every invalid run configuration. It is fatal and
	// surfaces before any evaluation work starts.
	ErrConfiguration = errors.New("configuration error")
	// ErrEmptyPopulation is returned when a population cannot sustain a
	// generation.
	ErrEmptyPopulation = errors.New("empty population")

	ErrEvaluationTimeout = errors.New("evaluation timed out")
	ErrInvalidFitness    = errors.New("fitness outside [0,1]")
)

// ConfigError names the option that made a configuration unsatisfiable.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Option, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(option, format string, args ...any) error {
	return &ConfigError{Option: option, Reason: fmt.Sprintf(format, args...)}
}

// EvaluationFailure records one genome that could not be scored. It never
// leaves the generation that produced it; the genome's fitness is forced to 0.
type EvaluationFailure struct {
	Generation int    `json:"generation"`
	Index      int    `json:"index"`
	GenomeID   string `json:"genome_id"`
	Err        error  `json:"-"`
}

func (f *EvaluationFailure) Error() string {
	return fmt.Sprintf("generation %d genome %s (index %d): %v", f.Generation, f.GenomeID, f.Index, f.Err)
}

func (f *EvaluationFailure) Unwrap() error {
	return f.Err
}
