package main

import (
	"fmt"
	"time"

	"archsearch/internal/evo"
	"archsearch/internal/model"
	"archsearch/internal/searchspace"
	"archsearch/pkg/archsearch"
)

// runOptions is the flat option set accepted from flags, ARCHSEARCH_*
// variables and the YAML config file. Search-space keys left unset fall
// back to the default CIFAR-10 domains.
type runOptions struct {
	RunID               string        `mapstructure:"run_id" yaml:"run_id,omitempty"`
	PopulationSize      int           `mapstructure:"population_size" yaml:"population_size"`
	SurvivalFraction    float64       `mapstructure:"survival_fraction" yaml:"survival_fraction"`
	MutationProbability float64       `mapstructure:"field_mutation_probability" yaml:"field_mutation_probability"`
	FitnessThreshold    float64       `mapstructure:"fitness_threshold" yaml:"fitness_threshold"`
	MaxGenerations      int           `mapstructure:"max_generations" yaml:"max_generations"`
	Seed                int64         `mapstructure:"random_seed" yaml:"random_seed"`
	Workers             int           `mapstructure:"workers" yaml:"workers"`
	EvaluationTimeout   time.Duration `mapstructure:"evaluation_timeout" yaml:"evaluation_timeout"`
	Strategies          []string      `mapstructure:"recombination_strategies" yaml:"recombination_strategies"`
	Evaluator           string        `mapstructure:"evaluator" yaml:"evaluator"`
	EvaluatorCommand    []string      `mapstructure:"evaluator_command" yaml:"evaluator_command,omitempty"`
	SkipShapeGuard      bool          `mapstructure:"skip_shape_guard" yaml:"skip_shape_guard"`
	MetricsAddr         string        `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`

	Dataset         string  `mapstructure:"dataset" yaml:"dataset"`
	DatasetPath     string  `mapstructure:"dataset_path" yaml:"dataset_path,omitempty"`
	InputShape      []int   `mapstructure:"input_shape" yaml:"input_shape"`
	Classes         int     `mapstructure:"num_classes" yaml:"num_classes"`
	BatchSize       int     `mapstructure:"batch_size" yaml:"batch_size"`
	ValidationSplit float64 `mapstructure:"validation_split" yaml:"validation_split"`

	ConvUnits    searchspace.Choice[int]             `mapstructure:"conv_unit_domain" yaml:"conv_unit_domain"`
	DenseUnits   searchspace.Choice[int]             `mapstructure:"dense_unit_domain" yaml:"dense_unit_domain"`
	KernelRange  searchspace.Range[int]              `mapstructure:"kernel_range" yaml:"kernel_range"`
	StrideRange  searchspace.Range[int]              `mapstructure:"stride_range" yaml:"stride_range"`
	Padding      searchspace.Choice[model.Padding]   `mapstructure:"padding_domain" yaml:"padding_domain"`
	ConvDropout  searchspace.Choice[float64]         `mapstructure:"dropout_domain" yaml:"dropout_domain"`
	DenseDropout searchspace.Choice[float64]         `mapstructure:"dense_dropout_domain" yaml:"dense_dropout_domain"`
	Optimizers   searchspace.Choice[model.Optimizer] `mapstructure:"optimizer_choices" yaml:"optimizer_choices"`
	EpochRange   searchspace.Range[int]              `mapstructure:"epoch_range" yaml:"epoch_range"`

	Mutation evo.MutationBounds `mapstructure:"mutation" yaml:"mutation"`
}

// loadRunOptions decodes the merged configuration. Ranges and mutation
// bounds are pre-filled so a config file can override single fields.
func (a *app) loadRunOptions() (runOptions, error) {
	space := searchspace.DefaultSpace()
	opts := runOptions{
		KernelRange: space.KernelSize,
		StrideRange: space.Stride,
		EpochRange:  space.Epochs,
		Mutation:    evo.DefaultMutationBounds(),
	}
	if err := a.v.Unmarshal(&opts); err != nil {
		return runOptions{}, fmt.Errorf("decode run options: %w", err)
	}
	opts.fillDefaults()
	return opts, nil
}

func (o *runOptions) fillDefaults() {
	space := searchspace.DefaultSpace()
	dataset := model.DefaultDataset()
	if len(o.ConvUnits) == 0 {
		o.ConvUnits = space.ConvUnits
	}
	if len(o.DenseUnits) == 0 {
		o.DenseUnits = space.DenseUnits
	}
	if len(o.Padding) == 0 {
		o.Padding = space.Padding
	}
	if len(o.DenseDropout) == 0 {
		// a single dropout_domain applies to both layer kinds
		if len(o.ConvDropout) > 0 {
			o.DenseDropout = append(searchspace.Choice[float64](nil), o.ConvDropout...)
		} else {
			o.DenseDropout = space.DenseDropout
		}
	}
	if len(o.ConvDropout) == 0 {
		o.ConvDropout = space.ConvDropout
	}
	if len(o.Optimizers) == 0 {
		o.Optimizers = space.Optimizers
	}
	if o.Dataset == "" {
		o.Dataset = dataset.Name
	}
	if len(o.InputShape) == 0 {
		o.InputShape = []int{dataset.Height, dataset.Width, dataset.Channels}
	}
	if o.Classes == 0 {
		o.Classes = dataset.Classes
	}
}

func (o runOptions) request() (archsearch.RunRequest, error) {
	if len(o.InputShape) != 3 {
		return archsearch.RunRequest{}, &evo.ConfigError{Option: "input_shape", Reason: fmt.Sprintf("want [height, width, channels], got %v", o.InputShape)}
	}
	dataset := model.DefaultDataset()
	dataset.Name = o.Dataset
	dataset.Path = o.DatasetPath
	dataset.Height, dataset.Width, dataset.Channels = o.InputShape[0], o.InputShape[1], o.InputShape[2]
	dataset.Classes = o.Classes

	training := model.DefaultTraining()
	training.BatchSize = o.BatchSize
	training.ValidationSplit = o.ValidationSplit

	space := searchspace.Space{
		ConvUnits:    o.ConvUnits,
		DenseUnits:   o.DenseUnits,
		KernelSize:   o.KernelRange,
		Stride:       o.StrideRange,
		Padding:      o.Padding,
		ConvDropout:  o.ConvDropout,
		DenseDropout: o.DenseDropout,
		Optimizers:   o.Optimizers,
		Epochs:       o.EpochRange,
	}
	return archsearch.RunRequest{
		RunID:               o.RunID,
		Dataset:             dataset,
		Training:            training,
		Space:               &space,
		Mutation:            o.Mutation,
		PopulationSize:      o.PopulationSize,
		SurvivalFraction:    o.SurvivalFraction,
		MutationProbability: o.MutationProbability,
		FitnessThreshold:    o.FitnessThreshold,
		MaxGenerations:      o.MaxGenerations,
		Seed:                o.Seed,
		Workers:             o.Workers,
		EvaluationTimeout:   o.EvaluationTimeout,
		Strategies:          o.Strategies,
		Evaluator:           o.Evaluator,
		EvaluatorCommand:    o.EvaluatorCommand,
		SkipShapeGuard:      o.SkipShapeGuard,
	}, nil
}
