package model

import "fmt"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Optimizer names the training optimizer encoded in a genome.
type Optimizer string

const (
	OptimizerRMSProp Optimizer = "rmsprop"
	OptimizerAdam    Optimizer = "adam"
	OptimizerSGD     Optimizer = "sgd"
	OptimizerAdagrad Optimizer = "adagrad"
)

// Optimizers lists every supported optimizer.
func Optimizers() []Optimizer {
	return []Optimizer{OptimizerRMSProp, OptimizerAdam, OptimizerSGD, OptimizerAdagrad}
}

func (o Optimizer) Valid() bool {
	switch o {
	case OptimizerRMSProp, OptimizerAdam, OptimizerSGD, OptimizerAdagrad:
		return true
	default:
		return false
	}
}

// Padding is the convolution padding mode.
type Padding string

const (
	PaddingSame  Padding = "same"
	PaddingValid Padding = "valid"
)

func (p Padding) Valid() bool {
	return p == PaddingSame || p == PaddingValid
}

// RecombinationTag records which operator produced a genome. It is provenance
// only and never feeds back into the search.
type RecombinationTag string

const (
	RecombinationNone         RecombinationTag = ""
	RecombinationRandom       RecombinationTag = "random"
	RecombinationLayerSwap    RecombinationTag = "layer_swap"
	RecombinationFieldUniform RecombinationTag = "field_uniform"
)

const (
	ConvLayerCount  = 2
	DenseLayerCount = 2
)

type ConvLayerGene struct {
	Units      int     `json:"units" yaml:"units"`
	KernelSize int     `json:"kernel_size" yaml:"kernel_size"`
	Stride     int     `json:"stride" yaml:"stride"`
	Padding    Padding `json:"padding" yaml:"padding"`
	Dropout    float64 `json:"dropout" yaml:"dropout"`
}

type DenseLayerGene struct {
	Units   int     `json:"units" yaml:"units"`
	Dropout float64 `json:"dropout" yaml:"dropout"`
}

// Genome encodes one candidate architecture. The layer arrays are fixed
// length: the search varies hyperparameters, never the layer count.
type Genome struct {
	VersionedRecord `yaml:"-"`
	ID              string                         `json:"id" yaml:"id"`
	Conv            [ConvLayerCount]ConvLayerGene  `json:"conv_layers" yaml:"conv_layers"`
	Dense           [DenseLayerCount]DenseLayerGene `json:"dense_layers" yaml:"dense_layers"`
	Optimizer       Optimizer                      `json:"optimizer" yaml:"optimizer"`
	Epochs          int                            `json:"epochs" yaml:"epochs"`
	Fitness         float64                        `json:"fitness" yaml:"fitness"`
	Recombination   RecombinationTag               `json:"recombination,omitempty" yaml:"recombination,omitempty"`
}

// UnitsSum is the total of every layer's unit count.
func (g Genome) UnitsSum() int {
	total := 0
	for _, layer := range g.Conv {
		total += layer.Units
	}
	for _, layer := range g.Dense {
		total += layer.Units
	}
	return total
}

// SameHyperparameters reports whether two genomes encode the same
// architecture, ignoring identity, fitness and provenance.
func (g Genome) SameHyperparameters(other Genome) bool {
	return g.Conv == other.Conv && g.Dense == other.Dense && g.Optimizer == other.Optimizer && g.Epochs == other.Epochs
}

func (g Genome) String() string {
	return fmt.Sprintf("conv=[%s %s] dense=[%s %s] optimizer=%s epochs=%d fitness=%.4f",
		g.Conv[0], g.Conv[1], g.Dense[0], g.Dense[1], g.Optimizer, g.Epochs, g.Fitness)
}

func (l ConvLayerGene) String() string {
	return fmt.Sprintf("{units=%d kernel=%d stride=%d padding=%s dropout=%.1f}", l.Units, l.KernelSize, l.Stride, l.Padding, l.Dropout)
}

func (l DenseLayerGene) String() string {
	return fmt.Sprintf("{units=%d dropout=%.1f}", l.Units, l.Dropout)
}

// DatasetSplit describes the fixed labeled data every evaluation trains and
// validates on. Loading the data is the evaluator's concern.
type DatasetSplit struct {
	Name              string `json:"name" yaml:"name"`
	Path              string `json:"path,omitempty" yaml:"path,omitempty"`
	Height            int    `json:"height" yaml:"height"`
	Width             int    `json:"width" yaml:"width"`
	Channels          int    `json:"channels" yaml:"channels"`
	Classes           int    `json:"classes" yaml:"classes"`
	TrainSamples      int    `json:"train_samples" yaml:"train_samples"`
	ValidationSamples int    `json:"validation_samples" yaml:"validation_samples"`
}

// TrainingConfig is shared by every evaluation in a run.
type TrainingConfig struct {
	BatchSize        int     `json:"batch_size" yaml:"batch_size"`
	ValidationSplit  float64 `json:"validation_split" yaml:"validation_split"`
	Loss             string  `json:"loss" yaml:"loss"`
	HiddenActivation string  `json:"hidden_activation" yaml:"hidden_activation"`
	OutputActivation string  `json:"output_activation" yaml:"output_activation"`
}

func DefaultDataset() DatasetSplit {
	return DatasetSplit{
		Name:              "cifar10",
		Height:            32,
		Width:             32,
		Channels:          3,
		Classes:           10,
		TrainSamples:      10000,
		ValidationSamples: 10000,
	}
}

func DefaultTraining() TrainingConfig {
	return TrainingConfig{
		BatchSize:        300,
		ValidationSplit:  0.2,
		Loss:             "categorical_crossentropy",
		HiddenActivation: "relu",
		OutputActivation: "softmax",
	}
}

type Population struct {
	VersionedRecord
	ID         string   `json:"id"`
	RunID      string   `json:"run_id"`
	Generation int      `json:"generation"`
	Genomes    []Genome `json:"genomes"`
}

type GenerationDiagnostics struct {
	Generation           int     `json:"generation"`
	BestFitness          float64 `json:"best_fitness"`
	MeanFitness          float64 `json:"mean_fitness"`
	MinFitness           float64 `json:"min_fitness"`
	StdDevFitness        float64 `json:"stddev_fitness"`
	BestSoFar            float64 `json:"best_so_far"`
	PopulationSize       int     `json:"population_size"`
	Evaluated            int     `json:"evaluated"`
	Failures             int     `json:"failures"`
	FingerprintDiversity int     `json:"fingerprint_diversity"`
	ShapeCount           int     `json:"shape_count"`
}

type LineageRecord struct {
	VersionedRecord
	GenomeID    string   `json:"genome_id"`
	ParentIDs   []string `json:"parent_ids,omitempty"`
	Generation  int      `json:"generation"`
	Operation   string   `json:"operation"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

type TopGenomeRecord struct {
	Rank    int     `json:"rank"`
	Fitness float64 `json:"fitness"`
	Genome  Genome  `json:"genome"`
}

// RunRecord summarizes one completed search.
type RunRecord struct {
	VersionedRecord
	ID                 string  `json:"id"`
	CreatedAtUTC       string  `json:"created_at_utc"`
	Dataset            string  `json:"dataset"`
	Evaluator          string  `json:"evaluator"`
	Seed               int64   `json:"seed"`
	PopulationSize     int     `json:"population_size"`
	MaxGenerations     int     `json:"max_generations"`
	Generations        int     `json:"generations"`
	Termination        string  `json:"termination"`
	BestFitness        float64 `json:"best_fitness"`
	BestGenomeID       string  `json:"best_genome_id"`
	EvaluationFailures int     `json:"evaluation_failures"`
}
