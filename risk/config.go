package risk

import (
	"math"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const (
	// MaxScore is the upper bound of the normalized score range.
	MaxScore = 10.0

	weightSumEpsilon  = 1e-6
	defaultCeiling    = 10.0
	defaultHistoryLen = 20
)

// Weights controls the contribution of each signal. They must sum to 1.0.
type Weights struct {
	Complexity      float64 `yaml:"complexity" json:"complexity"`
	Criticality     float64 `yaml:"criticality" json:"criticality"`
	ChangeFrequency float64 `yaml:"change_frequency" json:"change_frequency"`
	Defects         float64 `yaml:"defects" json:"defects"`
}

// DefaultWeights returns the documented default weighting.
func DefaultWeights() Weights {
	return Weights{
		Complexity:      0.3,
		Criticality:     0.4,
		ChangeFrequency: 0.2,
		Defects:         0.1,
	}
}

func (w Weights) sum() float64 {
	return w.Complexity + w.Criticality + w.ChangeFrequency + w.Defects
}

// Ceilings are the raw values that map to the top of the normalized range.
// Raw values above a ceiling are clamped.
type Ceilings struct {
	Complexity      float64 `yaml:"complexity" json:"complexity"`
	Criticality     float64 `yaml:"criticality" json:"criticality"`
	ChangeFrequency float64 `yaml:"change_frequency" json:"change_frequency"`
	Defects         float64 `yaml:"defects" json:"defects"`
}

func DefaultCeilings() Ceilings {
	return Ceilings{
		Complexity:      defaultCeiling,
		Criticality:     defaultCeiling,
		ChangeFrequency: defaultCeiling,
		Defects:         defaultCeiling,
	}
}

// Config configures a Model.
type Config struct {
	Weights    Weights  `yaml:"weights" json:"weights"`
	Ceilings   Ceilings `yaml:"ceilings" json:"ceilings"`
	HistoryLen int      `yaml:"history_len" json:"history_len"`
}

func DefaultConfig() Config {
	return Config{
		Weights:    DefaultWeights(),
		Ceilings:   DefaultCeilings(),
		HistoryLen: defaultHistoryLen,
	}
}

// Validate checks the configuration as given. Zero values are not replaced;
// start from DefaultConfig to change a single field.
func (c Config) Validate() error {
	weights := map[string]float64{
		"risk.weights.complexity":       c.Weights.Complexity,
		"risk.weights.criticality":      c.Weights.Criticality,
		"risk.weights.change_frequency": c.Weights.ChangeFrequency,
		"risk.weights.defects":          c.Weights.Defects,
	}
	for _, field := range catalog.SortedKeys(weights) {
		value := weights[field]
		if math.IsNaN(value) || value < 0 {
			return catalog.Invalid(field, "must be a non-negative number, got %v", value)
		}
	}
	if sum := c.Weights.sum(); math.Abs(sum-1.0) > weightSumEpsilon {
		return catalog.Invalid("risk.weights", "must sum to 1.0, got %.6f", sum)
	}

	ceilings := map[string]float64{
		"risk.ceilings.complexity":       c.Ceilings.Complexity,
		"risk.ceilings.criticality":      c.Ceilings.Criticality,
		"risk.ceilings.change_frequency": c.Ceilings.ChangeFrequency,
		"risk.ceilings.defects":          c.Ceilings.Defects,
	}
	for _, field := range catalog.SortedKeys(ceilings) {
		value := ceilings[field]
		if math.IsNaN(value) || value <= 0 {
			return catalog.Invalid(field, "must be > 0, got %v", value)
		}
	}
	if c.HistoryLen <= 0 {
		return catalog.Invalid("risk.history_len", "must be > 0, got %d", c.HistoryLen)
	}
	return nil
}
