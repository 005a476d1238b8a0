package scorer

import (
	"fmt"
	"math"
)

// Weights is the injectable coefficient vector for the relevance scorer.
// The six coefficients must sum to 1.0; Validate enforces this at startup.
type Weights struct {
	Expertise    float64 `yaml:"expertise" json:"expertise"`
	Capability   float64 `yaml:"capability" json:"capability"`
	Domain       float64 `yaml:"domain" json:"domain"`
	Performance  float64 `yaml:"performance" json:"performance"`
	Availability float64 `yaml:"availability" json:"availability"`
	Hebbian      float64 `yaml:"hebbian" json:"hebbian"`
}

// DefaultWeights returns the shipped coefficient vector.
func DefaultWeights() Weights {
	return Weights{
		Expertise:    0.28,
		Capability:   0.22,
		Domain:       0.18,
		Performance:  0.14,
		Availability: 0.08,
		Hebbian:      0.10,
	}
}

// sumTolerance absorbs float accumulation error when checking the vector sum.
const sumTolerance = 1e-9

// ConfigError reports an invalid scorer weight vector. It is fatal at startup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("scorer config: %s", e.Reason)
}

// Sum returns the total of all six coefficients.
func (w Weights) Sum() float64 {
	return w.Expertise + w.Capability + w.Domain + w.Performance + w.Availability + w.Hebbian
}

// Validate checks that every coefficient is within [0,1] and that the vector
// sums to 1.0.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"expertise":    w.Expertise,
		"capability":   w.Capability,
		"domain":       w.Domain,
		"performance":  w.Performance,
		"availability": w.Availability,
		"hebbian":      w.Hebbian,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return &ConfigError{Reason: fmt.Sprintf("weight %q out of range: %v", name, v)}
		}
	}
	if diff := math.Abs(w.Sum() - 1.0); diff > sumTolerance {
		return &ConfigError{Reason: fmt.Sprintf("weights must sum to 1.0, got %.12f", w.Sum())}
	}
	return nil
}
