package models

import (
	"errors"
	"fmt"
	"math"
)

const probabilityTolerance = 1e-9

// DelayDistribution is a discrete PMF over reporting delay in days: index d
// holds P(delay = d). Treat as read-only once built.
type DelayDistribution struct {
	Probabilities []float64 `json:"probabilities"`
	Records       int       `json:"records"`
	Censored      int       `json:"censored"`
}

// NewDelayDistribution normalises non-negative weights into a PMF.
func NewDelayDistribution(weights []float64) (DelayDistribution, error) {
	var total float64
	for d, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return DelayDistribution{}, fmt.Errorf("delay weight %d is %v", d, w)
		}
		total += w
	}
	if total == 0 {
		return DelayDistribution{}, errors.New("delay weights have zero mass")
	}
	probs := make([]float64, len(weights))
	for d, w := range weights {
		probs[d] = w / total
	}
	return DelayDistribution{Probabilities: probs}, nil
}

// MaxDelay is the largest delay in the support.
func (dd DelayDistribution) MaxDelay() int {
	return len(dd.Probabilities) - 1
}

// Support is the number of delay bins.
func (dd DelayDistribution) Support() int {
	return len(dd.Probabilities)
}

func (dd DelayDistribution) Mean() float64 {
	var m float64
	for d, p := range dd.Probabilities {
		m += float64(d) * p
	}
	return m
}

// Kernel returns a copy of the probabilities.
func (dd DelayDistribution) Kernel() []float64 {
	return append([]float64(nil), dd.Probabilities...)
}

func (dd DelayDistribution) Validate() error {
	if len(dd.Probabilities) == 0 {
		return errors.New("delay distribution is empty")
	}
	var total float64
	for d, p := range dd.Probabilities {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("delay distribution: P(%d) = %v", d, p)
		}
		total += p
	}
	if math.Abs(total-1) > probabilityTolerance*float64(len(dd.Probabilities)) {
		return fmt.Errorf("delay distribution sums to %v, want 1", total)
	}
	return nil
}
