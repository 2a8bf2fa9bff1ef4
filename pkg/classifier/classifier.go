// Package classifier turns the controller's feature vector into an overall
// patient state. Implementations are a small dense network evaluated in
// float32 and a threshold rule set used when no network is wanted.
package classifier

import (
	"errors"
	"fmt"

	"github.com/itohio/icumon/pkg/wire"
)

// Feature indices. The order is fixed and shared with trained models.
const (
	FlowIn = iota
	FlowOut
	FluidBalance
	HeartRate
	ECGAmplitude
	HRV
	QRSDuration
	SpO2
	PulseRate
	Temperature

	NumFeatures
)

// NumClasses is the number of health states a classifier scores.
const NumClasses = 3

// FeatureNames are the stable feature identifiers, in feature order.
var FeatureNames = [NumFeatures]string{
	"flow_in",
	"flow_out",
	"fluid_balance",
	"heart_rate",
	"ecg_amplitude",
	"hrv",
	"qrs_duration",
	"spo2",
	"pulse_rate",
	"temperature",
}

// ErrInference is returned when a classifier cannot produce a result.
var ErrInference = errors.New("classifier: inference failed")

// FeatureVector holds one cycle's features in feature order.
type FeatureVector [NumFeatures]float64

// Map returns the features keyed by name.
func (f FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, name := range FeatureNames {
		m[name] = f[i]
	}
	return m
}

// Result is a classification outcome. State is Normal, Recovery or Serious.
type Result struct {
	State         wire.Condition
	Probabilities [NumClasses]float64
}

// Classifier maps a feature vector to a health state.
type Classifier interface {
	Classify(f FeatureVector) (Result, error)
}

// Argmax returns the index of the largest score. Ties go to the lowest index.
func Argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Normalizer standardizes features with per-feature mean and standard deviation.
type Normalizer struct {
	Means [NumFeatures]float64
	Stds  [NumFeatures]float64
}

// NewNormalizer builds a normalizer from config tables. Zero deviations are
// replaced with one so the feature passes through centred but unscaled.
func NewNormalizer(means, stds []float64) (*Normalizer, error) {
	if len(means) != NumFeatures || len(stds) != NumFeatures {
		return nil, fmt.Errorf("normalization table needs %d means and stds, got %d and %d", NumFeatures, len(means), len(stds))
	}
	n := &Normalizer{}
	copy(n.Means[:], means)
	copy(n.Stds[:], stds)
	for i, s := range n.Stds {
		if s == 0 {
			n.Stds[i] = 1
		}
	}
	return n, nil
}

// Apply returns the z-scores of f.
func (n *Normalizer) Apply(f FeatureVector) FeatureVector {
	var z FeatureVector
	for i := range f {
		z[i] = (f[i] - n.Means[i]) / n.Stds[i]
	}
	return z
}
