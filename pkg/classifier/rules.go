package classifier

import (
	"fmt"
	"math"

	"github.com/itohio/icumon/pkg/cardiac"
	"github.com/itohio/icumon/pkg/fluid"
	"github.com/itohio/icumon/pkg/wire"
)

// Rules classifies with the peripherals' own condition rules plus saturation
// and temperature bands. The overall state is the worst of them. A zero SpO2
// or temperature means no reading yet and that band is skipped; heart rate
// always goes through the cardiac rules, so zero counts as Serious.
type Rules struct{}

var _ Classifier = Rules{}

// Classify returns the worst condition with a one-hot probability vector.
func (Rules) Classify(f FeatureVector) (Result, error) {
	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("%w: feature %s is %v", ErrInference, FeatureNames[i], v)
		}
	}

	state := fluid.Classify(f[FluidBalance], f[FlowIn], f[FlowOut])
	state = worst(state, cardiac.Classify(f[HeartRate], f[QRSDuration], false))
	if f[SpO2] > 0 {
		state = worst(state, spo2Condition(f[SpO2]))
	}
	if f[Temperature] > 0 {
		state = worst(state, temperatureCondition(f[Temperature]))
	}

	var res Result
	res.State = state
	res.Probabilities[state] = 1
	return res, nil
}

func worst(a, b wire.Condition) wire.Condition {
	if b > a {
		return b
	}
	return a
}

func spo2Condition(spo2 float64) wire.Condition {
	switch {
	case spo2 >= 94:
		return wire.Normal
	case spo2 >= 90:
		return wire.Recovery
	default:
		return wire.Serious
	}
}

func temperatureCondition(t float64) wire.Condition {
	switch {
	case t >= 36 && t <= 37.5:
		return wire.Normal
	case t >= 35 && t <= 38.5:
		return wire.Recovery
	default:
		return wire.Serious
	}
}
