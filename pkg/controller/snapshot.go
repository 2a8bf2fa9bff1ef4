package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/itohio/icumon/pkg/classifier"
	"github.com/itohio/icumon/pkg/wire"
)

// Override records the most recent manual actuator write.
type Override struct {
	Actuator string    `json:"actuator"`
	On       bool      `json:"on"`
	Time     time.Time `json:"time"`
}

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	Cycle   uint64        `json:"cycle"`
	CycleID string        `json:"cycle_id,omitempty"`
	Time    time.Time     `json:"time"`
	Elapsed time.Duration `json:"elapsed"` // duration of the cycle

	State         wire.Condition                 `json:"state"`
	Classified    bool                           `json:"classified"`
	Probabilities [classifier.NumClasses]float64 `json:"probabilities"`

	FluidCondition   wire.Condition `json:"fluid_condition"`
	CardiacCondition wire.Condition `json:"cardiac_condition"`
	OxygenAvailable  bool           `json:"oxygen_available"`

	Features map[string]float64 `json:"features"`

	Pump   bool `json:"pump"`
	Oxygen bool `json:"oxygen"`
	Alarm  bool `json:"alarm"`

	Override       *Override `json:"override,omitempty"`
	Stale          []string  `json:"stale,omitempty"`
	InferenceError string    `json:"inference_error,omitempty"`
}

// Snapshot returns a copy of the current controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Cycle:            c.cycle,
		CycleID:          c.cycleID,
		Time:             c.updated,
		Elapsed:          c.elapsed,
		State:            c.state,
		Classified:       c.classified,
		Probabilities:    c.probabilities,
		FluidCondition:   c.fluid.Condition,
		CardiacCondition: c.cardiac.Condition,
		OxygenAvailable:  c.oximeter.OxygenAvailable,
		Features:         c.featuresLocked().Map(),
		Pump:             c.pump,
		Oxygen:           c.oxygen,
		Alarm:            c.alarm,
		Stale:            append([]string(nil), c.stale...),
		InferenceError:   c.inference,
	}
	if c.override != nil {
		o := *c.override
		s.Override = &o
	}
	return s
}

// Summary renders the snapshot as a single human-readable line.
func (s Snapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d state=%s fluid=%s cardiac=%s", s.Cycle, s.State, s.FluidCondition, s.CardiacCondition)
	f := s.Features
	fmt.Fprintf(&b, " in=%.1f out=%.1f bal=%.1f ml/min", f["flow_in"], f["flow_out"], f["fluid_balance"])
	fmt.Fprintf(&b, " hr=%.0f amp=%.2fmV hrv=%.1f qrs=%.0f", f["heart_rate"], f["ecg_amplitude"], f["hrv"], f["qrs_duration"])
	fmt.Fprintf(&b, " spo2=%.1f pulse=%.0f temp=%.1f", f["spo2"], f["pulse_rate"], f["temperature"])
	fmt.Fprintf(&b, " pump=%s oxygen=%s alarm=%s", onOff(s.Pump), onOff(s.Oxygen), onOff(s.Alarm))
	if len(s.Stale) > 0 {
		fmt.Fprintf(&b, " stale=%s", strings.Join(s.Stale, ","))
	}
	if s.InferenceError != "" {
		b.WriteString(" inference=failed")
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
