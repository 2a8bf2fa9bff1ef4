package sim

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	errSensor = errors.New("sim: sensor not responding")
	errProbe  = errors.New("sim: probe read failed")
)

// Line is a recording actuator output.
type Line struct {
	name    string
	on      atomic.Bool
	changes atomic.Uint32
	log     *zap.Logger
}

// NewLine creates a line. log may be nil.
func NewLine(name string, log *zap.Logger) *Line {
	if log == nil {
		log = zap.NewNop()
	}
	return &Line{name: name, log: log}
}

// Set drives the line.
func (l *Line) Set(on bool) {
	if l.on.Swap(on) != on {
		l.changes.Add(1)
		l.log.Debug("line changed", zap.String("line", l.name), zap.Bool("on", on))
	}
}

// On reports the current level.
func (l *Line) On() bool { return l.on.Load() }

// Changes returns how many times the level changed.
func (l *Line) Changes() int { return int(l.changes.Load()) }

// Probe is a temperature probe that fails every Nth read when failEvery > 0.
type Probe struct {
	mu          sync.Mutex
	temperature float64
	failEvery   int
	reads       int
}

// NewProbe creates a probe reporting temperature °C.
func NewProbe(temperature float64, failEvery int) *Probe {
	return &Probe{temperature: temperature, failEvery: failEvery}
}

// ReadTemperature returns the current temperature.
func (p *Probe) ReadTemperature() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.failEvery > 0 && p.reads%p.failEvery == 0 {
		return 0, errProbe
	}
	return p.temperature, nil
}

// SetTemperature changes the reported temperature.
func (p *Probe) SetTemperature(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temperature = t
}

// Flow converts a volumetric flow rate into sensor pulses.
type Flow struct {
	mu             sync.Mutex
	rate           float64 // ml/min
	pulsesPerLiter float64
	acc            float64 // fractional pulses carried between calls
	last           time.Time
}

// NewFlow creates a flow pulse generator for a sensor with the given
// calibration.
func NewFlow(rate, pulsesPerLiter float64) *Flow {
	return &Flow{rate: rate, pulsesPerLiter: pulsesPerLiter}
}

// SetRate changes the flow rate in ml/min.
func (f *Flow) SetRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
}

// Rate returns the flow rate in ml/min.
func (f *Flow) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

// Advance returns the number of whole pulses produced since the previous call.
// scale multiplies the configured rate.
func (f *Flow) Advance(now time.Time, scale float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last.IsZero() {
		f.last = now
		return 0
	}
	minutes := now.Sub(f.last).Minutes()
	f.last = now
	if minutes <= 0 || f.rate <= 0 {
		return 0
	}

	f.acc += f.rate * scale * minutes / 1000 * f.pulsesPerLiter
	n := int(f.acc)
	f.acc -= float64(n)
	return n
}
