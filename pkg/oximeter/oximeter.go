// Package oximeter implements the pulse-oximetry peripheral: finger presence,
// beat detection and SpO2 estimation from a dual-wavelength (red/IR) optical
// sensor, a slow digital temperature probe and a bus-controlled oxygen valve.
//
// The SpO2 estimate is a simplified empirical approximation
// (110 - 25*R on the red/IR ratio of ratios) and is not clinically calibrated.
package oximeter

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/ring"
	"github.com/itohio/icumon/pkg/wire"
)

const (
	// BeatCapacity is the number of recent beat rates averaged into the pulse rate.
	BeatCapacity = 4

	SpO2Min = 70.0
	SpO2Max = 100.0
)

// ErrSensorUnavailable is returned when the optical sensor does not respond at start-up.
var ErrSensorUnavailable = errors.New("oximeter: sensor unavailable")

// Optical is the dual-wavelength PPG front end.
type Optical interface {
	Configure() error
	Read() (ir, red uint32, err error)
}

// TemperatureProbe is the digital body-temperature probe.
type TemperatureProbe interface {
	ReadTemperature() (float64, error)
}

// Line is a digital output driving an actuator.
type Line interface {
	Set(on bool)
}

// State is a copy of the module's derived values.
type State struct {
	FingerPresent   bool
	SpO2            float64 // %, 0 without a finger, SpO2Max until the first estimate
	PulseRate       float64 // bpm, 0 without a finger
	Temperature     float64 // °C, last good probe reading
	Ratio           float64 // last red/IR ratio of ratios
	OxygenAvailable bool
	Valve           bool
	Beats           int
}

// Module is the oximeter peripheral state.
type Module struct {
	fingerThreshold uint32
	slopeThreshold  float64
	amplitudeFloor  uint32
	tempPeriod      time.Duration

	optical Optical
	probe   TemperatureProbe
	valve   Line

	mu sync.Mutex

	irWin  *ring.Ring[uint32]
	redWin *ring.Ring[uint32]
	beats  *ring.Ring[float64] // BeatRing

	finger   bool
	prevIR   uint32
	havePrev bool
	inBeat   bool
	lastBeat time.Time

	spo2  float64
	ratio float64
	pulse float64

	temperature float64
	lastTemp    time.Time

	available bool
	valveOn   bool
}

// New creates an oximeter module. The optical sensor is configured
// immediately; if it does not respond the module cannot run and
// ErrSensorUnavailable is returned. probe and valve may be nil.
func New(cfg config.OximeterConfig, optical Optical, probe TemperatureProbe, valve Line) (*Module, error) {
	if optical == nil {
		return nil, ErrSensorUnavailable
	}
	if err := optical.Configure(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}

	window := cfg.Window
	if window <= 0 {
		window = 100
	}
	return &Module{
		fingerThreshold: cfg.FingerThreshold,
		slopeThreshold:  cfg.SlopeThreshold,
		amplitudeFloor:  cfg.AmplitudeFloor,
		tempPeriod:      cfg.TemperaturePeriod,
		optical:         optical,
		probe:           probe,
		valve:           valve,
		irWin:           ring.New[uint32](window),
		redWin:          ring.New[uint32](window),
		beats:           ring.New[float64](BeatCapacity),
		available:       true,
	}, nil
}

// Step runs one iteration of the module's main loop: read the optical
// sensor, process the sample and refresh the temperature when due.
func (m *Module) Step(now time.Time) error {
	m.UpdateTemperature(now)

	ir, red, err := m.optical.Read()
	if err != nil {
		return fmt.Errorf("failed to read optical sensor: %w", err)
	}
	m.Sample(ir, red, now)
	return nil
}

// Sample processes one raw IR/red sample taken at now. It reports whether a
// beat was detected.
func (m *Module) Sample(ir, red uint32, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ir <= m.fingerThreshold {
		if m.finger {
			m.noFinger()
		}
		return false
	}
	if !m.finger {
		m.finger = true
		// No ratio exists before the first beat pair.
		m.spo2 = SpO2Max
	}

	m.irWin.Push(ir)
	m.redWin.Push(red)

	if !m.havePrev {
		m.prevIR, m.havePrev = ir, true
		return false
	}

	slope := float64(ir) - float64(m.prevIR)
	m.prevIR = ir

	if slope <= 0 {
		m.inBeat = false
		return false
	}
	if m.inBeat || slope <= m.slopeThreshold || ir <= m.amplitudeFloor {
		return false
	}
	m.inBeat = true
	return m.beat(now)
}

func (m *Module) beat(now time.Time) bool {
	if m.lastBeat.IsZero() {
		m.lastBeat = now
		return false
	}
	delta := now.Sub(m.lastBeat)
	m.lastBeat = now
	if delta <= 0 {
		return false
	}

	bpm := 60000 / (float64(delta) / float64(time.Millisecond))
	if bpm <= 20 || bpm >= 255 {
		return false
	}
	m.beats.Push(bpm)
	m.pulse = ring.Mean(m.beats)

	if r, ok := m.ratioOfRatios(); ok {
		m.ratio = r
		m.spo2 = SpO2(r)
	}
	return true
}

// noFinger drops every value that depends on a finger being present.
func (m *Module) noFinger() {
	m.finger = false
	m.havePrev = false
	m.inBeat = false
	m.lastBeat = time.Time{}
	m.beats.Clear()
	m.irWin.Clear()
	m.redWin.Clear()
	m.pulse = 0
	m.spo2 = 0
	m.ratio = 0
}

// ratioOfRatios computes R = (AC_red/DC_red) / (AC_ir/DC_ir) over the sample
// window, using peak-to-peak as AC and the mean as DC.
func (m *Module) ratioOfRatios() (float64, bool) {
	irLo, irHi, ok := ring.MinMax(m.irWin)
	if !ok {
		return 0, false
	}
	redLo, redHi, _ := ring.MinMax(m.redWin)
	irDC := ring.Mean(m.irWin)
	redDC := ring.Mean(m.redWin)
	irAC := float64(irHi - irLo)
	redAC := float64(redHi - redLo)
	if irAC == 0 || irDC == 0 || redDC == 0 {
		return 0, false
	}
	return (redAC / redDC) / (irAC / irDC), true
}

// SpO2 maps a ratio of ratios to a saturation percentage with the empirical
// linear formula 110 - 25*R, clamped to [SpO2Min, SpO2Max].
func SpO2(ratio float64) float64 {
	v := 110 - 25*ratio
	if math.IsNaN(v) {
		return SpO2Min
	}
	return math.Max(SpO2Min, math.Min(v, SpO2Max))
}

// UpdateTemperature reads the probe when the temperature period has elapsed.
// A failed read keeps the previous value.
func (m *Module) UpdateTemperature(now time.Time) {
	m.mu.Lock()
	due := m.probe != nil && (m.lastTemp.IsZero() || now.Sub(m.lastTemp) >= m.tempPeriod)
	if due {
		m.lastTemp = now
	}
	probe := m.probe
	m.mu.Unlock()

	if !due {
		return
	}
	t, err := probe.ReadTemperature()
	if err != nil {
		return
	}

	m.mu.Lock()
	m.temperature = t
	m.mu.Unlock()
}

// SetOxygenAvailable sets the local oxygen-supply availability flag.
func (m *Module) SetOxygenAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
}

// Receive handles a controller write. CmdOxygenControl switches the valve
// only while oxygen is available; everything else is ignored.
func (m *Module) Receive(p []byte) {
	if len(p) < 2 || p[0] != wire.CmdOxygenControl {
		return
	}
	on := p[1] != 0

	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return
	}
	m.valveOn = on
	valve := m.valve
	m.mu.Unlock()

	if valve != nil {
		valve.Set(on)
	}
}

// Request returns the 7-byte report for a controller read.
func (m *Module) Request() []byte {
	b, _ := m.Report().MarshalBinary()
	return b
}

// Report returns the current bus report.
func (m *Module) Report() wire.OximeterReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.OximeterReport{
		SpO2:            m.spo2,
		PulseRate:       m.pulse,
		Temperature:     m.temperature,
		OxygenAvailable: m.available,
	}
}

// State returns a copy of the module's derived values.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		FingerPresent:   m.finger,
		SpO2:            m.spo2,
		PulseRate:       m.pulse,
		Temperature:     m.temperature,
		Ratio:           m.ratio,
		OxygenAvailable: m.available,
		Valve:           m.valveOn,
		Beats:           m.beats.Len(),
	}
}
