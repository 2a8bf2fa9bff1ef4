// Package fluid implements the fluid-balance peripheral: two pulse-counting
// flow sensors (inlet and outlet) integrated into rates and volumes, a fluid
// condition classifier and a bus-controlled pump line.
package fluid

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/wire"
)

// MaxRate is the upper bound of a reported flow rate in ml/min.
const MaxRate = 500.0

// Line is a digital output driving an actuator.
type Line interface {
	Set(on bool)
}

// Channel is one pulse-counted flow sensor.
//
// Pulses are counted from interrupt context; the main loop reads and resets
// the counter with a single atomic swap so no increment is lost between the
// read and the reset.
type Channel struct {
	pulses atomic.Uint32

	rate  float64 // ml/min over the last window
	total float64 // ml since start, never decreases
}

// Pulse records one sensor pulse. Safe to call from any goroutine.
func (c *Channel) Pulse() { c.pulses.Add(1) }

// State is a copy of the module's derived values.
type State struct {
	InletRate   float64 // ml/min
	OutletRate  float64 // ml/min
	InletTotal  float64 // ml
	OutletTotal float64 // ml
	Balance     float64 // ml, positive = net gain
	Condition   wire.Condition
	Pump        bool
}

// Module is the fluid peripheral state.
type Module struct {
	pulsesPerLiter float64
	window         time.Duration

	inlet  Channel
	outlet Channel

	// mu guards everything below; the bus handler reads it from the
	// controller's transaction while the main loop updates it.
	mu         sync.Mutex
	lastWindow time.Time
	balance    float64
	condition  wire.Condition
	pump       bool
	pumpLine   Line
}

// New creates a fluid module. pump may be nil.
func New(cfg config.FluidConfig, pump Line) *Module {
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	return &Module{
		pulsesPerLiter: cfg.PulsesPerLiter,
		window:         window,
		pumpLine:       pump,
		condition:      Classify(0, 0, 0),
	}
}

// PulseInlet records one inlet sensor pulse.
func (m *Module) PulseInlet() { m.inlet.Pulse() }

// PulseOutlet records one outlet sensor pulse.
func (m *Module) PulseOutlet() { m.outlet.Pulse() }

// Tick is called from the module's main loop. Once per measurement window it
// converts the pulses counted since the previous window into rates, advances
// the cumulative volumes and reclassifies. It reports whether a window closed.
func (m *Module) Tick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastWindow.IsZero() {
		m.lastWindow = now
		return false
	}
	elapsed := now.Sub(m.lastWindow)
	if elapsed < m.window {
		return false
	}
	m.lastWindow = now

	elapsedMs := float64(elapsed.Milliseconds())
	m.integrate(&m.inlet, elapsedMs)
	m.integrate(&m.outlet, elapsedMs)

	m.balance = m.inlet.total - m.outlet.total
	m.condition = Classify(m.balance, m.inlet.rate, m.outlet.rate)
	return true
}

func (m *Module) integrate(c *Channel, elapsedMs float64) {
	pulses := c.pulses.Swap(0)
	c.rate = Rate(pulses, m.pulsesPerLiter, elapsedMs)
	c.total += c.rate * elapsedMs / 60000
}

// Rate converts a pulse count over elapsedMs into ml/min, clamped to [0, MaxRate].
func Rate(pulses uint32, pulsesPerLiter, elapsedMs float64) float64 {
	if pulsesPerLiter <= 0 || elapsedMs <= 0 {
		return 0
	}
	volumeMl := float64(pulses) / pulsesPerLiter * 1000
	rate := volumeMl / elapsedMs * 60000
	return math.Max(0, math.Min(rate, MaxRate))
}

// Classify derives the fluid condition. Rules are evaluated in order and the
// first match wins.
func Classify(balance, inletRate, outletRate float64) wire.Condition {
	switch {
	case math.Abs(balance) < 50 && inletRate > 10 && outletRate > 5 && math.Abs(inletRate-outletRate) < 20:
		return wire.Normal
	case math.Abs(balance) < 200 || (inletRate > 5 && outletRate > 2):
		return wire.Recovery
	default:
		return wire.Serious
	}
}

// Receive handles a controller write. Only CmdPumpControl has an effect;
// other commands, including unknown ones, are ignored.
func (m *Module) Receive(p []byte) {
	if len(p) < 2 || p[0] != wire.CmdPumpControl {
		return
	}
	on := p[1] != 0

	m.mu.Lock()
	m.pump = on
	line := m.pumpLine
	m.mu.Unlock()

	if line != nil {
		line.Set(on)
	}
}

// Request returns the 6-byte report for a controller read.
func (m *Module) Request() []byte {
	b, _ := m.Report().MarshalBinary()
	return b
}

// Report returns the current bus report.
func (m *Module) Report() wire.FluidReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.FluidReport{
		InletRate:  m.inlet.rate,
		OutletRate: m.outlet.rate,
		Condition:  m.condition,
		Pump:       m.pump,
	}
}

// State returns a copy of the module's derived values.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		InletRate:   m.inlet.rate,
		OutletRate:  m.outlet.rate,
		InletTotal:  m.inlet.total,
		OutletTotal: m.outlet.total,
		Balance:     m.balance,
		Condition:   m.condition,
		Pump:        m.pump,
	}
}
