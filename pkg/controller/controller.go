// Package controller implements the bus controller: it polls the peripherals,
// assembles the feature vector, classifies the patient state and drives the
// pump, oxygen valve and alarm. Manual toggles and the automatic cycle write
// the same actuator state; the last write wins and manual writes are recorded
// with their time in the snapshot.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/icumon/pkg/bus"
	"github.com/itohio/icumon/pkg/classifier"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/wire"
	"go.uber.org/zap"
	"tinygo.org/x/drivers"
)

var _ Monitor = (*Controller)(nil)

// Monitor is the surface the controller exposes to collaborators.
type Monitor interface {
	Snapshot() Snapshot
	ToggleOxygen() bool
	ToggleFluidInlet() bool
	OnUpdate(func(Snapshot))
}

// Line is a locally wired actuator output.
type Line interface {
	Set(on bool)
}

// Lines are the controller's local actuator outputs. Any of them may be nil.
type Lines struct {
	Pump   Line
	Oxygen Line
	Alarm  Line
}

// Publisher receives a snapshot once per cycle.
type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
}

// Peripheral names used in logs and snapshots.
const (
	Fluid    = "fluid"
	Cardiac  = "cardiac"
	Oximeter = "oximeter"
)

// Actuator names used in override records.
const (
	ActuatorOxygen = "oxygen"
	ActuatorPump   = "pump"
)

// Controller runs the poll/classify/actuate cycle.
type Controller struct {
	bus        drivers.I2C
	classifier classifier.Classifier
	lines      Lines
	log        *zap.Logger
	publishers []Publisher

	period       time.Duration
	settle       time.Duration
	fluidAddr    uint16
	cardiacAddr  uint16
	oximeterAddr uint16

	// act serializes deciding actuator state with driving it, so the bus
	// and lines always end on the state the snapshot reports.
	act sync.Mutex
	mu  sync.RWMutex

	fluid    wire.FluidReport
	cardiac  wire.CardiacReport
	oximeter wire.OximeterReport

	state         wire.Condition
	probabilities [classifier.NumClasses]float64
	classified    bool

	pump   bool
	oxygen bool
	alarm  bool

	override *Override

	cycle     uint64
	cycleID   string
	updated   time.Time
	elapsed   time.Duration
	stale     []string
	inference string

	callbacks []func(Snapshot)
}

// New creates a controller on bus b. log may be nil.
func New(cfg *config.Config, b drivers.I2C, c classifier.Classifier, lines Lines, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		bus:          b,
		classifier:   c,
		lines:        lines,
		log:          log.Named("controller"),
		period:       cfg.Controller.CyclePeriod,
		settle:       cfg.Bus.SettleDelay,
		fluidAddr:    cfg.Bus.FluidAddress,
		cardiacAddr:  cfg.Bus.CardiacAddress,
		oximeterAddr: cfg.Bus.OximeterAddress,
	}
}

// AddPublisher registers a publisher called at the end of every cycle.
func (c *Controller) AddPublisher(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishers = append(c.publishers, p)
}

// OnUpdate registers a callback invoked with the snapshot after every cycle
// and every manual toggle. The callback should return quickly.
func (c *Controller) OnUpdate(callback func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

// Run executes a cycle immediately and then once per cycle period until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	period := c.period
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.log.Info("controller started", zap.Duration("period", period))
	for {
		c.Cycle(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("controller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one poll/classify/actuate pass and returns the resulting snapshot.
func (c *Controller) Cycle(ctx context.Context) Snapshot {
	start := time.Now()
	var stale []string
	var fr wire.FluidReport
	var cr wire.CardiacReport
	var or wire.OximeterReport

	fluidOK := c.poll(Fluid, c.fluidAddr, &fr, wire.FluidReportLen)
	cardiacOK := c.poll(Cardiac, c.cardiacAddr, &cr, wire.CardiacReportLen)
	oximeterOK := c.poll(Oximeter, c.oximeterAddr, &or, wire.OximeterReportLen)

	c.mu.Lock()
	if fluidOK {
		c.fluid = fr
	} else {
		stale = append(stale, Fluid)
	}
	if cardiacOK {
		c.cardiac = cr
	} else {
		stale = append(stale, Cardiac)
	}
	if oximeterOK {
		c.oximeter = or
	} else {
		stale = append(stale, Oximeter)
	}
	features := c.featuresLocked()
	available := c.oximeter.OxygenAvailable
	c.mu.Unlock()

	res, err := c.classifier.Classify(features)

	c.act.Lock()
	c.mu.Lock()
	c.cycle++
	c.cycleID = uuid.NewString()
	c.updated = time.Now()
	c.elapsed = c.updated.Sub(start)
	c.stale = stale
	c.inference = ""
	actuate := err == nil
	if err != nil {
		c.inference = err.Error()
	} else {
		c.state = res.State
		c.probabilities = res.Probabilities
		c.classified = true
		c.pump = res.State == wire.Recovery
		c.oxygen = res.State >= wire.Recovery && available
		c.alarm = res.State == wire.Serious
	}
	pump, oxygen, alarm := c.pump, c.oxygen, c.alarm
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("classification failed, keeping previous state", zap.Error(err))
	}
	if actuate {
		c.applyPump(pump)
		c.applyOxygen(oxygen)
		c.setLine(c.lines.Alarm, alarm)
	}
	c.act.Unlock()

	s := c.Snapshot()
	c.log.Debug("cycle complete",
		zap.Uint64("cycle", s.Cycle),
		zap.Stringer("state", s.State),
		zap.Strings("stale", s.Stale),
		zap.Bool("pump", s.Pump),
		zap.Bool("oxygen", s.Oxygen),
		zap.Bool("alarm", s.Alarm),
	)
	c.publish(ctx, s)
	c.notify(s)
	return s
}

type report interface {
	UnmarshalBinary([]byte) error
}

func (c *Controller) poll(name string, addr uint16, r report, n int) bool {
	buf := make([]byte, n)
	err := bus.Read(c.bus, addr, buf, c.settle)
	if err == nil {
		err = r.UnmarshalBinary(buf)
	}
	if err != nil {
		level := c.log.Warn
		if errors.Is(err, wire.ErrIncomplete) {
			level = c.log.Info
		}
		level("poll failed, keeping previous values", zap.String("peripheral", name), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) featuresLocked() classifier.FeatureVector {
	var f classifier.FeatureVector
	f[classifier.FlowIn] = c.fluid.InletRate
	f[classifier.FlowOut] = c.fluid.OutletRate
	f[classifier.FluidBalance] = c.fluid.InletRate - c.fluid.OutletRate
	f[classifier.HeartRate] = c.cardiac.HeartRate
	f[classifier.ECGAmplitude] = c.cardiac.ECGAmplitude
	f[classifier.HRV] = c.cardiac.HRV
	f[classifier.QRSDuration] = c.cardiac.QRSDuration
	f[classifier.SpO2] = c.oximeter.SpO2
	f[classifier.PulseRate] = c.oximeter.PulseRate
	f[classifier.Temperature] = c.oximeter.Temperature
	return f
}

// ToggleOxygen flips the oxygen valve state, applies it immediately and
// returns the new state. The next cycle may overwrite it. The oximeter still
// keeps its valve closed while its oxygen supply is unavailable.
func (c *Controller) ToggleOxygen() bool {
	c.act.Lock()
	c.mu.Lock()
	c.oxygen = !c.oxygen
	on := c.oxygen
	c.override = &Override{Actuator: ActuatorOxygen, On: on, Time: time.Now()}
	c.mu.Unlock()

	c.log.Info("manual override", zap.String("actuator", ActuatorOxygen), zap.Bool("on", on))
	c.applyOxygen(on)
	c.act.Unlock()
	c.notify(c.Snapshot())
	return on
}

// ToggleFluidInlet flips the fluid inlet pump state, applies it immediately
// and returns the new state. The next cycle may overwrite it.
func (c *Controller) ToggleFluidInlet() bool {
	c.act.Lock()
	c.mu.Lock()
	c.pump = !c.pump
	on := c.pump
	c.override = &Override{Actuator: ActuatorPump, On: on, Time: time.Now()}
	c.mu.Unlock()

	c.log.Info("manual override", zap.String("actuator", ActuatorPump), zap.Bool("on", on))
	c.applyPump(on)
	c.act.Unlock()
	c.notify(c.Snapshot())
	return on
}

func (c *Controller) applyPump(on bool) {
	if err := bus.Command(c.bus, c.fluidAddr, wire.CmdPumpControl, boolByte(on)); err != nil {
		c.log.Warn("failed to write pump state", zap.Error(err))
	}
	c.setLine(c.lines.Pump, on)
}

func (c *Controller) applyOxygen(on bool) {
	if err := bus.Command(c.bus, c.oximeterAddr, wire.CmdOxygenControl, boolByte(on)); err != nil {
		c.log.Warn("failed to write oxygen state", zap.Error(err))
	}
	c.setLine(c.lines.Oxygen, on)
}

func (c *Controller) setLine(l Line, on bool) {
	if l != nil {
		l.Set(on)
	}
}

func (c *Controller) publish(ctx context.Context, s Snapshot) {
	c.mu.RLock()
	publishers := make([]Publisher, len(c.publishers))
	copy(publishers, c.publishers)
	c.mu.RUnlock()

	for _, p := range publishers {
		if err := p.Publish(ctx, s); err != nil {
			c.log.Warn("failed to publish snapshot", zap.Error(err))
		}
	}
}

// notify invokes the registered callbacks without holding the lock.
func (c *Controller) notify(s Snapshot) {
	c.mu.RLock()
	callbacks := make([]func(Snapshot), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.RUnlock()

	for _, cb := range callbacks {
		cb(s)
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
