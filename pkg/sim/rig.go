package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/icumon/pkg/bus"
	"github.com/itohio/icumon/pkg/cardiac"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/fluid"
	"github.com/itohio/icumon/pkg/oximeter"
	"go.uber.org/zap"
)

// pumpBoost is the inlet flow multiplier while the pump runs.
const pumpBoost = 1.5

// Rig is a simulated patient wired to the three peripherals on a local bus.
type Rig struct {
	cfg config.Config
	log *zap.Logger
	bus *bus.Local

	Fluid    *fluid.Module
	Cardiac  *cardiac.Module
	Oximeter *oximeter.Module

	ECG    *ECG
	PPG    *PPG
	Probe  *Probe
	Inlet  *Flow
	Outlet *Flow

	Pump  *Line
	Valve *Line

	leadsOff atomic.Bool
}

// NewRig builds the simulated peripherals and attaches them to a local bus at
// the configured addresses.
func NewRig(cfg *config.Config, log *zap.Logger) (*Rig, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("sim")
	mock := cfg.Mock

	r := &Rig{
		cfg:    *cfg,
		log:    log,
		bus:    bus.NewLocal(),
		ECG:    NewECG(mock.HeartRate, cfg.Cardiac.VRef, cfg.Cardiac.Gain, mock.NoiseLevel),
		PPG:    NewPPG(mock.HeartRate, mock.SpO2, mock.NoiseLevel),
		Probe:  NewProbe(mock.Temperature, mock.ProbeFailEvery),
		Inlet:  NewFlow(mock.InletRate, cfg.Fluid.PulsesPerLiter),
		Outlet: NewFlow(mock.OutletRate, cfg.Fluid.PulsesPerLiter),
		Pump:   NewLine("pump", log),
		Valve:  NewLine("valve", log),
	}
	r.PPG.SetFinger(!mock.NoFinger)
	r.leadsOff.Store(mock.LeadsOff)

	r.Fluid = fluid.New(cfg.Fluid, r.Pump)
	r.Cardiac = cardiac.New(cfg.Cardiac)
	ox, err := oximeter.New(cfg.Oximeter, r.PPG, r.Probe, r.Valve)
	if err != nil {
		return nil, fmt.Errorf("failed to start oximeter: %w", err)
	}
	ox.SetOxygenAvailable(mock.OxygenAvailable)
	r.Oximeter = ox

	r.bus.Attach(cfg.Bus.FluidAddress, r.Fluid)
	r.bus.Attach(cfg.Bus.CardiacAddress, r.Cardiac)
	r.bus.Attach(cfg.Bus.OximeterAddress, r.Oximeter)
	return r, nil
}

// Bus returns the local bus the peripherals are attached to.
func (r *Rig) Bus() *bus.Local { return r.bus }

// SetLeadsOff disconnects or reconnects the ECG electrodes.
func (r *Rig) SetLeadsOff(off bool) { r.leadsOff.Store(off) }

// SetHeartRate changes the patient's heart rate for both the ECG and the PPG.
func (r *Rig) SetHeartRate(bpm float64) {
	r.ECG.SetHeartRate(bpm)
	r.PPG.SetHeartRate(bpm)
}

// Run runs every peripheral loop until ctx is cancelled.
func (r *Rig) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		name   string
		period time.Duration
		step   func(time.Time)
	}{
		{"fluid", r.cfg.Mock.TickInterval, r.stepFluid},
		{"cardiac", r.cfg.Cardiac.SampleInterval, r.stepCardiac},
		{"oximeter", r.cfg.Oximeter.SampleInterval, r.stepOximeter},
	}

	r.log.Info("simulated peripherals running",
		zap.Float64("heart_rate", r.cfg.Mock.HeartRate),
		zap.Float64("spo2", r.cfg.Mock.SpO2),
		zap.Bool("leads_off", r.leadsOff.Load()))

	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx, l.period, l.step)
		}()
	}
	wg.Wait()
	return nil
}

func loop(ctx context.Context, period time.Duration, step func(time.Time)) {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			step(now)
		}
	}
}

func (r *Rig) stepFluid(now time.Time) {
	scale := 1.0
	if r.Pump.On() {
		scale = pumpBoost
	}
	for range r.Inlet.Advance(now, scale) {
		r.Fluid.PulseInlet()
	}
	for range r.Outlet.Advance(now, 1) {
		r.Fluid.PulseOutlet()
	}
	r.Fluid.Tick(now)
}

func (r *Rig) stepCardiac(now time.Time) {
	off := r.leadsOff.Load()
	r.Cardiac.SetLeadLevels(off, off)
	r.Cardiac.Sample(r.ECG.Next(now), now)
}

func (r *Rig) stepOximeter(now time.Time) {
	if err := r.Oximeter.Step(now); err != nil {
		r.log.Debug("oximeter step failed", zap.Error(err))
	}
}
