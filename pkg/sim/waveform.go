// Package sim simulates a patient and the peripheral hardware around it: ECG
// front-end, pulse oximeter optics, flow sensors, temperature probe and
// actuator lines. The Rig runs each simulated peripheral as its own loop on a
// local bus so the controller can be exercised without hardware.
package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	adcMax      = 4095
	adcBaseline = 2048

	// hrvDepth is the relative beat-to-beat modulation of the RR interval.
	hrvDepth = 0.03
)

// ECG generates a 12-bit front-end signal with gaussian P, QRS and T waves.
type ECG struct {
	mu       sync.Mutex
	vref     float64
	gain     float64
	noise    float64
	hr       float64 // bpm
	phase    float64 // position in the current beat, [0, 1)
	beat     int
	beatRate float64 // beats per second for the current beat
	last     time.Time
	rng      *rand.Rand
}

// NewECG creates an ECG generator for an ADC with reference vref volts behind
// a front-end with the given gain.
func NewECG(heartRate, vref, gain, noise float64) *ECG {
	e := &ECG{
		vref:  vref,
		gain:  gain,
		noise: noise,
		rng:   rand.New(rand.NewPCG(1, 2)),
	}
	e.SetHeartRate(heartRate)
	return e
}

// SetHeartRate changes the simulated heart rate from the next beat on.
func (e *ECG) SetHeartRate(bpm float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hr = bpm
	e.beatRate = e.rateFor(e.beat)
}

func (e *ECG) rateFor(beat int) float64 {
	return e.hr / 60 / (1 + hrvDepth*math.Sin(float64(beat)*0.7))
}

// Next returns the raw ADC sample at now.
func (e *ECG) Next(now time.Time) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.last.IsZero() {
		e.phase += now.Sub(e.last).Seconds() * e.beatRate
	}
	e.last = now
	for e.phase >= 1 {
		e.phase--
		e.beat++
		e.beatRate = e.rateFor(e.beat)
	}

	mv := ecgShape(e.phase) + e.noise*(2*e.rng.Float64()-1)
	return toADC(mv, e.vref, e.gain)
}

// ecgShape is one beat in mV over phase t in [0, 1).
func ecgShape(t float64) float64 {
	p := 0.08 * gauss(t, 0.18, 0.03)
	q := -0.12 * gauss(t, 0.30, 0.01)
	r := 1.00 * gauss(t, 0.32, 0.008)
	s := -0.25 * gauss(t, 0.35, 0.012)
	tw := 0.25 * gauss(t, 0.60, 0.06)
	return p + q + r + s + tw
}

func toADC(mv, vref, gain float64) uint16 {
	v := adcBaseline + mv/1000*gain/vref*adcMax
	return uint16(math.Max(0, math.Min(v, adcMax)))
}

func gauss(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return math.Exp(-0.5 * z * z)
}

// PPG levels in raw sensor counts.
const (
	ppgIRDC     = 100000
	ppgIRAC     = 2000
	ppgRedDC    = 80000
	ppgNoFinger = 1000
)

// PPG simulates the dual-wavelength optical sensor of a pulse oximeter.
type PPG struct {
	mu         sync.Mutex
	clock      func() time.Time
	hr         float64
	ratio      float64 // red/IR ratio of ratios
	finger     bool
	noise      float64
	phase      float64
	last       time.Time
	fail       bool
	configured bool
	rng        *rand.Rand
}

// NewPPG creates an optical sensor for the given pulse rate and saturation.
func NewPPG(heartRate, spo2, noise float64) *PPG {
	p := &PPG{
		clock:  time.Now,
		hr:     heartRate,
		finger: true,
		noise:  noise,
		rng:    rand.New(rand.NewPCG(3, 4)),
	}
	p.SetSpO2(spo2)
	return p
}

// Configure prepares the sensor. It fails while the sensor is set to fail.
func (p *PPG) Configure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errSensor
	}
	p.configured = true
	return nil
}

// Read returns the IR and red levels at the current time.
func (p *PPG) Read() (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail || !p.configured {
		return 0, 0, errSensor
	}

	now := p.clock()
	if !p.last.IsZero() {
		p.phase += now.Sub(p.last).Seconds() * p.hr / 60
	}
	p.last = now
	p.phase -= math.Floor(p.phase)

	if !p.finger {
		return ppgNoFinger, ppgNoFinger, nil
	}

	s := ppgShape(p.phase) + p.noise*(2*p.rng.Float64()-1)
	ir := ppgIRDC + ppgIRAC*s
	red := ppgRedDC + p.ratio*ppgIRAC*ppgRedDC/ppgIRDC*s
	return uint32(ir), uint32(red), nil
}

// SetSpO2 sets the saturation the red/IR ratio is derived from.
func (p *PPG) SetSpO2(spo2 float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ratio = (110 - spo2) / 25
}

// SetHeartRate sets the pulse rate.
func (p *PPG) SetHeartRate(bpm float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hr = bpm
}

// SetFinger places or removes the finger.
func (p *PPG) SetFinger(present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finger = present
}

// SetFailing makes Configure and Read fail.
func (p *PPG) SetFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

// ppgShape is a normalized pulse: a fast systolic upstroke over the first 15%
// of the beat followed by a linear diastolic decay.
func ppgShape(t float64) float64 {
	const upstroke = 0.15
	if t < upstroke {
		return math.Sin(t / upstroke * math.Pi / 2)
	}
	return 1 - (t-upstroke)/(1-upstroke)
}
