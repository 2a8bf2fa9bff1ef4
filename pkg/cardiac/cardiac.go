// Package cardiac implements the ECG peripheral: R-peak detection on a sampled
// analog waveform, heart rate and SDNN variability from recent RR intervals, a
// coarse QRS-duration estimate, lead-off detection and cardiac classification.
package cardiac

import (
	"math"
	"sync"
	"time"

	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/ring"
	"github.com/itohio/icumon/pkg/wire"
)

const (
	// RRCapacity is the number of recent RR intervals used for variability.
	RRCapacity = 10

	// adcMax is the full-scale value of the 12-bit front-end ADC.
	adcMax = 4095

	// asystoleTimeout is how long without an accepted peak before the
	// heart rate is reported as zero.
	asystoleTimeout = 3 * time.Second
)

// QRS estimate bounds in ms.
const (
	QRSMin = 60.0
	QRSMax = 120.0
)

// State is a copy of the module's derived values.
type State struct {
	HeartRate    float64 // bpm
	ECGAmplitude float64 // mV
	HRV          float64 // SDNN over stored RR intervals, ms
	QRSDuration  float64 // ms
	LeadsOff     bool
	Condition    wire.Condition
	Beats        int // accepted peaks since start
}

// Module is the cardiac peripheral state.
type Module struct {
	threshold  uint16
	refractory time.Duration
	vref       float64
	gain       float64

	mu sync.Mutex

	samples *ring.Ring[uint16]  // SampleBuffer for amplitude analysis
	rr      *ring.Ring[float64] // RRRing, ms

	// slope-sign-change detector
	prev     uint16
	havePrev bool
	rising   bool
	peakMax  uint16 // largest accepted peak since the signal last fell below threshold

	lastPeak  time.Time
	heartRate float64
	beats     int

	loPlus, loMinus bool // raw lead-off line levels, high = electrode disconnected
}

// New creates a cardiac module.
func New(cfg config.CardiacConfig) *Module {
	size := cfg.BufferSize
	if size <= 0 {
		size = 500
	}
	gain := cfg.Gain
	if gain <= 0 {
		gain = 1
	}
	vref := cfg.VRef
	if vref <= 0 {
		vref = 3.3
	}
	return &Module{
		threshold:  cfg.Threshold,
		refractory: cfg.Refractory,
		vref:       vref,
		gain:       gain,
		samples:    ring.New[uint16](size),
		rr:         ring.New[float64](RRCapacity),
	}
}

// SetLeadLevels updates the two lead-off detector lines. The lines are active
// low: a low level means the electrode is connected. Losing either electrode
// resets the beat history.
func (m *Module) SetLeadLevels(plusHigh, minusHigh bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOff := m.loPlus || m.loMinus
	m.loPlus, m.loMinus = plusHigh, minusHigh
	if !wasOff && (plusHigh || minusHigh) {
		m.reset()
	}
}

func (m *Module) reset() {
	m.samples.Clear()
	m.rr.Clear()
	m.havePrev = false
	m.rising = false
	m.peakMax = 0
	m.lastPeak = time.Time{}
	m.heartRate = 0
}

// Sample feeds one raw ADC sample taken at now. It reports whether the
// sample completed an accepted R peak.
func (m *Module) Sample(v uint16, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loPlus || m.loMinus {
		return false
	}

	m.samples.Push(v)

	if !m.lastPeak.IsZero() && now.Sub(m.lastPeak) > asystoleTimeout {
		m.heartRate = 0
	}

	if !m.havePrev {
		m.prev, m.havePrev = v, true
		return false
	}

	accepted := false
	switch {
	case v > m.prev:
		m.rising = true
	case v < m.prev:
		// Turned from rising to falling: prev was a local maximum.
		if m.rising && m.prev > m.threshold && m.prev > m.peakMax {
			accepted = m.acceptPeak(m.prev, now)
		}
		m.rising = false
	}

	if v < m.threshold {
		m.peakMax = 0
	}
	m.prev = v
	return accepted
}

func (m *Module) acceptPeak(v uint16, now time.Time) bool {
	m.peakMax = v

	if m.lastPeak.IsZero() {
		m.lastPeak = now
		return false
	}

	interval := now.Sub(m.lastPeak)
	if interval <= 0 || interval < m.refractory {
		return false
	}

	rr := float64(interval) / float64(time.Millisecond)
	m.rr.Push(rr)
	m.heartRate = 60000 / rr
	m.lastPeak = now
	m.beats++
	return true
}

// Receive handles a controller write. The cardiac module has no write
// commands, so every write is ignored.
func (m *Module) Receive(p []byte) {}

// Request returns the 9-byte report for a controller read.
func (m *Module) Request() []byte {
	b, _ := m.Report().MarshalBinary()
	return b
}

// Report returns the current bus report.
func (m *Module) Report() wire.CardiacReport {
	st := m.State()
	return wire.CardiacReport{
		HeartRate:    st.HeartRate,
		ECGAmplitude: st.ECGAmplitude,
		HRV:          st.HRV,
		QRSDuration:  st.QRSDuration,
		Condition:    st.Condition,
	}
}

// State returns a copy of the module's derived values.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	leadsOff := m.loPlus || m.loMinus
	lastRR, _ := m.rr.Last()
	qrs := EstimateQRS(m.heartRate, lastRR)
	return State{
		HeartRate:    m.heartRate,
		ECGAmplitude: m.amplitude(),
		HRV:          ring.StdDev(m.rr),
		QRSDuration:  qrs,
		LeadsOff:     leadsOff,
		Condition:    Classify(m.heartRate, qrs, leadsOff),
		Beats:        m.beats,
	}
}

// RRIntervals returns the stored RR intervals in ms, oldest first.
func (m *Module) RRIntervals() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rr.Values(nil)
}

// amplitude returns the peak-to-peak amplitude of the SampleBuffer in mV at
// the electrodes.
func (m *Module) amplitude() float64 {
	lo, hi, ok := ring.MinMax(m.samples)
	if !ok {
		return 0
	}
	volts := float64(hi-lo) / adcMax * m.vref
	return volts / m.gain * 1000
}

// EstimateQRS returns a coarse QRS duration in ms. It is a heuristic, not a
// measurement of waveform onset and offset: an 80 ms baseline plus up to
// 10 ms of jitter derived from the last RR interval, shortened for
// tachycardia and lengthened for bradycardia.
func EstimateQRS(heartRate, lastRR float64) float64 {
	qrs := 80 + float64(int64(lastRR)%11)
	switch {
	case heartRate > 100:
		qrs -= 5
	case heartRate < 60:
		qrs += 5
	}
	return math.Max(QRSMin, math.Min(qrs, QRSMax))
}

// Classify derives the cardiac condition. Lead-off overrides everything.
func Classify(heartRate, qrs float64, leadsOff bool) wire.Condition {
	if leadsOff {
		return wire.LeadsOff
	}
	qrsNormal := qrs >= 80 && qrs <= 100
	switch {
	case heartRate >= 60 && heartRate <= 100 && qrsNormal:
		return wire.Normal
	case (heartRate > 100 && heartRate <= 110) || (heartRate >= 50 && heartRate < 60) || !qrsNormal:
		return wire.Recovery
	case heartRate > 110 || heartRate < 50:
		return wire.Serious
	default:
		return wire.Normal
	}
}
