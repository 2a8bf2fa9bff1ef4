// Package telemetry publishes controller snapshots: prometheus metrics, a redis
// snapshot cache with history, MQTT status messages with remote toggles and a
// human-readable log line.
package telemetry

import (
	"context"
	"time"

	"github.com/itohio/icumon/pkg/classifier"
	"github.com/itohio/icumon/pkg/controller"
	"github.com/itohio/icumon/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthState is the overall classified state (0 normal, 1 recovery, 2 serious).
	HealthState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "icumon_health_state",
			Help: "Overall classified patient state",
		},
	)

	// StateProbability is the classifier output per state.
	StateProbability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icumon_state_probability",
			Help: "Classifier probability per patient state",
		},
		[]string{"state"},
	)

	// ModuleCondition is the condition reported by each peripheral.
	ModuleCondition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icumon_module_condition",
			Help: "Condition reported by each peripheral",
		},
		[]string{"module"},
	)

	// Feature is the latest value of every feature.
	Feature = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icumon_feature_value",
			Help: "Latest feature vector values",
		},
		[]string{"feature"},
	)

	// Actuator is 1 while an actuator is on.
	Actuator = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icumon_actuator_state",
			Help: "Actuator state (1 = on)",
		},
		[]string{"actuator"},
	)

	// CyclesTotal counts controller cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icumon_cycles_total",
			Help: "Total number of controller cycles",
		},
	)

	// StalePolls counts polls that kept the previous values.
	StalePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icumon_stale_polls_total",
			Help: "Total number of failed peripheral polls",
		},
		[]string{"module"},
	)

	// InferenceFailures counts cycles whose classification failed.
	InferenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icumon_inference_failures_total",
			Help: "Total number of failed classifications",
		},
	)

	// CycleDuration is the time a cycle spends polling and classifying.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icumon_cycle_duration_seconds",
			Help:    "Controller cycle duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// PublishErrors counts failed publishes per publisher.
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icumon_publish_errors_total",
			Help: "Total number of failed snapshot publishes",
		},
		[]string{"publisher"},
	)

	// PublishDuration is the time a publisher takes per snapshot.
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icumon_publish_duration_seconds",
			Help:    "Snapshot publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"publisher"},
	)
)

// Metrics exports every snapshot as prometheus metrics.
type Metrics struct{}

var _ controller.Publisher = Metrics{}

// Publish updates the gauges and counters from s.
func (Metrics) Publish(_ context.Context, s controller.Snapshot) error {
	CyclesTotal.Inc()
	CycleDuration.Observe(s.Elapsed.Seconds())
	for _, m := range s.Stale {
		StalePolls.WithLabelValues(m).Inc()
	}
	if s.InferenceError != "" {
		InferenceFailures.Inc()
	}

	HealthState.Set(float64(s.State))
	for i, p := range s.Probabilities {
		StateProbability.WithLabelValues(wire.Condition(i).String()).Set(p)
	}
	ModuleCondition.WithLabelValues(controller.Fluid).Set(float64(s.FluidCondition))
	ModuleCondition.WithLabelValues(controller.Cardiac).Set(float64(s.CardiacCondition))

	for _, name := range classifier.FeatureNames {
		Feature.WithLabelValues(name).Set(s.Features[name])
	}

	Actuator.WithLabelValues("pump").Set(gauge(s.Pump))
	Actuator.WithLabelValues("oxygen").Set(gauge(s.Oxygen))
	Actuator.WithLabelValues("alarm").Set(gauge(s.Alarm))
	Actuator.WithLabelValues("oxygen_available").Set(gauge(s.OxygenAvailable))
	return nil
}

// Timed wraps p so its latency and failures are recorded under name.
func Timed(name string, p controller.Publisher) controller.Publisher {
	return timed{name: name, next: p}
}

type timed struct {
	name string
	next controller.Publisher
}

func (t timed) Publish(ctx context.Context, s controller.Snapshot) error {
	start := time.Now()
	err := t.next.Publish(ctx, s)
	PublishDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	if err != nil {
		PublishErrors.WithLabelValues(t.name).Inc()
	}
	return err
}

func gauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
