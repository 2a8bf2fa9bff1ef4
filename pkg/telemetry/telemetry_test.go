package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/controller"
	"github.com/itohio/icumon/pkg/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testSnapshot(cycle uint64) controller.Snapshot {
	return controller.Snapshot{
		Cycle:            cycle,
		CycleID:          "c-1",
		Time:             time.Unix(1700000000, 0).UTC(),
		Elapsed:          20 * time.Millisecond,
		State:            wire.Recovery,
		Classified:       true,
		Probabilities:    [3]float64{0.2, 0.7, 0.1},
		FluidCondition:   wire.Normal,
		CardiacCondition: wire.Recovery,
		OxygenAvailable:  true,
		Features: map[string]float64{
			"flow_in": 100, "flow_out": 90, "fluid_balance": 10,
			"heart_rate": 105, "ecg_amplitude": 1.1, "hrv": 40, "qrs_duration": 83,
			"spo2": 95, "pulse_rate": 104, "temperature": 37.2,
		},
		Pump:   true,
		Oxygen: true,
	}
}

func TestMetrics_Publish(t *testing.T) {
	cycles := testutil.ToFloat64(CyclesTotal)
	staleCardiac := testutil.ToFloat64(StalePolls.WithLabelValues(controller.Cardiac))
	failures := testutil.ToFloat64(InferenceFailures)

	s := testSnapshot(1)
	s.Stale = []string{controller.Cardiac}
	s.InferenceError = "boom"
	require.NoError(t, Metrics{}.Publish(context.Background(), s))

	assert.Equal(t, cycles+1, testutil.ToFloat64(CyclesTotal))
	assert.Equal(t, staleCardiac+1, testutil.ToFloat64(StalePolls.WithLabelValues(controller.Cardiac)))
	assert.Equal(t, failures+1, testutil.ToFloat64(InferenceFailures))

	assert.Equal(t, 1.0, testutil.ToFloat64(HealthState))
	assert.Equal(t, 0.7, testutil.ToFloat64(StateProbability.WithLabelValues("recovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ModuleCondition.WithLabelValues(controller.Cardiac)))
	assert.Equal(t, 105.0, testutil.ToFloat64(Feature.WithLabelValues("heart_rate")))
	assert.Equal(t, 37.2, testutil.ToFloat64(Feature.WithLabelValues("temperature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Actuator.WithLabelValues("pump")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Actuator.WithLabelValues("alarm")))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, controller.Snapshot) error {
	return errors.New("unavailable")
}

func TestTimed(t *testing.T) {
	before := testutil.ToFloat64(PublishErrors.WithLabelValues("test"))

	err := Timed("test", failingPublisher{}).Publish(context.Background(), testSnapshot(1))
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(PublishErrors.WithLabelValues("test")))

	require.NoError(t, Timed("test", Metrics{}).Publish(context.Background(), testSnapshot(2)))
	assert.Equal(t, before+1, testutil.ToFloat64(PublishErrors.WithLabelValues("test")))
}

func setupRedis(t *testing.T, history int64) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisWithClient(client, time.Hour, history)
	t.Cleanup(func() { r.Close() })
	return mr, r
}

func TestRedis_Publish(t *testing.T) {
	mr, r := setupRedis(t, 2)
	ctx := context.Background()

	_, err := r.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r.Publish(ctx, testSnapshot(i)))
	}

	latest, err := r.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Cycle)
	assert.Equal(t, wire.Recovery, latest.State)
	assert.Equal(t, 105.0, latest.Features["heart_rate"])
	assert.True(t, latest.Time.Equal(testSnapshot(3).Time))

	history, err := r.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(3), history[0].Cycle)
	assert.Equal(t, uint64(2), history[1].Cycle)

	assert.Equal(t, time.Hour, mr.TTL(SnapshotKey))
	assert.Equal(t, time.Hour, mr.TTL(HistoryKey))

	none, err := r.History(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedis_Expiry(t *testing.T) {
	mr, r := setupRedis(t, 5)
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, testSnapshot(1)))

	mr.FastForward(2 * time.Hour)
	_, err := r.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mqtt.Client
	mu           sync.Mutex
	published    []published
	handlers     map[string]mqtt.MessageHandler
	publishErr   error
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeClient) last() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

// fakeMonitor toggles its flags. When gate is set each toggle first waits
// for a value on it, like a toggle stuck on a slow bus transaction.
type fakeMonitor struct {
	mu           sync.Mutex
	oxygen, pump bool
	gate         chan struct{}
}

func (m *fakeMonitor) Snapshot() controller.Snapshot      { return controller.Snapshot{} }
func (m *fakeMonitor) OnUpdate(func(controller.Snapshot)) {}
func (m *fakeMonitor) ToggleOxygen() bool {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oxygen = !m.oxygen
	return m.oxygen
}
func (m *fakeMonitor) ToggleFluidInlet() bool {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pump = !m.pump
	return m.pump
}

func (m *fakeMonitor) wait() {
	if m.gate != nil {
		<-m.gate
	}
}

func (m *fakeMonitor) state() (oxygen, pump bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oxygen, m.pump
}

func TestMQTT_Publish(t *testing.T) {
	c := newFakeClient()
	m := newMQTT(c, "icu", 1, nil)

	require.NoError(t, m.Publish(context.Background(), testSnapshot(7)))
	require.Len(t, c.published, 2)

	status := c.published[0]
	assert.Equal(t, "icu/status", status.topic)
	assert.True(t, status.retained)
	var got map[string]any
	require.NoError(t, json.Unmarshal(status.payload, &got))
	assert.Equal(t, float64(7), got["cycle"])
	assert.Equal(t, "recovery", got["state"])

	assert.Equal(t, published{topic: "icu/state", retained: true, payload: []byte("recovery")}, c.published[1])

	c.publishErr = errors.New("not connected")
	assert.Error(t, m.Publish(context.Background(), testSnapshot(8)))

	m.Close()
	assert.True(t, c.disconnected)
}

func TestMQTT_RemoteToggle(t *testing.T) {
	c := newFakeClient()
	m := newMQTT(c, "icu", 1, nil)
	defer m.Close()
	mon := &fakeMonitor{}
	require.NoError(t, m.Subscribe(mon))
	require.Len(t, c.handlers, 2)

	c.deliver("icu/cmd/oxygen/toggle", nil)
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
	oxygen, _ := mon.state()
	assert.True(t, oxygen)
	assert.Equal(t, published{topic: "icu/cmd/oxygen/state", payload: []byte("true")}, c.last())

	c.deliver("icu/cmd/fluid/toggle", []byte("1"))
	c.deliver("icu/cmd/fluid/toggle", []byte("1"))
	require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, time.Millisecond)
	_, pump := mon.state()
	assert.False(t, pump)
	assert.Equal(t, published{topic: "icu/cmd/fluid/state", payload: []byte("false")}, c.last())
}

func TestMQTT_RemoteToggle_HandlerDoesNotBlock(t *testing.T) {
	c := newFakeClient()
	m := newMQTT(c, "icu", 1, nil)
	mon := &fakeMonitor{gate: make(chan struct{})}
	require.NoError(t, m.Subscribe(mon))

	delivered := make(chan struct{})
	go func() {
		c.deliver("icu/cmd/oxygen/toggle", nil)
		c.deliver("icu/cmd/fluid/toggle", nil)
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("message handler blocked on a pending toggle")
	}
	assert.Zero(t, c.count())

	mon.gate <- struct{}{}
	mon.gate <- struct{}{}
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "icu/cmd/oxygen/state", c.published[0].topic)
	assert.Equal(t, "icu/cmd/fluid/state", c.published[1].topic)

	m.Close()
	c.deliver("icu/cmd/oxygen/toggle", nil)
	oxygen, _ := mon.state()
	assert.True(t, oxygen)
}

func TestLogDump(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := NewLogDump(zap.New(core))

	require.NoError(t, d.Publish(context.Background(), testSnapshot(3)))
	s := testSnapshot(4)
	s.State, s.Alarm = wire.Serious, true
	require.NoError(t, d.Publish(context.Background(), s))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "state=recovery")
	assert.Contains(t, entries[0].Message, "hr=105")
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Contains(t, entries[1].Message, "alarm=on")
}
