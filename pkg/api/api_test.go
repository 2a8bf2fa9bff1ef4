package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/itohio/icumon/pkg/controller"
	"github.com/itohio/icumon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu           sync.Mutex
	snap         controller.Snapshot
	oxygen, pump bool
}

func (m *fakeMonitor) Snapshot() controller.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *fakeMonitor) OnUpdate(func(controller.Snapshot)) {}

func (m *fakeMonitor) ToggleOxygen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oxygen = !m.oxygen
	return m.oxygen
}

func (m *fakeMonitor) ToggleFluidInlet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pump = !m.pump
	return m.pump
}

type fakeHistory struct {
	items []controller.Snapshot
	err   error
	asked int64
}

func (h *fakeHistory) History(_ context.Context, n int64) ([]controller.Snapshot, error) {
	h.asked = n
	if h.err != nil {
		return nil, h.err
	}
	if int64(len(h.items)) > n {
		return h.items[:n], nil
	}
	return h.items, nil
}

func serve(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatus(t *testing.T) {
	mon := &fakeMonitor{snap: controller.Snapshot{
		Cycle:    4,
		State:    wire.Serious,
		Alarm:    true,
		Features: map[string]float64{"spo2": 88},
	}}
	h := NewHandler(mon, nil, nil)

	rec := serve(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got controller.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(4), got.Cycle)
	assert.Equal(t, wire.Serious, got.State)
	assert.True(t, got.Alarm)
	assert.Equal(t, 88.0, got.Features["spo2"])
}

func TestToggle(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		actuator string
	}{
		{"oxygen", "/api/oxygen/toggle", controller.ActuatorOxygen},
		{"fluid", "/api/fluid/toggle", controller.ActuatorPump},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeMonitor{}, nil, nil)

			for _, want := range []bool{true, false} {
				rec := serve(t, h, http.MethodPost, tt.target)
				require.Equal(t, http.StatusOK, rec.Code)

				var got toggleResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.Equal(t, toggleResponse{Actuator: tt.actuator, On: want}, got)
			}
		})
	}
}

func TestToggle_MethodNotAllowed(t *testing.T) {
	mon := &fakeMonitor{}
	h := NewHandler(mon, nil, nil)

	rec := serve(t, h, http.MethodGet, "/api/oxygen/toggle")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, mon.oxygen)
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{items: []controller.Snapshot{{Cycle: 3}, {Cycle: 2}, {Cycle: 1}}}
	h := NewHandler(&fakeMonitor{}, hist, nil)

	tests := []struct {
		name   string
		target string
		code   int
		asked  int64
		cycles []uint64
	}{
		{"default", "/api/history", http.StatusOK, defaultHistory, []uint64{3, 2, 1}},
		{"limited", "/api/history?n=2", http.StatusOK, 2, []uint64{3, 2}},
		{"invalid", "/api/history?n=abc", http.StatusBadRequest, 0, nil},
		{"zero", "/api/history?n=0", http.StatusBadRequest, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist.asked = 0
			rec := serve(t, h, http.MethodGet, tt.target)
			require.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.asked, hist.asked)
			if tt.code != http.StatusOK {
				return
			}

			var got []controller.Snapshot
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			cycles := make([]uint64, 0, len(got))
			for _, s := range got {
				cycles = append(cycles, s.Cycle)
			}
			assert.Equal(t, tt.cycles, cycles)
		})
	}
}

func TestHistory_Errors(t *testing.T) {
	rec := serve(t, NewHandler(&fakeMonitor{}, nil, nil), http.MethodGet, "/api/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hist := &fakeHistory{err: errors.New("connection refused")}
	rec = serve(t, NewHandler(&fakeMonitor{}, hist, nil), http.MethodGet, "/api/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to read history"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	mon := &fakeMonitor{}
	h := NewHandler(mon, nil, nil)

	rec := serve(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mon.snap.Cycle = 1
	rec = serve(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "healthy", got["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(&fakeMonitor{}, nil, nil)
	serve(t, h, http.MethodGet, "/api/status")

	rec := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "icumon_http_requests_total")
}

func TestServer_Run(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewHandler(&fakeMonitor{}, nil, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
