// Package api exposes the controller to collaborators over HTTP. Responses are JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/itohio/icumon/pkg/controller"
	"github.com/itohio/icumon/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultHistory = 10

var (
	// RequestsTotal counts API requests by route and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icumon_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration is the API request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icumon_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// History provides past snapshots, newest first.
type History interface {
	History(ctx context.Context, n int64) ([]controller.Snapshot, error)
}

var _ History = (*telemetry.Redis)(nil)

// Handler serves the collaborator API.
type Handler struct {
	mon     controller.Monitor
	history History
	log     *zap.Logger
}

// NewHandler creates a handler for mon. history may be nil.
func NewHandler(mon controller.Monitor, history History, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{mon: mon, history: history, log: log.Named("api")}
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.instrument("/api/status", h.Status))
	mux.HandleFunc("GET /api/history", h.instrument("/api/history", h.History))
	mux.HandleFunc("POST /api/oxygen/toggle", h.instrument("/api/oxygen/toggle", h.ToggleOxygen))
	mux.HandleFunc("POST /api/fluid/toggle", h.instrument("/api/fluid/toggle", h.ToggleFluidInlet))
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) int {
	return writeJSON(w, http.StatusOK, h.mon.Snapshot())
}

// History handles GET /api/history?n=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) int {
	if h.history == nil {
		return writeError(w, http.StatusNotFound, "history is not enabled")
	}

	n := int64(defaultHistory)
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			return writeError(w, http.StatusBadRequest, "n must be a positive integer")
		}
		n = parsed
	}

	items, err := h.history.History(r.Context(), n)
	if err != nil {
		h.log.Warn("failed to read history", zap.Error(err))
		return writeError(w, http.StatusInternalServerError, "failed to read history")
	}
	if items == nil {
		items = []controller.Snapshot{}
	}
	return writeJSON(w, http.StatusOK, items)
}

type toggleResponse struct {
	Actuator string `json:"actuator"`
	On       bool   `json:"on"`
}

// ToggleOxygen handles POST /api/oxygen/toggle.
func (h *Handler) ToggleOxygen(w http.ResponseWriter, _ *http.Request) int {
	on := h.mon.ToggleOxygen()
	h.log.Info("oxygen toggled", zap.Bool("on", on))
	return writeJSON(w, http.StatusOK, toggleResponse{Actuator: controller.ActuatorOxygen, On: on})
}

// ToggleFluidInlet handles POST /api/fluid/toggle.
func (h *Handler) ToggleFluidInlet(w http.ResponseWriter, _ *http.Request) int {
	on := h.mon.ToggleFluidInlet()
	h.log.Info("fluid inlet toggled", zap.Bool("on", on))
	return writeJSON(w, http.StatusOK, toggleResponse{Actuator: controller.ActuatorPump, On: on})
}

// Health handles GET /healthz. It reports "starting" until the first cycle completes.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	s := h.mon.Snapshot()
	status, code := "healthy", http.StatusOK
	if s.Cycle == 0 {
		status, code = "starting", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"cycle":     s.Cycle,
		"timestamp": time.Now(),
	})
}

func (h *Handler) instrument(route string, fn func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := fn(w, r)
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
	return code
}

func writeError(w http.ResponseWriter, code int, msg string) int {
	return writeJSON(w, code, map[string]string{"error": msg})
}

// Server runs the API until its context is cancelled.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, h *Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h.Routes(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log.Named("http"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
