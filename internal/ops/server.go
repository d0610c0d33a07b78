// Package ops exposes the worker's operational HTTP surface: liveness,
// readiness, circuit breaker state, and delivery history lookup. It is
// meant to be reachable only inside the deployment network; there is no
// authentication layer.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"courier/internal/breaker"
	"courier/internal/types"
)

// probeTimeout is the maximum time allowed for all readiness probes.
const probeTimeout = 2 * time.Second

// Probe is a readiness check for one critical dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function into a named Probe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// HistoryStore reads back a delivery lineage for the lookup endpoint.
type HistoryStore interface {
	History(ctx context.Context, notificationID, channelID string) ([]*types.DeliveryLog, error)
}

// BreakerSnapshotter exposes live circuit breaker state.
type BreakerSnapshotter interface {
	Snapshot() []breaker.KeyState
}

// Server is the ops HTTP server.
type Server struct {
	router   chi.Router
	probes   []Probe
	history  HistoryStore
	breakers BreakerSnapshotter
	logger   types.Logger
}

// NewServer builds the ops server and mounts its routes.
func NewServer(probes []Probe, history HistoryStore, breakers BreakerSnapshotter, logger types.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		probes:   probes,
		history:  history,
		breakers: breakers,
		logger:   logger,
	}
	s.mountRoutes()
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleLiveness)
	s.router.Get("/readyz", s.handleReadiness)
	s.router.Get("/breakers", s.handleBreakers)
	s.router.Get("/deliveries/{notificationID}/{channelID}", s.handleHistory)
}

// handleLiveness reports process liveness only; dependencies are the
// readiness endpoint's concern.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleReadiness runs every probe under a shared deadline. Any failure
// yields 503 so the orchestrator stops routing new work here.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := readinessResponse{
		Status:     "ready",
		Components: make(map[string]componentStatus, len(s.probes)),
	}
	code := http.StatusOK

	for _, probe := range s.probes {
		if err := probe.Check(ctx); err != nil {
			resp.Status = "not_ready"
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
	}

	writeJSON(w, code, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.breakers.Snapshot()
	if snapshot == nil {
		snapshot = []breaker.KeyState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snapshot})
}

// handleHistory returns the full stage history for one
// (notification, channel) lineage, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	notificationID := chi.URLParam(r, "notificationID")
	channelID := chi.URLParam(r, "channelID")

	rows, err := s.history.History(r.Context(), notificationID, channelID)
	if err != nil {
		s.logger.Error("delivery history lookup failed",
			"notification_id", notificationID,
			"channel_id", channelID,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history lookup failed"})
		return
	}
	if len(rows) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no delivery history"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notification_id": notificationID,
		"channel_id":      channelID,
		"history":         rows,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
