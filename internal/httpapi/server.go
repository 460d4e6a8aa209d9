// Package httpapi exposes the voxbridge HTTP surface.
//
// The main endpoint is POST /v1/stream: the client uploads raw 8 kHz PCM16
// in the request body and receives raw 8 kHz PCM16 in the response body,
// full duplex over one connection. One [bridge.Bridge] serves each request.
//
// Operational endpoints: GET /v1/sessions lists active calls and recent call
// records, /healthz and /readyz serve probes, and /metrics serves the
// Prometheus scrape surface when enabled.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/callog"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// defaultRecentLimit bounds the sessions listing when no limit is given.
const defaultRecentLimit = 20

// maxRecentLimit caps the sessions listing regardless of the requested limit.
const maxRecentLimit = 100

// Config holds the dependencies and per-call settings of a [Server].
type Config struct {
	// Provider opens remote sessions for new calls.
	Provider s2s.Provider

	// Variant names the configured transport for metrics and call records.
	Variant string

	// Model is the remote model identifier recorded on managed calls.
	Model string

	// Bridge carries the per-call pacing, framing and session settings.
	Bridge bridge.Config

	// Metrics receives call and HTTP instrumentation. When nil, the
	// package-level default instruments are used.
	Metrics *observe.Metrics

	// Health serves the /healthz and /readyz probes. Optional.
	Health *health.Handler

	// CallLog persists finished call records. Nil disables call logging.
	CallLog callog.Store

	// ServeMetrics exposes the Prometheus scrape endpoint on /metrics.
	ServeMetrics bool
}

// Server routes HTTP traffic to the bridge and the operational endpoints.
type Server struct {
	cfg      Config
	registry *Registry
}

// New creates a Server. The call registry starts empty.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
	}
}

// Registry returns the server's active-call registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the full HTTP handler tree, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.ServeMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return observe.Middleware(s.cfg.Metrics)(mux)
}

// sessionsResponse is the JSON body of GET /v1/sessions.
type sessionsResponse struct {
	Active []CallInfo      `json:"active"`
	Recent []callog.Record `json:"recent,omitempty"`
}

// handleSessions lists active calls from the registry and, when a call log
// store is configured, recently finished calls. A call log outage degrades
// the listing to active calls only instead of failing it.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	resp := sessionsResponse{Active: s.registry.Active()}
	if s.cfg.CallLog != nil {
		recent, err := s.cfg.CallLog.Recent(r.Context(), limit)
		if err != nil {
			observe.Logger(r.Context()).Warn("call log listing failed", "err", err)
		} else {
			resp.Recent = recent
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("sessions response encode failed", "err", err)
	}
}
