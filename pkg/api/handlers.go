package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/machinenativeops/axm/pkg/envelope"
	"github.com/machinenativeops/axm/pkg/observability"
	"github.com/machinenativeops/axm/pkg/router"
	"github.com/machinenativeops/axm/pkg/store"
)

const maxEnvelopeBytes = 1 << 20 // 1MB limit

// Server exposes the orchestrator over HTTP.
type Server struct {
	store     store.Store
	validator *envelope.Validator
	router    *router.Router
	latency   *observability.LatencySummary
	provider  *observability.Provider
	logger    *slog.Logger

	limiter LimiterStore
	policy  BackpressurePolicy

	handlers  []contracts.MessageType
	ready     atomic.Bool
	startTime time.Time
	now       func() time.Time
}

// NewServer wires the ingress surface over the given components.
func NewServer(st store.Store, v *envelope.Validator, rt *router.Router) *Server {
	s := &Server{
		store:     st,
		validator: v,
		router:    rt,
		latency:   observability.NewLatencySummary(),
		logger:    slog.Default().With("component", "api"),
		startTime: time.Now(),
		now:       time.Now,
	}
	s.registerHandlers()
	return s
}

// WithProvider attaches the telemetry provider for RED metrics.
func (s *Server) WithProvider(p *observability.Provider) *Server {
	s.provider = p
	return s
}

// WithBackpressure enables the per-agent admission limiter on submits.
func (s *Server) WithBackpressure(limiter LimiterStore, policy BackpressurePolicy) *Server {
	s.limiter = limiter
	s.policy = policy
	return s
}

// WithLogger overrides the server logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger.With("component", "api")
	return s
}

// registerHandlers records the message kinds the submit path dispatches.
// Readiness reports 503 until this has run.
func (s *Server) registerHandlers() {
	s.handlers = contracts.PublicMessageTypes()
	s.ready.Store(true)
}

// SubmitResponse is the success reply for an accepted message.
type SubmitResponse struct {
	Status           string                      `json:"status"`
	TraceID          string                      `json:"trace_id"`
	Timestamp        time.Time                   `json:"timestamp"`
	ProcessingResult *contracts.ProcessingResult `json:"processing_result"`
}

// HandleSubmit handles POST /messages.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	started := s.now()

	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)
	var env contracts.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	if s.limiter != nil {
		if err := EvaluateBackpressure(r.Context(), s.limiter, env.Meta.SourceAgent, s.policy); err != nil {
			WriteTooManyRequests(w, r, 5)
			return
		}
	}

	result := s.validator.Validate(&env)
	if !result.Valid {
		WriteValidationFailure(w, r, result.Errors)
		return
	}

	pr, err := s.router.Process(r.Context(), &env, result.Digest)
	if err != nil {
		s.recordError(r, err, string(env.Meta.MessageType))
		WriteDomainError(w, r, err)
		return
	}

	s.observe(r, string(env.Meta.MessageType), started)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SubmitResponse{
		Status:           "success",
		TraceID:          env.Meta.TraceID,
		Timestamp:        s.now().UTC(),
		ProcessingResult: pr,
	})
}

// HandleHealth handles GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	count, err := s.store.CountIncidents(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "healthy",
		"incidents_count": count,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
	})
}

// HandleReady handles GET /ready.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	if !s.ready.Load() {
		WriteError(w, r, http.StatusServiceUnavailable, "Not Ready", "message handlers not yet registered")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ready",
		"message_handlers": s.handlers,
	})
}

// HandleListIncidents handles GET /incidents.
func (s *Server) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	filter := store.ListFilter{
		State:    contracts.IncidentState(r.URL.Query().Get("state")),
		Severity: r.URL.Query().Get("severity"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// HandleIncident handles GET /incidents/{id} and GET /incidents/{id}/audit.
func (s *Server) HandleIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/incidents/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || (sub != "" && sub != "audit") {
		WriteNotFound(w, r, "unknown resource")
		return
	}

	if sub == "audit" {
		entries, err := s.store.History(r.Context(), id)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trace_id": id,
			"entries":  entries,
			"count":    len(entries),
		})
		return
	}

	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	history, err := s.store.History(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"incident": inc,
		"history":  history,
	})
}

// HandleAudit handles GET /audit?after=&limit=.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "after must be a non-negative integer")
			return
		}
		after = v
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	entries, err := s.store.GlobalAfter(r.Context(), after, limit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleMetrics handles GET /metrics.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	byState, err := s.store.CountByState(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"incidents_by_state": byState,
		"message_latency_ms": s.latency.Snapshot(),
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) observe(r *http.Request, messageType string, started time.Time) {
	elapsed := s.now().Sub(started)
	s.latency.Observe(messageType, elapsed)
	if s.provider != nil {
		attr := attribute.String("message.type", messageType)
		s.provider.RecordRequest(r.Context(), attr)
		s.provider.RecordDuration(r.Context(), elapsed, attr)
	}
}

func (s *Server) recordError(r *http.Request, err error, messageType string) {
	if s.provider != nil {
		s.provider.RecordError(r.Context(), err, attribute.String("message.type", messageType))
	}
}
