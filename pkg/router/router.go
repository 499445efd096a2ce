// Package router resolves a validated envelope to its incident, serializes
// the mutation under the incident's exclusive lock, runs the state machine,
// and commits the resulting snapshot and audit entry as one atomic unit.
//
// All incident mutation in the system flows through Process; no other
// component writes incident state.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/machinenativeops/axm/pkg/lifecycle"
	"github.com/machinenativeops/axm/pkg/store"
)

// DefaultLockTimeout bounds lock acquisition; past it the request fails
// busy rather than queueing indefinitely. Retries are safe under the
// payload-digest idempotency guarantee.
const DefaultLockTimeout = 5 * time.Second

// ConcurrencyTimeoutError reports that the incident's lock could not be
// acquired in time. It is retry-safe: the request had no effect.
type ConcurrencyTimeoutError struct {
	TraceID string        `json:"trace_id"`
	Timeout time.Duration `json:"timeout"`
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("incident %s is busy: lock not acquired within %s", e.TraceID, e.Timeout)
}

// TransitionObserver receives every applied transition step, including
// auto-advance hops. Implemented by the observability layer.
type TransitionObserver interface {
	ObserveTransition(from, to contracts.IncidentState)
}

// Router coordinates validator output, the state machine, and the store.
type Router struct {
	store       store.Store
	machine     *lifecycle.Machine
	locks       *LockTable
	lockTimeout time.Duration
	observer    TransitionObserver
	clock       func() time.Time
	logger      *slog.Logger
}

// NewRouter wires a router over the given store and state machine.
func NewRouter(st store.Store, machine *lifecycle.Machine) *Router {
	return &Router{
		store:       st,
		machine:     machine,
		locks:       NewLockTable(DefaultLockShards),
		lockTimeout: DefaultLockTimeout,
		clock:       time.Now,
		logger:      slog.Default().With("component", "router"),
	}
}

// WithLockTimeout overrides the lock acquisition bound.
func (r *Router) WithLockTimeout(d time.Duration) *Router {
	if d > 0 {
		r.lockTimeout = d
	}
	return r
}

// WithLockShards resizes the lock table. Call before serving traffic.
func (r *Router) WithLockShards(n int) *Router {
	r.locks = NewLockTable(n)
	return r
}

// WithObserver registers a transition observer.
func (r *Router) WithObserver(obs TransitionObserver) *Router {
	r.observer = obs
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// WithLogger overrides the logger.
func (r *Router) WithLogger(logger *slog.Logger) *Router {
	r.logger = logger.With("component", "router")
	return r
}

// Process applies one validated envelope. digest is the envelope's payload
// digest as computed by the validator.
//
// Exactly one of these happens: the message is applied and committed, a
// previously recorded result is returned verbatim (duplicate digest), or
// a typed error is returned with no stored effect.
func (r *Router) Process(ctx context.Context, env *contracts.Envelope, digest string) (*contracts.ProcessingResult, error) {
	traceID := env.Meta.TraceID

	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	release, err := r.locks.Acquire(lockCtx, traceID)
	if err != nil {
		r.logger.Warn("lock acquisition timed out", "trace_id", traceID, "timeout", r.lockTimeout)
		return nil, &ConcurrencyTimeoutError{TraceID: traceID, Timeout: r.lockTimeout}
	}
	defer release()

	// From here to commit there is no external I/O: only local state
	// computation and the store transaction, which bounds lock-hold time.

	creation := false
	inc, err := r.store.GetIncident(ctx, traceID)
	switch err.(type) {
	case nil:
	case *store.NotFoundError:
		if env.Meta.MessageType != contracts.MessageIncidentSignal {
			return nil, err
		}
		inc = r.newIncident(env)
		creation = true
	default:
		return nil, err
	}

	// Duplicate delivery answers with the recorded result, no re-apply.
	if recorded, ok, err := r.store.RecordedResult(ctx, traceID, digest); err != nil {
		return nil, err
	} else if ok {
		r.logger.Debug("duplicate payload digest replayed", "trace_id", traceID, "digest", digest)
		return recorded, nil
	}

	priorState := inc.State

	outcome, err := r.machine.Apply(traceID, inc.State, inc.RetryCount, env.Meta.MessageType, env.Payload)
	if err != nil {
		r.logger.Info("message rejected", "trace_id", traceID,
			"message_type", env.Meta.MessageType, "state", inc.State, "error", err)
		return nil, err
	}

	now := r.clock().UTC()
	inc.State = outcome.Final
	inc.RetryCount += outcome.RetryDelta
	inc.UpdatedAt = now

	entry := &contracts.AuditEntry{
		EntryID:       uuid.NewString(),
		TraceID:       traceID,
		MessageType:   env.Meta.MessageType,
		NewState:      outcome.Final,
		Steps:         outcome.States(),
		SourceAgent:   env.Meta.SourceAgent,
		RetryDelta:    outcome.RetryDelta,
		PayloadDigest: digest,
		Timestamp:     now,
	}
	if !creation {
		entry.PriorState = priorState
	}

	result := &contracts.ProcessingResult{
		IncidentID: traceID,
		State:      outcome.Final,
		Steps:      outcome.States(),
	}

	if err := r.store.Commit(ctx, &store.CommitSet{
		Incident: inc,
		Entry:    entry,
		Result:   result,
	}); err != nil {
		return nil, err
	}

	if r.observer != nil {
		for _, step := range outcome.Steps {
			r.observer.ObserveTransition(step.From, step.To)
		}
	}
	r.logger.Info("transition applied", "trace_id", traceID,
		"message_type", env.Meta.MessageType, "from", priorState,
		"to", outcome.Final, "global_seq", entry.GlobalSeq)

	return result, nil
}

// newIncident builds the OPEN incident for a first IncidentSignal.
func (r *Router) newIncident(env *contracts.Envelope) *contracts.Incident {
	var sig struct {
		IncidentType      string   `json:"incident_type"`
		Severity          string   `json:"severity"`
		Title             string   `json:"title"`
		Description       string   `json:"description"`
		AffectedResources []string `json:"affected_resources"`
	}
	// Shape already enforced by the validator; a decode failure leaves
	// the descriptive fields empty rather than rejecting the signal.
	_ = json.Unmarshal(env.Payload, &sig)

	now := r.clock().UTC()
	return &contracts.Incident{
		IncidentID:        env.Meta.TraceID,
		State:             contracts.StateOpen,
		IncidentType:      sig.IncidentType,
		Severity:          sig.Severity,
		Title:             sig.Title,
		Description:       sig.Description,
		AffectedResources: sig.AffectedResources,
		CreatedBy:         env.Meta.SourceAgent,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
