// Package store persists incidents and their audit ledger behind one
// interface with interchangeable backends: in-memory for tests and
// single-node use, database/sql for durable deployments.
//
// The store is the only mutable shared state in the system. A state
// mutation and its ledger append arrive together in a CommitSet and are
// applied as a single atomic unit; there is no API for updating or
// deleting a ledger entry.
package store

import (
	"context"
	"fmt"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// NotFoundError reports an unknown trace_id for a non-signal message.
type NotFoundError struct {
	TraceID string `json:"trace_id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("incident %s not found", e.TraceID)
}

// PersistenceError wraps a failed store or ledger write. The surrounding
// request is aborted whole: a state change is never recorded without its
// ledger entry or vice versa.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CommitSet is the atomic unit produced by one accepted message: the
// incident's post-transition snapshot, the audit entry recording the
// transition, and the processing result replayed verbatim to duplicate
// deliveries of the same payload digest.
//
// Commit assigns Entry.GlobalSeq, Entry.IncidentSeq, Entry.PrevHash, and
// Entry.EntryHash; callers fill every other field.
type CommitSet struct {
	Incident *contracts.Incident
	Entry    *contracts.AuditEntry
	Result   *contracts.ProcessingResult
}

// ListFilter narrows incident listings. Zero values match everything.
type ListFilter struct {
	State        contracts.IncidentState
	IncidentType string
	Severity     string
	Limit        int
}

// Store is the incident and ledger persistence contract.
type Store interface {
	// GetIncident returns a copy of the incident, or NotFoundError.
	GetIncident(ctx context.Context, incidentID string) (*contracts.Incident, error)

	// ListIncidents returns incident summaries matching the filter,
	// ordered by creation time.
	ListIncidents(ctx context.Context, filter ListFilter) ([]contracts.IncidentSummary, error)

	// CountIncidents returns the total number of incidents.
	CountIncidents(ctx context.Context) (int, error)

	// CountByState returns incident counts keyed by lifecycle state.
	CountByState(ctx context.Context) (map[contracts.IncidentState]int, error)

	// History returns an incident's full audit history in incident_seq
	// order, or NotFoundError if the incident does not exist.
	History(ctx context.Context, incidentID string) ([]contracts.AuditEntry, error)

	// GlobalAfter returns up to limit ledger entries with
	// global_seq > after, in global_seq order.
	GlobalAfter(ctx context.Context, after uint64, limit int) ([]contracts.AuditEntry, error)

	// RecordedResult returns the processing result previously committed
	// for the given payload digest, if any.
	RecordedResult(ctx context.Context, incidentID, digest string) (*contracts.ProcessingResult, bool, error)

	// Commit atomically writes the incident snapshot and appends the
	// ledger entry, assigning sequence numbers and chain hashes.
	Commit(ctx context.Context, set *CommitSet) error

	// VerifyChain recomputes the ledger hash chain and reports the first
	// divergence found.
	VerifyChain(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
