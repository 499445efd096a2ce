package contracts

import "time"

// AuditEntry is one immutable row of the append-only audit ledger. An
// incident's current state and retry_count are exactly reconstructible by
// replaying its entries in incident_seq order; no field of an Incident is
// mutable outside a recorded entry.
type AuditEntry struct {
	EntryID     string      `json:"entry_id"`
	GlobalSeq   uint64      `json:"global_seq"`
	IncidentSeq uint64      `json:"incident_seq"`
	TraceID     string      `json:"trace_id"`
	MessageType MessageType `json:"message_type"`

	// PriorState is empty for the entry that created the incident.
	PriorState IncidentState `json:"prior_state,omitempty"`
	// NewState is the settled state after any auto-advance hops.
	NewState IncidentState `json:"new_state"`
	// Steps records the states traversed by the message, auto-advance
	// hops included, so the intermediate transient states stay auditable.
	Steps []IncidentState `json:"steps,omitempty"`

	SourceAgent string `json:"source_agent"`
	// RetryDelta is the retry_count increment applied by this entry (0 or 1).
	RetryDelta int `json:"retry_delta,omitempty"`

	// PayloadDigest is the sha256 of the RFC 8785 canonical form of
	// {trace_id, message_type, payload}; duplicates are detected by it.
	PayloadDigest string `json:"payload_digest"`

	// EntryHash chains the ledger: it covers this entry's content and
	// PrevHash, so any mutation or reorder is detectable.
	EntryHash string `json:"entry_hash"`
	PrevHash  string `json:"prev_hash"`

	Timestamp time.Time `json:"timestamp"`
}
