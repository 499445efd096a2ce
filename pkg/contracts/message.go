// Package contracts defines the shared wire and domain types of the AXM
// incident-orchestration core: the message envelope exchanged with specialist
// agents, the Incident entity, and the audit ledger entry.
//
// The core is purely reactive; it never calls back into an agent. Agents are
// consumed only through the envelope contract defined here.
package contracts

import "encoding/json"

// MessageType identifies the kind of report carried by an envelope.
type MessageType string

const (
	MessageIncidentSignal             MessageType = "IncidentSignal"
	MessageRCAReport                  MessageType = "RCAReport"
	MessageFixProposal                MessageType = "FixProposal"
	MessageVerificationReport         MessageType = "VerificationReport"
	MessageExecutionResult            MessageType = "ExecutionResult"
	MessageValidationReport           MessageType = "ValidationReport"
	MessageKnowledgeArtifactPublished MessageType = "KnowledgeArtifactPublished"

	// MessageRollbackCompleted is an internal signal emitted by the rollback
	// pipeline; it is recognized by the validator but not advertised as a
	// public message kind.
	MessageRollbackCompleted MessageType = "RollbackCompleted"
)

// PublicMessageTypes lists the message kinds external agents may submit,
// in documentation order.
func PublicMessageTypes() []MessageType {
	return []MessageType{
		MessageIncidentSignal,
		MessageRCAReport,
		MessageFixProposal,
		MessageVerificationReport,
		MessageExecutionResult,
		MessageValidationReport,
		MessageKnowledgeArtifactPublished,
	}
}

// KnownMessageType reports whether t is a recognized message kind,
// including the internal RollbackCompleted signal.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MessageIncidentSignal, MessageRCAReport, MessageFixProposal,
		MessageVerificationReport, MessageExecutionResult,
		MessageValidationReport, MessageKnowledgeArtifactPublished,
		MessageRollbackCompleted:
		return true
	}
	return false
}

// Meta carries the routing and identity fields of an envelope.
type Meta struct {
	TraceID       string      `json:"trace_id"`
	SourceAgent   string      `json:"source_agent"`
	TargetAgent   string      `json:"target_agent,omitempty"`
	MessageType   MessageType `json:"message_type"`
	SchemaVersion string      `json:"schema_version"`
}

// Context carries deployment context. It is opaque to the core and is
// recorded but never interpreted.
type Context struct {
	Namespace string `json:"namespace"`
	Cluster   string `json:"cluster"`
	Urgency   string `json:"urgency,omitempty"` // P1 | P2 | P3
}

// Envelope is the stable wire shape shared by all message types.
type Envelope struct {
	Meta    Meta            `json:"meta"`
	Context Context         `json:"context"`
	Payload json.RawMessage `json:"payload"`
}

// ProcessingResult is the outcome of an accepted message, recorded alongside
// its transition so a duplicate delivery can be answered verbatim.
type ProcessingResult struct {
	IncidentID string        `json:"incident_id"`
	State      IncidentState `json:"state"`
	// Steps lists the states traversed by this message in order, including
	// auto-advance hops (e.g. OPEN, TRIAGE for an IncidentSignal).
	Steps []IncidentState `json:"steps,omitempty"`
}
