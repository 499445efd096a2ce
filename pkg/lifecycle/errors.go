package lifecycle

import (
	"fmt"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// TransitionError rejects a message whose precondition state does not match
// the incident's actual state. Out-of-order delivery is expected from
// asynchronous agents; the message is refused and logged, never applied.
type TransitionError struct {
	TraceID     string                  `json:"trace_id"`
	State       contracts.IncidentState `json:"state"`
	MessageType contracts.MessageType   `json:"message_type"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not accepted while incident %s is in %s",
		e.MessageType, e.TraceID, e.State)
}

// TerminalError rejects any message addressed to an incident that has
// reached a terminal state and is permanently read-only.
type TerminalError struct {
	TraceID     string                  `json:"trace_id"`
	State       contracts.IncidentState `json:"state"`
	MessageType contracts.MessageType   `json:"message_type"`
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("incident %s is terminal in state %s and rejects %s",
		e.TraceID, e.State, e.MessageType)
}

// PayloadError reports a payload that passed envelope validation but lacks
// a field the state machine needs to decide the transition.
type PayloadError struct {
	MessageType contracts.MessageType `json:"message_type"`
	Field       string                `json:"field"`
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s payload: missing or non-boolean %q", e.MessageType, e.Field)
}
