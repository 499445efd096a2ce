// Package lifecycle implements the incident state machine as a pure
// function: (current state, retry count, message) in, ordered transition
// steps out. It touches no storage and keeps no mutable state, so a given
// input always yields the same outcome and replaying a recorded sequence
// of outcomes reproduces the incident exactly.
package lifecycle

import (
	"encoding/json"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// Step is one hop of a transition. A single message may traverse several
// steps when the table auto-advances through a transient state.
type Step struct {
	From contracts.IncidentState `json:"from"`
	To   contracts.IncidentState `json:"to"`
}

// Outcome is the full effect of one accepted message.
type Outcome struct {
	Final contracts.IncidentState `json:"final"`
	Steps []Step                  `json:"steps"`
	// RetryDelta is the retry_count increment carried by this message.
	RetryDelta int `json:"retry_delta"`
}

// States traversed by the outcome in order, starting at the first hop's
// origin. Used for the audit record of auto-advance messages.
func (o *Outcome) States() []contracts.IncidentState {
	if len(o.Steps) == 0 {
		return nil
	}
	out := make([]contracts.IncidentState, 0, len(o.Steps)+1)
	out = append(out, o.Steps[0].From)
	for _, s := range o.Steps {
		out = append(out, s.To)
	}
	return out
}

// Machine is the incident lifecycle transition table.
//
// Auto-advance transitions (OPEN to TRIAGE, VERIFY to APPROVE, EXECUTE to
// VALIDATE) resolve within a single Apply call: the transient state is
// reported as a step but is never a resting state an incident can be
// observed in between messages.
type Machine struct {
	maxRetries int
}

// NewMachine builds a machine that routes RollbackCompleted to TRIAGE while
// retry_count < maxRetries and to CLOSED_FAILED once the budget is spent.
func NewMachine(maxRetries int) *Machine {
	return &Machine{maxRetries: maxRetries}
}

// Apply decides the effect of one message on an incident currently in state
// current with the given retry count. It returns a TerminalError for
// read-only incidents, a TransitionError when the precondition state does
// not hold, and a PayloadError when a decision field cannot be read.
func (m *Machine) Apply(traceID string, current contracts.IncidentState, retryCount int,
	mt contracts.MessageType, payload json.RawMessage) (*Outcome, error) {

	// CLOSE admits exactly one message kind, the learning handoff. Every
	// other terminal state admits nothing.
	if current.Terminal() &&
		!(current == contracts.StateClose && mt == contracts.MessageKnowledgeArtifactPublished) {
		return nil, &TerminalError{TraceID: traceID, State: current, MessageType: mt}
	}

	switch mt {
	case contracts.MessageIncidentSignal:
		if current != contracts.StateOpen {
			return nil, m.reject(traceID, current, mt)
		}
		return chain(contracts.StateOpen, contracts.StateTriage), nil

	case contracts.MessageRCAReport:
		if current != contracts.StateTriage {
			return nil, m.reject(traceID, current, mt)
		}
		return chain(contracts.StateTriage, contracts.StateRCA), nil

	case contracts.MessageFixProposal:
		if current != contracts.StateRCA {
			return nil, m.reject(traceID, current, mt)
		}
		return chain(contracts.StateRCA, contracts.StatePropose), nil

	case contracts.MessageVerificationReport:
		if current != contracts.StatePropose {
			return nil, m.reject(traceID, current, mt)
		}
		pass, err := boolField(payload, "pass", mt)
		if err != nil {
			return nil, err
		}
		if pass {
			return chain(contracts.StatePropose, contracts.StateVerify, contracts.StateApprove), nil
		}
		out := chain(contracts.StatePropose, contracts.StatePropose)
		out.RetryDelta = 1
		return out, nil

	case contracts.MessageExecutionResult:
		if current != contracts.StateApprove {
			return nil, m.reject(traceID, current, mt)
		}
		success, err := boolField(payload, "success", mt)
		if err != nil {
			return nil, err
		}
		if success {
			return chain(contracts.StateApprove, contracts.StateExecute, contracts.StateValidate), nil
		}
		return chain(contracts.StateApprove, contracts.StateRollback), nil

	case contracts.MessageValidationReport:
		if current != contracts.StateValidate {
			return nil, m.reject(traceID, current, mt)
		}
		pass, err := boolField(payload, "pass", mt)
		if err != nil {
			return nil, err
		}
		if pass {
			return chain(contracts.StateValidate, contracts.StateClose), nil
		}
		return chain(contracts.StateValidate, contracts.StateRollback), nil

	case contracts.MessageRollbackCompleted:
		if current != contracts.StateRollback {
			return nil, m.reject(traceID, current, mt)
		}
		if retryCount < m.maxRetries {
			return chain(contracts.StateRollback, contracts.StateTriage), nil
		}
		return chain(contracts.StateRollback, contracts.StateClosedFailed), nil

	case contracts.MessageKnowledgeArtifactPublished:
		if current != contracts.StateClose {
			return nil, m.reject(traceID, current, mt)
		}
		return chain(contracts.StateClose, contracts.StateLearn), nil
	}

	return nil, m.reject(traceID, current, mt)
}

func (m *Machine) reject(traceID string, current contracts.IncidentState, mt contracts.MessageType) error {
	return &TransitionError{TraceID: traceID, State: current, MessageType: mt}
}

// chain builds an outcome walking the given states in order.
func chain(states ...contracts.IncidentState) *Outcome {
	steps := make([]Step, 0, len(states)-1)
	for i := 1; i < len(states); i++ {
		steps = append(steps, Step{From: states[i-1], To: states[i]})
	}
	return &Outcome{Final: states[len(states)-1], Steps: steps}
}

func boolField(payload json.RawMessage, key string, mt contracts.MessageType) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false, &PayloadError{MessageType: mt, Field: key}
	}
	raw, ok := fields[key]
	if !ok {
		return false, &PayloadError{MessageType: mt, Field: key}
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, &PayloadError{MessageType: mt, Field: key}
	}
	return b, nil
}
