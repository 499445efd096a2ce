package contracts

import "time"

// IncidentState is a node in the incident lifecycle state machine.
type IncidentState string

const (
	StateOpen         IncidentState = "OPEN"
	StateTriage       IncidentState = "TRIAGE"
	StateRCA          IncidentState = "RCA"
	StatePropose      IncidentState = "PROPOSE"
	StateVerify       IncidentState = "VERIFY"
	StateApprove      IncidentState = "APPROVE"
	StateExecute      IncidentState = "EXECUTE"
	StateValidate     IncidentState = "VALIDATE"
	StateClose        IncidentState = "CLOSE"
	StateLearn        IncidentState = "LEARN"
	StateRollback     IncidentState = "ROLLBACK"
	StateClosedFailed IncidentState = "CLOSED_FAILED"
)

// AllStates lists every lifecycle state in declaration order.
func AllStates() []IncidentState {
	return []IncidentState{
		StateOpen, StateTriage, StateRCA, StatePropose, StateVerify,
		StateApprove, StateExecute, StateValidate, StateClose, StateLearn,
		StateRollback, StateClosedFailed,
	}
}

// Terminal reports whether s is a terminal state. A terminal incident is
// read-only: further messages for its trace_id are rejected, not dropped.
func (s IncidentState) Terminal() bool {
	switch s {
	case StateClose, StateLearn, StateClosedFailed:
		return true
	}
	return false
}

// Incident is the orchestrated entity. incident_id equals the trace_id of the
// originating IncidentSignal and is assigned exactly once.
type Incident struct {
	IncidentID        string        `json:"incident_id"`
	State             IncidentState `json:"state"`
	IncidentType      string        `json:"incident_type"`
	Severity          string        `json:"severity"`
	Title             string        `json:"title,omitempty"`
	Description       string        `json:"description,omitempty"`
	AffectedResources []string      `json:"affected_resources,omitempty"`
	RetryCount        int           `json:"retry_count"`
	CreatedBy         string        `json:"created_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a deep copy. The store hands out clones so no caller can
// mutate incident state outside a recorded transition.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	if i.AffectedResources != nil {
		out.AffectedResources = append([]string(nil), i.AffectedResources...)
	}
	return &out
}

// IncidentSummary is the list-view projection of an Incident.
type IncidentSummary struct {
	IncidentID        string        `json:"incident_id"`
	State             IncidentState `json:"state"`
	IncidentType      string        `json:"incident_type"`
	Severity          string        `json:"severity"`
	AffectedResources []string      `json:"affected_resources,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Summary projects the incident into its list-view shape.
func (i *Incident) Summary() IncidentSummary {
	return IncidentSummary{
		IncidentID:        i.IncidentID,
		State:             i.State,
		IncidentType:      i.IncidentType,
		Severity:          i.Severity,
		AffectedResources: i.AffectedResources,
		CreatedAt:         i.CreatedAt,
		UpdatedAt:         i.UpdatedAt,
	}
}
