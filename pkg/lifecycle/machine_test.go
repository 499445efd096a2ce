package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trace = "watchdog-20260815-m1"

func TestApplyHappyPath(t *testing.T) {
	m := NewMachine(3)

	cases := []struct {
		name    string
		state   contracts.IncidentState
		mt      contracts.MessageType
		payload string
		final   contracts.IncidentState
		states  []contracts.IncidentState
	}{
		{
			name: "signal auto-advances to triage", state: contracts.StateOpen,
			mt: contracts.MessageIncidentSignal, payload: `{"incident_type":"oom","severity":"high"}`,
			final:  contracts.StateTriage,
			states: []contracts.IncidentState{contracts.StateOpen, contracts.StateTriage},
		},
		{
			name: "rca report", state: contracts.StateTriage,
			mt: contracts.MessageRCAReport, payload: `{"root_cause":"leak"}`,
			final:  contracts.StateRCA,
			states: []contracts.IncidentState{contracts.StateTriage, contracts.StateRCA},
		},
		{
			name: "fix proposal", state: contracts.StateRCA,
			mt: contracts.MessageFixProposal, payload: `{"proposal":"bump memory limit"}`,
			final:  contracts.StatePropose,
			states: []contracts.IncidentState{contracts.StateRCA, contracts.StatePropose},
		},
		{
			name: "verification pass auto-advances to approve", state: contracts.StatePropose,
			mt: contracts.MessageVerificationReport, payload: `{"pass":true}`,
			final: contracts.StateApprove,
			states: []contracts.IncidentState{
				contracts.StatePropose, contracts.StateVerify, contracts.StateApprove,
			},
		},
		{
			name: "execution success auto-advances to validate", state: contracts.StateApprove,
			mt: contracts.MessageExecutionResult, payload: `{"success":true}`,
			final: contracts.StateValidate,
			states: []contracts.IncidentState{
				contracts.StateApprove, contracts.StateExecute, contracts.StateValidate,
			},
		},
		{
			name: "validation pass closes", state: contracts.StateValidate,
			mt: contracts.MessageValidationReport, payload: `{"pass":true}`,
			final:  contracts.StateClose,
			states: []contracts.IncidentState{contracts.StateValidate, contracts.StateClose},
		},
		{
			name: "knowledge artifact moves close to learn", state: contracts.StateClose,
			mt: contracts.MessageKnowledgeArtifactPublished, payload: `{"artifact_id":"ka-1"}`,
			final:  contracts.StateLearn,
			states: []contracts.IncidentState{contracts.StateClose, contracts.StateLearn},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := m.Apply(trace, tc.state, 0, tc.mt, json.RawMessage(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.final, out.Final)
			assert.Equal(t, tc.states, out.States())
			assert.Zero(t, out.RetryDelta)
		})
	}
}

func TestApplyVerificationFailureStaysInProposeAndCountsRetry(t *testing.T) {
	m := NewMachine(3)

	out, err := m.Apply(trace, contracts.StatePropose, 1,
		contracts.MessageVerificationReport, json.RawMessage(`{"pass":false}`))

	require.NoError(t, err)
	assert.Equal(t, contracts.StatePropose, out.Final)
	assert.Equal(t, 1, out.RetryDelta)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, contracts.StatePropose, out.Steps[0].From)
	assert.Equal(t, contracts.StatePropose, out.Steps[0].To)
}

func TestApplyFailureRoutesToRollback(t *testing.T) {
	m := NewMachine(3)

	out, err := m.Apply(trace, contracts.StateApprove, 0,
		contracts.MessageExecutionResult, json.RawMessage(`{"success":false}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRollback, out.Final)

	out, err = m.Apply(trace, contracts.StateValidate, 0,
		contracts.MessageValidationReport, json.RawMessage(`{"pass":false}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRollback, out.Final)
}

func TestApplyRollbackCompletedHonorsRetryBudget(t *testing.T) {
	m := NewMachine(3)

	out, err := m.Apply(trace, contracts.StateRollback, 2,
		contracts.MessageRollbackCompleted, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateTriage, out.Final)

	out, err = m.Apply(trace, contracts.StateRollback, 3,
		contracts.MessageRollbackCompleted, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClosedFailed, out.Final)
}

func TestApplyRejectsOutOfOrderMessages(t *testing.T) {
	m := NewMachine(3)

	cases := []struct {
		state contracts.IncidentState
		mt    contracts.MessageType
	}{
		{contracts.StateTriage, contracts.MessageFixProposal},
		{contracts.StateRCA, contracts.MessageRCAReport},
		{contracts.StateOpen, contracts.MessageVerificationReport},
		{contracts.StatePropose, contracts.MessageExecutionResult},
		{contracts.StateTriage, contracts.MessageIncidentSignal},
		{contracts.StateTriage, contracts.MessageRollbackCompleted},
	}
	for _, tc := range cases {
		_, err := m.Apply(trace, tc.state, 0, tc.mt, json.RawMessage(`{"pass":true,"success":true}`))
		var terr *TransitionError
		require.ErrorAs(t, err, &terr, "%s @ %s", tc.mt, tc.state)
		assert.Equal(t, tc.state, terr.State)
	}
}

func TestApplyRejectsMessagesToTerminalIncidents(t *testing.T) {
	m := NewMachine(3)

	for _, state := range []contracts.IncidentState{
		contracts.StateLearn, contracts.StateClosedFailed,
	} {
		_, err := m.Apply(trace, state, 0,
			contracts.MessageRCAReport, json.RawMessage(`{"root_cause":"x"}`))
		var terr *TerminalError
		require.ErrorAs(t, err, &terr, "state %s", state)
	}

	// CLOSE is terminal for everything except the learning handoff.
	_, err := m.Apply(trace, contracts.StateClose, 0,
		contracts.MessageValidationReport, json.RawMessage(`{"pass":true}`))
	var terr *TerminalError
	require.ErrorAs(t, err, &terr)

	out, err := m.Apply(trace, contracts.StateClose, 0,
		contracts.MessageKnowledgeArtifactPublished, json.RawMessage(`{"artifact_id":"ka-1"}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateLearn, out.Final)
}

func TestApplyReportsMissingDecisionField(t *testing.T) {
	m := NewMachine(3)

	_, err := m.Apply(trace, contracts.StatePropose,
		0, contracts.MessageVerificationReport, json.RawMessage(`{"verifier":"chk"}`))

	var perr *PayloadError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "pass", perr.Field)
}
