package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/machinenativeops/axm/pkg/envelope"
	"github.com/machinenativeops/axm/pkg/lifecycle"
	"github.com/machinenativeops/axm/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(st store.Store) *Router {
	return NewRouter(st, lifecycle.NewMachine(3)).
		WithClock(func() time.Time {
			return time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
		})
}

func makeEnvelope(traceID string, mt contracts.MessageType, payload string) *contracts.Envelope {
	return &contracts.Envelope{
		Meta: contracts.Meta{
			TraceID:       traceID,
			SourceAgent:   "watchdog",
			TargetAgent:   "orchestrator",
			MessageType:   mt,
			SchemaVersion: "1.0.0",
		},
		Context: contracts.Context{Namespace: "payments", Cluster: "prod-eu-1", Urgency: "P1"},
		Payload: json.RawMessage(payload),
	}
}

func submit(t *testing.T, r *Router, env *contracts.Envelope) (*contracts.ProcessingResult, error) {
	t.Helper()
	digest, err := envelope.PayloadDigest(env)
	require.NoError(t, err)
	return r.Process(context.Background(), env, digest)
}

var happyPath = []struct {
	mt      contracts.MessageType
	payload string
	state   contracts.IncidentState
}{
	{contracts.MessageIncidentSignal, `{"incident_type":"oom","severity":"high"}`, contracts.StateTriage},
	{contracts.MessageRCAReport, `{"root_cause":"leak"}`, contracts.StateRCA},
	{contracts.MessageFixProposal, `{"proposal":"bump limit"}`, contracts.StatePropose},
	{contracts.MessageVerificationReport, `{"pass":true}`, contracts.StateApprove},
	{contracts.MessageExecutionResult, `{"success":true}`, contracts.StateValidate},
	{contracts.MessageValidationReport, `{"pass":true}`, contracts.StateClose},
}

func TestProcessHappyPathProducesSixOrderedEntries(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-abc"

	for _, step := range happyPath {
		res, err := submit(t, r, makeEnvelope(id, step.mt, step.payload))
		require.NoError(t, err, "message %s", step.mt)
		assert.Equal(t, step.state, res.State)
	}

	history, err := st.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 6)
	for i, e := range history {
		assert.Equal(t, uint64(i)+1, e.IncidentSeq)
		assert.Equal(t, happyPath[i].mt, e.MessageType)
		assert.Equal(t, happyPath[i].state, e.NewState)
	}
	// The creation entry has no prior state; later entries chain exactly.
	assert.Empty(t, history[0].PriorState)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewState, history[i].PriorState)
	}

	require.NoError(t, st.VerifyChain(context.Background()))
}

func TestProcessDuplicateSignalIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-dup"
	env := makeEnvelope(id, contracts.MessageIncidentSignal, `{"incident_type":"oom","severity":"high"}`)

	first, err := submit(t, r, env)
	require.NoError(t, err)
	second, err := submit(t, r, env)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	n, err := st.CountIncidents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := st.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProcessRejectsReportBeforeSignal(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)

	_, err := submit(t, r, makeEnvelope("axm-20251221-none",
		contracts.MessageRCAReport, `{"root_cause":"leak"}`))

	var nf *store.NotFoundError
	require.ErrorAs(t, err, &nf)

	n, err := st.CountIncidents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := st.GlobalAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessVerificationFailureIncrementsRetryCount(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-retry"

	for _, step := range happyPath[:3] {
		_, err := submit(t, r, makeEnvelope(id, step.mt, step.payload))
		require.NoError(t, err)
	}

	res, err := submit(t, r, makeEnvelope(id,
		contracts.MessageVerificationReport, `{"pass":false,"findings":["flaky"]}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatePropose, res.State)

	inc, err := st.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatePropose, inc.State)
	assert.Equal(t, 1, inc.RetryCount)
}

func TestProcessOutOfOrderMessageIsRejectedNotApplied(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-ooo"

	_, err := submit(t, r, makeEnvelope(id, contracts.MessageIncidentSignal,
		`{"incident_type":"oom","severity":"high"}`))
	require.NoError(t, err)

	_, err = submit(t, r, makeEnvelope(id, contracts.MessageVerificationReport, `{"pass":true}`))
	var terr *lifecycle.TransitionError
	require.ErrorAs(t, err, &terr)

	inc, err := st.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateTriage, inc.State)

	history, err := st.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProcessTerminalIncidentRejectsFurtherMessages(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-term"

	for _, step := range happyPath {
		_, err := submit(t, r, makeEnvelope(id, step.mt, step.payload))
		require.NoError(t, err)
	}
	_, err := submit(t, r, makeEnvelope(id,
		contracts.MessageKnowledgeArtifactPublished, `{"artifact_id":"ka-1"}`))
	require.NoError(t, err)

	_, err = submit(t, r, makeEnvelope(id, contracts.MessageRCAReport, `{"root_cause":"again"}`))
	var terr *lifecycle.TerminalError
	require.ErrorAs(t, err, &terr)

	inc, err := st.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateLearn, inc.State)
}

func TestProcessRollbackRetriesThenFailsClosed(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-roll"

	_, err := submit(t, r, makeEnvelope(id, contracts.MessageIncidentSignal,
		`{"incident_type":"oom","severity":"high"}`))
	require.NoError(t, err)

	// One cycle walks TRIAGE to ROLLBACK, spending one retry on a failed
	// verification along the way. Payloads carry the round number so no
	// message replays a previous round's digest.
	cycle := func(round int) {
		for _, m := range []struct {
			mt      contracts.MessageType
			payload string
		}{
			{contracts.MessageRCAReport, fmt.Sprintf(`{"root_cause":"leak","analysis":"round %d"}`, round)},
			{contracts.MessageFixProposal, fmt.Sprintf(`{"proposal":"fix %d"}`, round)},
			{contracts.MessageVerificationReport, fmt.Sprintf(`{"pass":false,"findings":["round %d"]}`, round)},
			{contracts.MessageVerificationReport, fmt.Sprintf(`{"pass":true,"verifier":"v%d"}`, round)},
			{contracts.MessageExecutionResult, fmt.Sprintf(`{"success":false,"error":"round %d"}`, round)},
		} {
			_, err := submit(t, r, makeEnvelope(id, m.mt, m.payload))
			require.NoError(t, err, "round %d message %s", round, m.mt)
		}
	}

	var res *contracts.ProcessingResult
	for round := 1; round <= 3; round++ {
		cycle(round)

		inc, err := st.GetIncident(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StateRollback, inc.State)
		assert.Equal(t, round, inc.RetryCount)

		res, err = submit(t, r, makeEnvelope(id, contracts.MessageRollbackCompleted,
			fmt.Sprintf(`{"reverted":true,"details":"round %d"}`, round)))
		require.NoError(t, err)
	}

	// Rounds one and two return to TRIAGE; the third exhausts the budget.
	assert.Equal(t, contracts.StateClosedFailed, res.State)

	_, err = submit(t, r, makeEnvelope(id, contracts.MessageRCAReport, `{"root_cause":"late"}`))
	var terr *lifecycle.TerminalError
	require.ErrorAs(t, err, &terr)
}

func TestProcessConcurrentDistinctSignals(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := makeEnvelope(fmt.Sprintf("axm-20251221-c%03d", i),
				contracts.MessageIncidentSignal, `{"incident_type":"oom","severity":"high"}`)
			digest, err := envelope.PayloadDigest(env)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = r.Process(context.Background(), env, digest)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "signal %d", i)
	}

	count, err := st.CountIncidents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, count)

	byState, err := st.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, byState[contracts.StateTriage])

	entries, err := st.GlobalAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, uint64(i)+1, e.GlobalSeq)
	}
	require.NoError(t, st.VerifyChain(context.Background()))
}

func TestProcessConcurrentRacingMessagesSettleToTotalOrder(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRouter(st)
	id := "axm-20251221-race"

	_, err := submit(t, r, makeEnvelope(id, contracts.MessageIncidentSignal,
		`{"incident_type":"oom","severity":"high"}`))
	require.NoError(t, err)

	// 49 racing messages: a plausible forward sequence plus duplicates and
	// out-of-order strays. Every one either applies, replays, or is
	// rejected whole; none may partially apply.
	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		step := happyPath[1+i%5]
		wg.Add(1)
		go func(mt contracts.MessageType, payload string) {
			defer wg.Done()
			env := makeEnvelope(id, mt, payload)
			digest, err := envelope.PayloadDigest(env)
			if err != nil {
				return
			}
			_, _ = r.Process(context.Background(), env, digest)
		}(step.mt, step.payload)
	}
	wg.Wait()

	inc, err := st.GetIncident(context.Background(), id)
	require.NoError(t, err)

	history, err := st.History(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	// incident_seq is gapless and each entry's prior state is the previous
	// entry's new state: a witness of some total order of application.
	for i, e := range history {
		assert.Equal(t, uint64(i)+1, e.IncidentSeq)
		if i > 0 {
			assert.Equal(t, history[i-1].NewState, e.PriorState)
		}
	}
	assert.Equal(t, inc.State, history[len(history)-1].NewState)
	require.NoError(t, st.VerifyChain(context.Background()))
}

func TestProcessLockTimeoutReturnsBusy(t *testing.T) {
	gate := make(chan struct{})
	st := &gatedStore{Store: store.NewMemoryStore(), gate: gate}
	r := newTestRouter(st).WithLockTimeout(25 * time.Millisecond)
	id := "axm-20251221-busy"

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.signalOnce(started)
		env := makeEnvelope(id, contracts.MessageIncidentSignal,
			`{"incident_type":"oom","severity":"high"}`)
		digest, _ := envelope.PayloadDigest(env)
		_, _ = r.Process(context.Background(), env, digest)
	}()

	<-started // first request holds the lock inside GetIncident

	env := makeEnvelope(id, contracts.MessageRCAReport, `{"root_cause":"leak"}`)
	digest, err := envelope.PayloadDigest(env)
	require.NoError(t, err)
	_, err = r.Process(context.Background(), env, digest)

	var busy *ConcurrencyTimeoutError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, id, busy.TraceID)

	close(gate)
	<-done
}

// gatedStore blocks the first GetIncident until its gate opens, keeping
// the caller inside the incident lock.
type gatedStore struct {
	store.Store
	gate    chan struct{}
	mu      sync.Mutex
	started chan struct{}
	first   bool
}

func (g *gatedStore) signalOnce(started chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = started
}

func (g *gatedStore) GetIncident(ctx context.Context, id string) (*contracts.Incident, error) {
	g.mu.Lock()
	block := !g.first
	g.first = true
	started := g.started
	g.mu.Unlock()
	if block {
		if started != nil {
			close(started)
		}
		<-g.gate
	}
	return g.Store.GetIncident(ctx, id)
}
