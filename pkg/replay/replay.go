// Package replay rebuilds incident state from the audit ledger and checks
// it against the store. An incident's state and retry count must be exactly
// the fold of its audit entries; any divergence means a mutation happened
// outside a recorded transition.
package replay

import (
	"context"
	"fmt"

	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/machinenativeops/axm/pkg/store"
)

// Rebuild folds an incident's audit entries in incident_seq order and
// returns the state and retry count they reproduce.
func Rebuild(entries []contracts.AuditEntry) (contracts.IncidentState, int, error) {
	if len(entries) == 0 {
		return "", 0, fmt.Errorf("no entries to replay")
	}

	retryCount := 0
	var state contracts.IncidentState
	for i, e := range entries {
		if e.IncidentSeq != uint64(i)+1 {
			return "", 0, fmt.Errorf("incident_seq gap at position %d: got %d", i, e.IncidentSeq)
		}
		if i == 0 {
			if e.PriorState != "" {
				return "", 0, fmt.Errorf("first entry has prior state %s, expected creation", e.PriorState)
			}
		} else if e.PriorState != state {
			return "", 0, fmt.Errorf("entry %d prior state %s does not follow %s",
				e.IncidentSeq, e.PriorState, state)
		}
		if len(e.Steps) > 1 && e.Steps[len(e.Steps)-1] != e.NewState {
			return "", 0, fmt.Errorf("entry %d steps end in %s, new state is %s",
				e.IncidentSeq, e.Steps[len(e.Steps)-1], e.NewState)
		}
		state = e.NewState
		retryCount += e.RetryDelta
	}
	return state, retryCount, nil
}

// Auditor checks replay determinism and ledger integrity against a store.
type Auditor struct {
	store store.Store
}

// NewAuditor wraps a store.
func NewAuditor(st store.Store) *Auditor {
	return &Auditor{store: st}
}

// CheckIncident replays one incident's history and compares the result to
// its stored state and retry count.
func (a *Auditor) CheckIncident(ctx context.Context, incidentID string) error {
	inc, err := a.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	history, err := a.store.History(ctx, incidentID)
	if err != nil {
		return err
	}
	state, retryCount, err := Rebuild(history)
	if err != nil {
		return fmt.Errorf("incident %s: %w", incidentID, err)
	}
	if state != inc.State {
		return fmt.Errorf("incident %s: replay produced state %s, store holds %s",
			incidentID, state, inc.State)
	}
	if retryCount != inc.RetryCount {
		return fmt.Errorf("incident %s: replay produced retry_count %d, store holds %d",
			incidentID, retryCount, inc.RetryCount)
	}
	return nil
}

// CheckAll verifies the global hash chain and replays every incident.
func (a *Auditor) CheckAll(ctx context.Context) error {
	if err := a.store.VerifyChain(ctx); err != nil {
		return err
	}
	summaries, err := a.store.ListIncidents(ctx, store.ListFilter{})
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if err := a.CheckIncident(ctx, s.IncidentID); err != nil {
			return err
		}
	}
	return nil
}
