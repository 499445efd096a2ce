package store

import (
	"context"
	"sort"
	"sync"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// MemoryStore is the in-process backend: a mutex-guarded incident table
// and ledger slice. It is the default for tests and single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*contracts.Incident
	entries   []contracts.AuditEntry
	// byIncident indexes entry positions per incident in commit order.
	byIncident map[string][]int
	// results maps incidentID -> payload digest -> recorded result.
	results  map[string]map[string]*contracts.ProcessingResult
	headHash string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:  make(map[string]*contracts.Incident),
		byIncident: make(map[string][]int),
		results:    make(map[string]map[string]*contracts.ProcessingResult),
		headHash:   GenesisHash,
	}
}

func (m *MemoryStore) GetIncident(_ context.Context, incidentID string) (*contracts.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.incidents[incidentID]
	if !ok {
		return nil, &NotFoundError{TraceID: incidentID}
	}
	return inc.Clone(), nil
}

func (m *MemoryStore) ListIncidents(_ context.Context, filter ListFilter) ([]contracts.IncidentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]contracts.IncidentSummary, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if filter.State != "" && inc.State != filter.State {
			continue
		}
		if filter.IncidentType != "" && inc.IncidentType != filter.IncidentType {
			continue
		}
		if filter.Severity != "" && inc.Severity != filter.Severity {
			continue
		}
		out = append(out, inc.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IncidentID < out[j].IncidentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountIncidents(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.incidents), nil
}

func (m *MemoryStore) CountByState(_ context.Context) (map[contracts.IncidentState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[contracts.IncidentState]int)
	for _, inc := range m.incidents {
		counts[inc.State]++
	}
	return counts, nil
}

func (m *MemoryStore) History(_ context.Context, incidentID string) ([]contracts.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.incidents[incidentID]; !ok {
		return nil, &NotFoundError{TraceID: incidentID}
	}
	idx := m.byIncident[incidentID]
	out := make([]contracts.AuditEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryStore) GlobalAfter(_ context.Context, after uint64, limit int) ([]contracts.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if after > uint64(len(m.entries)) {
		return nil, nil
	}
	out := m.entries[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]contracts.AuditEntry(nil), out...), nil
}

func (m *MemoryStore) RecordedResult(_ context.Context, incidentID, digest string) (*contracts.ProcessingResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[incidentID][digest]
	if !ok {
		return nil, false, nil
	}
	cp := *res
	return &cp, true, nil
}

func (m *MemoryStore) Commit(_ context.Context, set *CommitSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := set.Entry
	entry.GlobalSeq = uint64(len(m.entries)) + 1
	entry.IncidentSeq = uint64(len(m.byIncident[set.Incident.IncidentID])) + 1
	entry.PrevHash = m.headHash

	hash, err := EntryHash(entry)
	if err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	entry.EntryHash = hash

	m.incidents[set.Incident.IncidentID] = set.Incident.Clone()
	m.entries = append(m.entries, *entry)
	m.byIncident[set.Incident.IncidentID] = append(
		m.byIncident[set.Incident.IncidentID], len(m.entries)-1)
	m.headHash = hash

	if set.Result != nil {
		if m.results[set.Incident.IncidentID] == nil {
			m.results[set.Incident.IncidentID] = make(map[string]*contracts.ProcessingResult)
		}
		cp := *set.Result
		m.results[set.Incident.IncidentID][entry.PayloadDigest] = &cp
	}
	return nil
}

func (m *MemoryStore) VerifyChain(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return VerifyEntries(m.entries)
}

func (m *MemoryStore) Close() error { return nil }
