package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/machinenativeops/axm/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLStoreCommitAndReadBack(t *testing.T) {
	s := newSQLiteStore(t)
	id := "watchdog-20260815-a"

	e1 := testCommit(t, s, testIncident(id, contracts.StateTriage), "sha256:d1")
	e2 := testCommit(t, s, testIncident(id, contracts.StateRCA), "sha256:d2")

	assert.Equal(t, uint64(1), e1.GlobalSeq)
	assert.Equal(t, uint64(2), e2.GlobalSeq)
	assert.Equal(t, uint64(2), e2.IncidentSeq)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)

	inc, err := s.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRCA, inc.State)
	assert.Equal(t, []string{"deploy/payments-api"}, inc.AffectedResources)

	history, err := s.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, e1.EntryHash, history[0].EntryHash)
	assert.Equal(t, []contracts.IncidentState{contracts.StateOpen, contracts.StateTriage},
		history[0].Steps)

	require.NoError(t, s.VerifyChain(context.Background()))
}

func TestSQLStoreNotFound(t *testing.T) {
	s := newSQLiteStore(t)

	_, err := s.GetIncident(context.Background(), "watchdog-20260815-x")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = s.History(context.Background(), "watchdog-20260815-x")
	require.ErrorAs(t, err, &nf)
}

func TestSQLStoreRecordedResult(t *testing.T) {
	s := newSQLiteStore(t)
	id := "watchdog-20260815-a"
	testCommit(t, s, testIncident(id, contracts.StateTriage), "sha256:d1")

	res, ok, err := s.RecordedResult(context.Background(), id, "sha256:d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, res.IncidentID)
	assert.Equal(t, contracts.StateTriage, res.State)

	_, ok, err = s.RecordedResult(context.Background(), id, "sha256:unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLStoreListFiltersAndCounts(t *testing.T) {
	s := newSQLiteStore(t)
	a := testIncident("watchdog-20260815-a", contracts.StateTriage)
	b := testIncident("watchdog-20260815-b", contracts.StateRCA)
	b.IncidentType = "disk_full"
	testCommit(t, s, a, "sha256:d1")
	testCommit(t, s, b, "sha256:d2")

	all, err := s.ListIncidents(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListIncidents(context.Background(), ListFilter{
		State: contracts.StateRCA, IncidentType: "disk_full",
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "watchdog-20260815-b", filtered[0].IncidentID)

	limited, err := s.ListIncidents(context.Background(), ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byState, err := s.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, byState[contracts.StateTriage])
	assert.Equal(t, 1, byState[contracts.StateRCA])
}

func TestSQLStoreGlobalAfterPagination(t *testing.T) {
	s := newSQLiteStore(t)
	for _, id := range []string{
		"watchdog-20260815-a", "watchdog-20260815-b", "watchdog-20260815-c",
	} {
		testCommit(t, s, testIncident(id, contracts.StateTriage), "sha256:"+id)
	}

	entries, err := s.GlobalAfter(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].GlobalSeq)
}

func TestSQLStoreCommitAbortsAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("disk failed")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT global_seq, entry_hash FROM audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"global_seq", "entry_hash"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO incidents").WillReturnError(boom)
	mock.ExpectRollback()

	s := NewSQLStore(db)
	inc := testIncident("watchdog-20260815-a", contracts.StateTriage)
	err = s.Commit(context.Background(), &CommitSet{
		Incident: inc,
		Entry: &contracts.AuditEntry{
			EntryID: "e-1", TraceID: inc.IncidentID,
			MessageType: contracts.MessageIncidentSignal,
			NewState:    inc.State, PayloadDigest: "sha256:d1",
			Timestamp: inc.UpdatedAt,
		},
	})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
