package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/machinenativeops/axm/pkg/contracts"
)

// SQLStore implements Store on database/sql. It supports both Postgres and
// SQLite via standard drivers; placeholders use the $N form, which both
// lib/pq and modernc.org/sqlite accept.
type SQLStore struct {
	db *sql.DB
	// commitMu serializes commits so global_seq stays gapless without
	// relying on backend-specific sequence features.
	commitMu sync.Mutex
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	incident_type TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	affected_resources TEXT NOT NULL DEFAULT '[]',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	global_seq INTEGER PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	incident_seq INTEGER NOT NULL,
	trace_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	prior_state TEXT NOT NULL DEFAULT '',
	new_state TEXT NOT NULL,
	steps TEXT NOT NULL DEFAULT '[]',
	source_agent TEXT NOT NULL DEFAULT '',
	retry_delta INTEGER NOT NULL DEFAULT 0,
	payload_digest TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	ts TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS audit_entries_incident_seq
	ON audit_entries (trace_id, incident_seq);

CREATE TABLE IF NOT EXISTS processed_digests (
	incident_id TEXT NOT NULL,
	payload_digest TEXT NOT NULL,
	result TEXT NOT NULL,
	PRIMARY KEY (incident_id, payload_digest)
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return &PersistenceError{Op: "init schema", Err: err}
	}
	return nil
}

const incidentColumns = `incident_id, state, incident_type, severity, title, description,
	affected_resources, retry_count, created_by, created_at, updated_at`

func (s *SQLStore) GetIncident(ctx context.Context, incidentID string) (*contracts.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE incident_id = $1`
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, incidentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{TraceID: incidentID}
		}
		return nil, &PersistenceError{Op: "get incident", Err: err}
	}
	return inc, nil
}

func (s *SQLStore) ListIncidents(ctx context.Context, filter ListFilter) ([]contracts.IncidentSummary, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var conds []string
	var args []interface{}
	add := func(col, val string) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.State != "" {
		add("state", string(filter.State))
	}
	if filter.IncidentType != "" {
		add("incident_type", filter.IncidentType)
	}
	if filter.Severity != "" {
		add("severity", filter.Severity)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, incident_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list incidents", Err: err}
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.IncidentSummary, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list incidents", Err: err}
		}
		out = append(out, inc.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list incidents", Err: err}
	}
	return out, nil
}

func (s *SQLStore) CountIncidents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&n)
	if err != nil {
		return 0, &PersistenceError{Op: "count incidents", Err: err}
	}
	return n, nil
}

func (s *SQLStore) CountByState(ctx context.Context) (map[contracts.IncidentState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM incidents GROUP BY state`)
	if err != nil {
		return nil, &PersistenceError{Op: "count by state", Err: err}
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.IncidentState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, &PersistenceError{Op: "count by state", Err: err}
		}
		counts[contracts.IncidentState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "count by state", Err: err}
	}
	return counts, nil
}

const entryColumns = `global_seq, entry_id, incident_seq, trace_id, message_type, prior_state,
	new_state, steps, source_agent, retry_delta, payload_digest, entry_hash, prev_hash, ts`

func (s *SQLStore) History(ctx context.Context, incidentID string) ([]contracts.AuditEntry, error) {
	if _, err := s.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE trace_id = $1 ORDER BY incident_seq`
	return s.queryEntries(ctx, "history", query, incidentID)
}

func (s *SQLStore) GlobalAfter(ctx context.Context, after uint64, limit int) ([]contracts.AuditEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE global_seq > $1 ORDER BY global_seq`
	args := []interface{}{after}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}
	return s.queryEntries(ctx, "global after", query, args...)
}

func (s *SQLStore) RecordedResult(ctx context.Context, incidentID, digest string) (*contracts.ProcessingResult, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM processed_digests WHERE incident_id = $1 AND payload_digest = $2`,
		incidentID, digest).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &PersistenceError{Op: "recorded result", Err: err}
	}
	var res contracts.ProcessingResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false, &PersistenceError{Op: "recorded result", Err: err}
	}
	return &res, true, nil
}

func (s *SQLStore) Commit(ctx context.Context, set *CommitSet) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin commit", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	// Chain head: highest global_seq and its hash.
	var headSeq uint64
	headHash := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT global_seq, entry_hash FROM audit_entries ORDER BY global_seq DESC LIMIT 1`).
		Scan(&headSeq, &headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &PersistenceError{Op: "read chain head", Err: err}
	}

	var incidentSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE trace_id = $1`, set.Entry.TraceID).
		Scan(&incidentSeq)
	if err != nil {
		return &PersistenceError{Op: "read incident seq", Err: err}
	}

	entry := set.Entry
	entry.GlobalSeq = headSeq + 1
	entry.IncidentSeq = incidentSeq + 1
	entry.PrevHash = headHash
	entry.EntryHash, err = EntryHash(entry)
	if err != nil {
		return &PersistenceError{Op: "hash entry", Err: err}
	}

	inc := set.Incident
	resources, err := json.Marshal(inc.AffectedResources)
	if err != nil {
		return &PersistenceError{Op: "marshal resources", Err: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (incident_id) DO UPDATE SET
			state = $2, retry_count = $8, updated_at = $11`,
		inc.IncidentID, string(inc.State), inc.IncidentType, inc.Severity,
		inc.Title, inc.Description, string(resources), inc.RetryCount,
		inc.CreatedBy, formatTime(inc.CreatedAt), formatTime(inc.UpdatedAt),
	)
	if err != nil {
		return &PersistenceError{Op: "write incident", Err: err}
	}

	steps, err := json.Marshal(entry.Steps)
	if err != nil {
		return &PersistenceError{Op: "marshal steps", Err: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.GlobalSeq, entry.EntryID, entry.IncidentSeq, entry.TraceID,
		string(entry.MessageType), string(entry.PriorState), string(entry.NewState),
		string(steps), entry.SourceAgent, entry.RetryDelta, entry.PayloadDigest,
		entry.EntryHash, entry.PrevHash, formatTime(entry.Timestamp),
	)
	if err != nil {
		return &PersistenceError{Op: "append entry", Err: err}
	}

	if set.Result != nil {
		result, err := json.Marshal(set.Result)
		if err != nil {
			return &PersistenceError{Op: "marshal result", Err: err}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO processed_digests (incident_id, payload_digest, result)
			VALUES ($1, $2, $3)`,
			inc.IncidentID, entry.PayloadDigest, string(result),
		)
		if err != nil {
			return &PersistenceError{Op: "record digest", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (s *SQLStore) VerifyChain(ctx context.Context) error {
	entries, err := s.GlobalAfter(ctx, 0, 0)
	if err != nil {
		return err
	}
	return VerifyEntries(entries)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) queryEntries(ctx context.Context, op, query string, args ...interface{}) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.AuditEntry, 0)
	for rows.Next() {
		var e contracts.AuditEntry
		var mt, prior, newState, steps, ts string
		err := rows.Scan(&e.GlobalSeq, &e.EntryID, &e.IncidentSeq, &e.TraceID,
			&mt, &prior, &newState, &steps, &e.SourceAgent, &e.RetryDelta,
			&e.PayloadDigest, &e.EntryHash, &e.PrevHash, &ts)
		if err != nil {
			return nil, &PersistenceError{Op: op, Err: err}
		}
		e.MessageType = contracts.MessageType(mt)
		e.PriorState = contracts.IncidentState(prior)
		e.NewState = contracts.IncidentState(newState)
		if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
			return nil, &PersistenceError{Op: op, Err: err}
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, &PersistenceError{Op: op, Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

// rowScanner lets scanIncident serve both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*contracts.Incident, error) {
	var inc contracts.Incident
	var state, resources, created, updated string
	err := row.Scan(&inc.IncidentID, &state, &inc.IncidentType, &inc.Severity,
		&inc.Title, &inc.Description, &resources, &inc.RetryCount,
		&inc.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	inc.State = contracts.IncidentState(state)
	if err := json.Unmarshal([]byte(resources), &inc.AffectedResources); err != nil {
		return nil, err
	}
	if inc.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if inc.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &inc, nil
}

// Timestamps are stored as RFC 3339 text so the same schema round-trips
// identically on SQLite and Postgres and entry hashes stay reproducible.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
