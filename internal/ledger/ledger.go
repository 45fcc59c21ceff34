// Package ledger is the durable record of every incident session. It is the
// source of truth after a restart; the orchestrator owns the in-memory copy.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"incident_core/internal/config"
	"incident_core/internal/session"
)

const defaultListLimit = 100

// Store wraps SQLite access for session records.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            session_id TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            started_at TIMESTAMP NOT NULL,
            ended_at TIMESTAMP,
            transcript_json TEXT NOT NULL,
            report_json TEXT,
            outcomes_json TEXT NOT NULL,
            failure_reason TEXT,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts or atomically replaces one session record. The upsert keeps
// the previously committed row intact if the write fails partway.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	transcript, err := json.Marshal(sess.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	outcomes, err := json.Marshal(sess.DispatchOutcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	var report any
	if sess.Report != nil {
		buf, err := json.Marshal(sess.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		report = string(buf)
	}
	var reason any
	if sess.FailureReason != "" {
		reason = sess.FailureReason
	}
	var ended any
	if sess.EndedAt != nil {
		ended = *sess.EndedAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions(session_id, state, started_at, ended_at, transcript_json, report_json, outcomes_json, failure_reason, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id) DO UPDATE SET
            state=excluded.state,
            ended_at=excluded.ended_at,
            transcript_json=excluded.transcript_json,
            report_json=excluded.report_json,
            outcomes_json=excluded.outcomes_json,
            failure_reason=excluded.failure_reason,
            updated_at=excluded.updated_at`,
		sess.ID, string(sess.State), sess.StartedAt, ended, string(transcript), report, string(outcomes), reason, sess.UpdatedAt)
	return err
}

// Get returns the stored session or nil when the id was never recorded.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, state, started_at, ended_at, transcript_json, report_json, outcomes_json, failure_reason, updated_at FROM sessions WHERE session_id=?`, id)
	sess, err := scanSession(row.Scan)
	switch err {
	case nil:
		return sess, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// List returns sessions ordered by started_at descending.
func (s *Store) List(ctx context.Context, f session.Filter) ([]session.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT session_id, state, started_at, ended_at, transcript_json, report_json, outcomes_json, failure_reason, updated_at FROM sessions`
	args := []any{}
	if f.State != "" {
		query += ` WHERE state=?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// RecoverInterrupted marks every non-terminal session as failed. Run once at
// startup: the in-memory voice and extraction context of an interrupted
// session cannot be reconstructed, so it is surfaced rather than resumed.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state=?, failure_reason=?, updated_at=? WHERE state NOT IN (?, ?)`,
		string(session.StateFailed), session.ReasonInterrupted, config.Now(),
		string(session.StateClosed), string(session.StateFailed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (*session.Session, error) {
	var sess session.Session
	var state string
	var ended sql.NullTime
	var transcript, outcomes string
	var report, reason sql.NullString
	if err := scan(&sess.ID, &state, &sess.StartedAt, &ended, &transcript, &report, &outcomes, &reason, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.State = session.State(state)
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(transcript), &sess.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(outcomes), &sess.DispatchOutcomes); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	if report.Valid {
		var rep session.Report
		if err := json.Unmarshal([]byte(report.String), &rep); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		sess.Report = &rep
	}
	if reason.Valid {
		sess.FailureReason = reason.String
	}
	return &sess, nil
}
