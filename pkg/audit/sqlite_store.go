package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	job_id     INTEGER NOT NULL,
	timestamp  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	details    TEXT,
	hash       TEXT NOT NULL,
	prev_hash  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_job ON audit_events(job_id);
`

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the schema and returns a store over db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("audit: init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev Event) error {
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.JobID, ev.Timestamp.Format(time.RFC3339Nano),
		ev.EventType, ev.Actor, ev.Outcome, details, ev.Hash, ev.PrevHash)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash
		 FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLiteStore) EventsForJob(ctx context.Context, jobID uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash
		 FROM audit_events WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("audit: query job events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			ts      string
			details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ts, &ev.EventType, &ev.Actor,
			&ev.Outcome, &details, &ev.Hash, &ev.PrevHash); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("audit: parse details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func marshalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("audit: marshal details: %w", err)
	}
	return string(data), nil
}
