package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	job_id     BIGINT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	details    JSONB,
	hash       TEXT NOT NULL,
	prev_hash  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_job ON audit_events(job_id);
`

// PostgresStore persists audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore initializes the schema and returns a store over db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("audit: init postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveEvent(ctx context.Context, ev Event) error {
	details, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	var detailsArg any
	if details != "" {
		detailsArg = details
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, int64(ev.JobID), ev.Timestamp, ev.EventType, ev.Actor, ev.Outcome,
		detailsArg, ev.Hash, ev.PrevHash)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash
		 FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	return scanPGEvents(rows)
}

func (s *PostgresStore) EventsForJob(ctx context.Context, jobID uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, event_type, actor, outcome, details, hash, prev_hash
		 FROM audit_events WHERE job_id = $1 ORDER BY seq`, int64(jobID))
	if err != nil {
		return nil, fmt.Errorf("audit: query job events: %w", err)
	}
	return scanPGEvents(rows)
}

func scanPGEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			jobID   int64
			details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &jobID, &ev.Timestamp, &ev.EventType, &ev.Actor,
			&ev.Outcome, &details, &ev.Hash, &ev.PrevHash); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.JobID = uint64(jobID)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("audit: parse details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
