package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

const timeLayout = time.RFC3339Nano

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             INTEGER PRIMARY KEY,
	requester      TEXT NOT NULL,
	dataset_handle TEXT NOT NULL,
	category       TEXT NOT NULL,
	circuit_id     TEXT NOT NULL,
	epsilon        TEXT NOT NULL,
	state          TEXT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	result_hash    TEXT NOT NULL DEFAULT '',
	proof          TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	submitted_at   TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	deadline       TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore persists jobs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the schema and returns a store over db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("jobs: init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job Job) error {
	proof, err := marshalProof(job.Proof)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, requester, dataset_handle, category, circuit_id, epsilon, state,
		                   reservation_id, result_hash, proof, failure_reason, submitted_at, updated_at, deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   reservation_id = excluded.reservation_id,
		   result_hash = excluded.result_hash,
		   proof = excluded.proof,
		   failure_reason = excluded.failure_reason,
		   updated_at = excluded.updated_at,
		   deadline = excluded.deadline`,
		job.ID, job.Requester, job.DatasetHandle, job.Category, job.CircuitID,
		job.Epsilon.String(), string(job.State), job.ReservationID, job.ResultHash,
		proof, job.FailureReason,
		job.SubmittedAt.UTC().Format(timeLayout),
		job.UpdatedAt.UTC().Format(timeLayout),
		formatDeadline(job.Deadline))
	if err != nil {
		return fmt.Errorf("jobs: save job %d: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uint64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, requester, dataset_handle, category, circuit_id, epsilon, state,
		        reservation_id, result_hash, proof, failure_reason, submitted_at, updated_at, deadline
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) Jobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requester, dataset_handle, category, circuit_id, epsilon, state,
		        reservation_id, result_hash, proof, failure_reason, submitted_at, updated_at, deadline
		 FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("jobs: query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("jobs: max id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job                     Job
		epsilon                 string
		state                   string
		proof                   sql.NullString
		submitted, updated, ddl string
	)
	err := row.Scan(&job.ID, &job.Requester, &job.DatasetHandle, &job.Category,
		&job.CircuitID, &epsilon, &state, &job.ReservationID, &job.ResultHash,
		&proof, &job.FailureReason, &submitted, &updated, &ddl)
	if err != nil {
		return Job{}, err
	}

	eps, err := decimal.NewFromString(epsilon)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: parse epsilon %q: %w", epsilon, err)
	}
	job.Epsilon = eps
	job.State = State(state)

	if job.SubmittedAt, err = time.Parse(timeLayout, submitted); err != nil {
		return Job{}, fmt.Errorf("jobs: parse submitted_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Job{}, fmt.Errorf("jobs: parse updated_at: %w", err)
	}
	if ddl != "" {
		if job.Deadline, err = time.Parse(timeLayout, ddl); err != nil {
			return Job{}, fmt.Errorf("jobs: parse deadline: %w", err)
		}
	}
	if proof.Valid && proof.String != "" {
		var p zkproof.Proof
		if err := json.Unmarshal([]byte(proof.String), &p); err != nil {
			return Job{}, fmt.Errorf("jobs: parse proof: %w", err)
		}
		job.Proof = &p
	}
	return job, nil
}

func marshalProof(p *zkproof.Proof) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal proof: %w", err)
	}
	return string(data), nil
}

func formatDeadline(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
