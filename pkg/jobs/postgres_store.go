package jobs

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             BIGINT PRIMARY KEY,
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
)`

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore initializes the schema and returns a store over db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("jobs: init postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job Job) error {
	proof, err := marshalProof(job.Proof)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, requester, dataset_handle, category, circuit_id, epsilon, state,
		                   reservation_id, result_hash, proof, failure_reason, submitted_at, updated_at, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   reservation_id = EXCLUDED.reservation_id,
		   result_hash = EXCLUDED.result_hash,
		   proof = EXCLUDED.proof,
		   failure_reason = EXCLUDED.failure_reason,
		   updated_at = EXCLUDED.updated_at,
		   deadline = EXCLUDED.deadline`,
		int64(job.ID), job.Requester, job.DatasetHandle, job.Category, job.CircuitID,
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

func (s *PostgresStore) GetJob(ctx context.Context, id uint64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, requester, dataset_handle, category, circuit_id, epsilon, state,
		        reservation_id, result_hash, proof, failure_reason, submitted_at, updated_at, deadline
		 FROM jobs WHERE id = $1`, int64(id))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) Jobs(ctx context.Context) ([]Job, error) {
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

func (s *PostgresStore) MaxID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("jobs: max id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}
