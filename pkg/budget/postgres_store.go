package budget

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	_ "github.com/lib/pq"
)

// PostgresStore persists budget entries in PostgreSQL for multi-node
// deployments. Decimals are stored as TEXT so no precision is lost.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and its schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS privacy_budgets (
		category TEXT PRIMARY KEY,
		consumed TEXT NOT NULL,
		eps_limit TEXT NOT NULL,
		reset_at TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) SaveEntry(ctx context.Context, e Entry) error {
	query := `
	INSERT INTO privacy_budgets (category, consumed, eps_limit, reset_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (category) DO UPDATE SET
		consumed = EXCLUDED.consumed,
		eps_limit = EXCLUDED.eps_limit,
		reset_at = EXCLUDED.reset_at`

	_, err := s.db.ExecContext(ctx, query,
		e.Category, e.Consumed.String(), e.Limit.String(), e.ResetAt.UTC())
	if err != nil {
		return fmt.Errorf("budget: save entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, consumed, eps_limit, reset_at FROM privacy_budgets`)
	if err != nil {
		return nil, fmt.Errorf("budget: load entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var consumed, limit string
		if err := rows.Scan(&e.Category, &consumed, &limit, &e.ResetAt); err != nil {
			return nil, fmt.Errorf("budget: scan entry: %w", err)
		}
		if e.Consumed, err = decimal.NewFromString(consumed); err != nil {
			return nil, fmt.Errorf("budget: parse consumed: %w", err)
		}
		if e.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("budget: parse limit: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
