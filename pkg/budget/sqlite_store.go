package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists budget entries in SQLite. Decimals are stored as TEXT
// so no precision is lost to floating point.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS privacy_budgets (
		category TEXT PRIMARY KEY,
		consumed TEXT NOT NULL,
		eps_limit TEXT NOT NULL,
		reset_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SaveEntry(ctx context.Context, e Entry) error {
	query := `
	INSERT INTO privacy_budgets (category, consumed, eps_limit, reset_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(category) DO UPDATE SET
		consumed = excluded.consumed,
		eps_limit = excluded.eps_limit,
		reset_at = excluded.reset_at`

	_, err := s.db.ExecContext(ctx, query,
		e.Category, e.Consumed.String(), e.Limit.String(), e.ResetAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("budget: save entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, consumed, eps_limit, reset_at FROM privacy_budgets`)
	if err != nil {
		return nil, fmt.Errorf("budget: load entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var consumed, limit, resetAt string
		if err := rows.Scan(&e.Category, &consumed, &limit, &resetAt); err != nil {
			return nil, fmt.Errorf("budget: scan entry: %w", err)
		}
		if e.Consumed, err = decimal.NewFromString(consumed); err != nil {
			return nil, fmt.Errorf("budget: parse consumed: %w", err)
		}
		if e.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("budget: parse limit: %w", err)
		}
		if e.ResetAt, err = time.Parse(time.RFC3339Nano, resetAt); err != nil {
			return nil, fmt.Errorf("budget: parse reset_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
