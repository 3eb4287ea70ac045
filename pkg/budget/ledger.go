// Package budget implements the per-category differential-privacy budget
// ledger. Epsilon amounts are exact decimals, never floats, so accounting
// stays auditable.
//
// Admission reserves budget provisionally; only Finalize-time commits spend
// it. Reservations for a single category are serialized so two concurrent
// jobs can never jointly overspend the remaining budget.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deterministic error codes for budget rejections.
const (
	CodeInsufficientBudget = "ERR_BUDGET_INSUFFICIENT"
	CodeResetNotDue        = "ERR_BUDGET_RESET_NOT_DUE"
)

var (
	// ErrUnknownCategory is returned for operations on an unconfigured category.
	ErrUnknownCategory = errors.New("budget: unknown category")
	// ErrUnknownReservation is returned when committing or releasing an unknown id.
	ErrUnknownReservation = errors.New("budget: unknown reservation")
	// ErrNonPositiveEpsilon is returned when the requested epsilon is zero or negative.
	ErrNonPositiveEpsilon = errors.New("budget: epsilon must be positive")
	// ErrResetNotDue is returned when ResetPeriod is called before the reset time.
	ErrResetNotDue = errors.New("budget: reset not due")
)

// InsufficientBudgetError is a typed rejection carrying the exact amounts.
type InsufficientBudgetError struct {
	Category  string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("%s: category %q requested ε=%s but only ε=%s remains",
		CodeInsufficientBudget, e.Category, e.Requested, e.Remaining)
}

// Code returns the deterministic error code.
func (e *InsufficientBudgetError) Code() string { return CodeInsufficientBudget }

// Entry is the durable budget state for one data category.
type Entry struct {
	Category string          `json:"category"`
	Consumed decimal.Decimal `json:"consumed"`
	Limit    decimal.Decimal `json:"limit"`
	ResetAt  time.Time       `json:"reset_at"`
}

// Reservation is a provisional budget hold created at job admission.
type Reservation struct {
	ID        string          `json:"id"`
	Category  string          `json:"category"`
	Epsilon   decimal.Decimal `json:"epsilon"`
	CreatedAt time.Time       `json:"created_at"`
}

type categoryState struct {
	mu    sync.Mutex
	entry Entry
	open  map[string]Reservation // reservation id -> hold
}

func (c *categoryState) openTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range c.open {
		total = total.Add(r.Epsilon)
	}
	return total
}

// Ledger tracks consumable privacy budget per data category.
type Ledger struct {
	mu    sync.RWMutex // guards cats map
	cats  map[string]*categoryState
	idxMu sync.Mutex        // guards index
	index map[string]string // reservation id -> category

	store  Store
	period time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger persisting entries through store. period is the
// fixed budget reset period (e.g. 30 days).
func NewLedger(store Store, period time.Duration) *Ledger {
	return &Ledger{
		cats:   make(map[string]*categoryState),
		index:  make(map[string]string),
		store:  store,
		period: period,
		clock:  time.Now,
		logger: slog.Default().With("component", "budget"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Restore loads persisted entries. Open reservations are deliberately NOT
// restored: a crash before finalize refunds the hold.
func (l *Ledger) Restore(ctx context.Context) error {
	entries, err := l.store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("budget: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.cats[e.Category] = &categoryState{entry: e, open: make(map[string]Reservation)}
	}
	return nil
}

// EnsureCategory creates or updates the budget entry for a category.
// New categories start with consumed=0 and a reset one period out.
func (l *Ledger) EnsureCategory(ctx context.Context, category string, limit decimal.Decimal) error {
	if category == "" {
		return errors.New("budget: category must not be empty")
	}
	if !limit.IsPositive() {
		return errors.New("budget: limit must be positive")
	}

	l.mu.Lock()
	cat, ok := l.cats[category]
	if !ok {
		cat = &categoryState{
			entry: Entry{
				Category: category,
				Consumed: decimal.Zero,
				Limit:    limit,
				ResetAt:  l.clock().Add(l.period),
			},
			open: make(map[string]Reservation),
		}
		l.cats[category] = cat
	}
	l.mu.Unlock()

	cat.mu.Lock()
	cat.entry.Limit = limit
	entry := cat.entry
	cat.mu.Unlock()

	return l.store.SaveEntry(ctx, entry)
}

func (l *Ledger) category(name string) (*categoryState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cat, ok := l.cats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
	return cat, nil
}

// CheckAndReserve atomically checks the remaining budget of a category and
// places a provisional hold. Reserved-but-uncommitted weight counts against
// the remaining budget, so concurrent reservations can never jointly exceed
// the limit. The hold stays provisional until Commit or Release.
func (l *Ledger) CheckAndReserve(_ context.Context, category string, epsilon decimal.Decimal) (*Reservation, error) {
	if !epsilon.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrNonPositiveEpsilon, epsilon)
	}

	cat, err := l.category(category)
	if err != nil {
		return nil, err
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	remaining := cat.entry.Limit.Sub(cat.entry.Consumed).Sub(cat.openTotal())
	if epsilon.GreaterThan(remaining) {
		return nil, &InsufficientBudgetError{Category: category, Requested: epsilon, Remaining: remaining}
	}

	res := Reservation{
		ID:        uuid.New().String(),
		Category:  category,
		Epsilon:   epsilon,
		CreatedAt: l.clock(),
	}
	cat.open[res.ID] = res

	l.idxMu.Lock()
	l.index[res.ID] = category
	l.idxMu.Unlock()

	return &res, nil
}

func (l *Ledger) take(reservationID string) (*categoryState, Reservation, error) {
	l.idxMu.Lock()
	category, ok := l.index[reservationID]
	l.idxMu.Unlock()
	if !ok {
		return nil, Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}

	cat, err := l.category(category)
	if err != nil {
		return nil, Reservation{}, err
	}

	cat.mu.Lock()
	res, ok := cat.open[reservationID]
	if !ok {
		cat.mu.Unlock()
		return nil, Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	return cat, res, nil // caller must unlock cat.mu
}

func (l *Ledger) drop(cat *categoryState, reservationID string) {
	delete(cat.open, reservationID)
	l.idxMu.Lock()
	delete(l.index, reservationID)
	l.idxMu.Unlock()
}

// Commit finalizes a reservation, durably consuming its epsilon.
// The consumed ≤ limit invariant holds by construction: the hold was checked
// against the remaining budget when it was placed.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	cat, res, err := l.take(reservationID)
	if err != nil {
		return err
	}
	defer cat.mu.Unlock()

	cat.entry.Consumed = cat.entry.Consumed.Add(res.Epsilon)
	l.drop(cat, reservationID)

	if err := l.store.SaveEntry(ctx, cat.entry); err != nil {
		return fmt.Errorf("budget: persist commit: %w", err)
	}
	return nil
}

// Release undoes a provisional reservation so rejected or failed jobs never
// consume budget.
func (l *Ledger) Release(_ context.Context, reservationID string) error {
	cat, _, err := l.take(reservationID)
	if err != nil {
		return err
	}
	defer cat.mu.Unlock()

	l.drop(cat, reservationID)
	return nil
}

// ResetPeriod zeroes consumption for a category once its reset time has been
// reached, and advances the reset time by the fixed period. Calling early
// fails with ErrResetNotDue; resets never happen implicitly.
func (l *Ledger) ResetPeriod(ctx context.Context, category string) error {
	cat, err := l.category(category)
	if err != nil {
		return err
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	now := l.clock()
	if now.Before(cat.entry.ResetAt) {
		return fmt.Errorf("%w: next reset at %s", ErrResetNotDue, cat.entry.ResetAt.Format(time.RFC3339))
	}

	cat.entry.Consumed = decimal.Zero
	for !cat.entry.ResetAt.After(now) {
		cat.entry.ResetAt = cat.entry.ResetAt.Add(l.period)
	}

	if err := l.store.SaveEntry(ctx, cat.entry); err != nil {
		return fmt.Errorf("budget: persist reset: %w", err)
	}

	l.logger.InfoContext(ctx, "budget period reset",
		"category", category, "next_reset", cat.entry.ResetAt)
	return nil
}

// Entry returns a copy of the durable budget state for a category.
func (l *Ledger) Entry(category string) (Entry, error) {
	cat, err := l.category(category)
	if err != nil {
		return Entry{}, err
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	return cat.entry, nil
}

// Remaining returns limit - consumed - open holds for a category.
func (l *Ledger) Remaining(category string) (decimal.Decimal, error) {
	cat, err := l.category(category)
	if err != nil {
		return decimal.Zero, err
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	return cat.entry.Limit.Sub(cat.entry.Consumed).Sub(cat.openTotal()), nil
}
