package budget

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestLedger(t *testing.T) (*Ledger, func(time.Duration)) {
	t.Helper()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l := NewLedger(NewMemoryStore(), 30*24*time.Hour).
		WithClock(func() time.Time { return now })
	require.NoError(t, l.EnsureCategory(context.Background(), "financial", dec("10")))
	return l, func(d time.Duration) { now = now.Add(d) }
}

func TestReserveCommit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	res, err := l.CheckAndReserve(ctx, "financial", dec("6"))
	require.NoError(t, err)

	// Hold counts against remaining but is not yet consumed.
	remaining, err := l.Remaining("financial")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(dec("4")))

	entry, err := l.Entry("financial")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.IsZero())

	require.NoError(t, l.Commit(ctx, res.ID))
	entry, err = l.Entry("financial")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.Equal(dec("6")))
	assert.True(t, entry.Consumed.LessThanOrEqual(entry.Limit))
}

func TestReserveRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	res, err := l.CheckAndReserve(ctx, "financial", dec("6"))
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res.ID))

	remaining, err := l.Remaining("financial")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(dec("10")), "released reservation must refund fully")

	// A released id is gone.
	assert.ErrorIs(t, l.Commit(ctx, res.ID), ErrUnknownReservation)
}

func TestInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.CheckAndReserve(ctx, "financial", dec("6"))
	require.NoError(t, err)

	_, err = l.CheckAndReserve(ctx, "financial", dec("5"))
	var ib *InsufficientBudgetError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, CodeInsufficientBudget, ib.Code())
	assert.True(t, ib.Remaining.Equal(dec("4")))
}

// A reserves 6 of 10, B's 5 is rejected while the hold is open, A fails
// and refunds, then B's 5 is admitted.
func TestFinancialWalkthrough(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	resA, err := l.CheckAndReserve(ctx, "financial", dec("6"))
	require.NoError(t, err)

	_, err = l.CheckAndReserve(ctx, "financial", dec("5"))
	var ib *InsufficientBudgetError
	require.ErrorAs(t, err, &ib)

	require.NoError(t, l.Release(ctx, resA.ID))
	entry, err := l.Entry("financial")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.IsZero())

	_, err = l.CheckAndReserve(ctx, "financial", dec("5"))
	require.NoError(t, err)
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	// 20 concurrent requests for ε=6 against a limit of 10: exactly one wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.CheckAndReserve(ctx, "financial", dec("6")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestResetPeriod(t *testing.T) {
	ctx := context.Background()
	l, advance := newTestLedger(t)

	res, err := l.CheckAndReserve(ctx, "financial", dec("7.5"))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res.ID))

	// Too early.
	assert.ErrorIs(t, l.ResetPeriod(ctx, "financial"), ErrResetNotDue)

	advance(31 * 24 * time.Hour)
	require.NoError(t, l.ResetPeriod(ctx, "financial"))

	entry, err := l.Entry("financial")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.IsZero())
	assert.True(t, entry.ResetAt.After(time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.CheckAndReserve(ctx, "financial", dec("0"))
	assert.ErrorIs(t, err, ErrNonPositiveEpsilon)
	_, err = l.CheckAndReserve(ctx, "financial", dec("-1"))
	assert.ErrorIs(t, err, ErrNonPositiveEpsilon)
	_, err = l.CheckAndReserve(ctx, "unknown", dec("1"))
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.ErrorIs(t, l.Commit(ctx, "nope"), ErrUnknownReservation)
	assert.ErrorIs(t, l.Release(ctx, "nope"), ErrUnknownReservation)
}

func TestRestoreDropsOpenReservations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	l := NewLedger(store, 30*24*time.Hour)
	require.NoError(t, l.EnsureCategory(ctx, "healthcare", dec("20")))

	res, err := l.CheckAndReserve(ctx, "healthcare", dec("5"))
	require.NoError(t, err)
	committed, err := l.CheckAndReserve(ctx, "healthcare", dec("3"))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, committed.ID))
	_ = res // never committed: simulated crash mid-flight

	l2 := NewLedger(store, 30*24*time.Hour)
	require.NoError(t, l2.Restore(ctx))

	remaining, err := l2.Remaining("healthcare")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(dec("17")), "uncommitted hold must evaporate on restart")
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	e := Entry{
		Category: "healthcare",
		Consumed: dec("2.25"),
		Limit:    dec("20"),
		ResetAt:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveEntry(ctx, e))

	// Upsert overwrites.
	e.Consumed = dec("3.5")
	require.NoError(t, store.SaveEntry(ctx, e))

	entries, err := store.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Consumed.Equal(dec("3.5")))
	assert.True(t, entries[0].Limit.Equal(dec("20")))
	assert.True(t, entries[0].ResetAt.Equal(e.ResetAt))
}
