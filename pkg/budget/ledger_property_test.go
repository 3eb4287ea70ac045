//go:build property
// +build property

package budget

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// TestConsumedNeverExceedsLimit drives random reserve/commit/release/reset
// sequences and checks the ledger invariant after every step.
func TestConsumedNeverExceedsLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("consumed <= limit after any operation sequence", prop.ForAll(
		func(ops []int, epsilons []int) bool {
			ctx := context.Background()
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			l := NewLedger(NewMemoryStore(), 30*24*time.Hour).
				WithClock(func() time.Time { return now })
			if err := l.EnsureCategory(ctx, "general", decimal.NewFromInt(100)); err != nil {
				return false
			}

			var open []string
			for i, op := range ops {
				eps := int64(1)
				if i < len(epsilons) {
					eps = int64(epsilons[i]%50 + 1)
				}
				switch op % 4 {
				case 0: // reserve
					if res, err := l.CheckAndReserve(ctx, "general", decimal.NewFromInt(eps)); err == nil {
						open = append(open, res.ID)
					}
				case 1: // commit oldest open
					if len(open) > 0 {
						_ = l.Commit(ctx, open[0])
						open = open[1:]
					}
				case 2: // release oldest open
					if len(open) > 0 {
						_ = l.Release(ctx, open[0])
						open = open[1:]
					}
				case 3: // advance time and reset
					now = now.Add(31 * 24 * time.Hour)
					_ = l.ResetPeriod(ctx, "general")
				}

				entry, err := l.Entry("general")
				if err != nil {
					return false
				}
				if entry.Consumed.GreaterThan(entry.Limit) {
					return false
				}
				if entry.Consumed.IsNegative() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
