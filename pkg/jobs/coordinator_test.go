package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamalbuilds/PrivateInsight/pkg/audit"
	"github.com/kamalbuilds/PrivateInsight/pkg/budget"
	"github.com/kamalbuilds/PrivateInsight/pkg/compliance"
	"github.com/kamalbuilds/PrivateInsight/pkg/compute"
	"github.com/kamalbuilds/PrivateInsight/pkg/content"
	"github.com/kamalbuilds/PrivateInsight/pkg/dataset"
	"github.com/kamalbuilds/PrivateInsight/pkg/policy"
	"github.com/kamalbuilds/PrivateInsight/pkg/possession"
	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

// harness wires a full in-memory pipeline around one stored dataset.
type harness struct {
	coord      *Coordinator
	handle     string
	ledger     *budget.Ledger
	possession *possession.Store
	trail      *audit.Trail
	store      *MemoryStore
	auditStore *audit.MemoryStore
	verdict    *bool // what the proof verifier answers
}

func compliantMetadata() map[string]any {
	return map[string]any{
		"encryption_in_transit": true,
		"encryption_at_rest":    true,
		"access_control":        true,
		"audit_logging":         true,
		"minimum_necessary":     false,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	blobs := content.NewMemoryStore()
	handle, err := blobs.Put(ctx, []byte("patient records, encrypted"))
	require.NoError(t, err)

	poss := possession.NewStore(possession.KeyedVerifier(blobs), 1<<20)
	require.NoError(t, poss.Store(ctx, handle, 26, time.Hour))

	datasets := dataset.NewRegistry()
	_, err = datasets.Register(ctx, dataset.Handle{
		ContentHash:        handle,
		Owner:              "alice",
		SizeBytes:          26,
		EncryptionMetaHash: dataset.HashBytes([]byte("aes-256-gcm key ref")),
	})
	require.NoError(t, err)

	engine, err := compliance.NewEngine()
	require.NoError(t, err)
	require.NoError(t, compliance.RegisterBuiltins(engine))

	policies := policy.NewRegistry()
	require.NoError(t, policies.Set(policy.Policy{
		Category:         "health-research",
		EncryptionMethod: "aes-256-gcm",
		PrivacyLevel:     6,
		Frameworks:       []string{"HIPAA"},
		EpsilonLimit:     decimal.RequireFromString("10"),
	}))

	ledger := budget.NewLedger(budget.NewMemoryStore(), 30*24*time.Hour)
	require.NoError(t, ledger.EnsureCategory(ctx, "health-research", decimal.RequireFromString("10")))

	auditStore := audit.NewMemoryStore()
	trail, err := audit.NewTrail(ctx, auditStore)
	require.NoError(t, err)

	verdict := true
	h := &harness{
		handle:     handle,
		ledger:     ledger,
		possession: poss,
		trail:      trail,
		store:      NewMemoryStore(),
		auditStore: auditStore,
		verdict:    &verdict,
	}

	coord, err := NewCoordinator(ctx, CoordinatorConfig{
		Store:      h.store,
		Policies:   policies,
		Compliance: engine,
		Ledger:     ledger,
		Possession: poss,
		Datasets:   datasets,
		Prover:     possession.NewContentProver(blobs),
		Verifier: zkproof.VerifierFunc(func(ctx context.Context, p zkproof.Proof) bool {
			return *h.verdict
		}),
		Trail:             trail,
		ProcessingTimeout: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	h.coord = coord
	return h
}

func (h *harness) submit(t *testing.T, epsilon string) Job {
	t.Helper()
	job, err := h.coord.Submit(context.Background(), SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString(epsilon),
		Metadata:      compliantMetadata(),
	})
	require.NoError(t, err)
	return job
}

func proofFor(job Job, resultHash string) zkproof.Proof {
	return zkproof.Proof{
		CircuitID:    job.CircuitID,
		ProofBytes:   []byte{1, 2, 3},
		PublicInputs: []string{"42"},
		ResultHash:   resultHash,
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "2.5")
	assert.Equal(t, StatePending, job.State)
	assert.NotEmpty(t, job.ReservationID)

	require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))
	got, err := h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, got.State)
	assert.False(t, got.Deadline.IsZero())

	require.NoError(t, h.coord.SubmitResult(ctx, job.ID, "sha256:result", proofFor(job, "sha256:result")))
	got, err = h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "sha256:result", got.ResultHash)

	// Reservation is held but nothing durably spent yet.
	entry, err := h.ledger.Entry("health-research")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.IsZero())

	require.NoError(t, h.coord.Finalize(ctx, job.ID))
	got, err = h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, got.State)

	entry, err = h.ledger.Entry("health-research")
	require.NoError(t, err)
	assert.True(t, entry.Consumed.Equal(decimal.RequireFromString("2.5")))

	// Every transition landed in the audit trail, in order.
	events, err := h.trail.EventsForJob(ctx, job.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"job.submitted", "job.processing", "job.completed", "job.verified"}, types)

	idx, err := h.trail.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestProofRejectionRefundsBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "4")
	require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))

	*h.verdict = false
	err := h.coord.SubmitResult(ctx, job.ID, "sha256:result", proofFor(job, "sha256:result"))
	var perr *ProofError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeProofRejected, perr.Code())

	got, err := h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")), "refund should restore full budget")
}

func TestResultHashMismatchRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "1")
	require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))

	err := h.coord.SubmitResult(ctx, job.ID, "sha256:result", proofFor(job, "sha256:other"))
	var perr *ProofError
	require.ErrorAs(t, err, &perr)
}

func TestComplianceFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	md := compliantMetadata()
	md["encryption_at_rest"] = false // critical violation

	_, err := h.coord.Submit(ctx, SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      md,
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionCompliance, aerr.Code())

	// No job record and no budget hold.
	maxID, err := h.store.MaxID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)
	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")))
}

func TestBudgetExhaustionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, "6")

	_, err := h.coord.Submit(ctx, SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("5"),
		Metadata:      compliantMetadata(),
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionBudget, aerr.Code())

	var berr *budget.InsufficientBudgetError
	require.ErrorAs(t, err, &berr)
	assert.True(t, berr.Remaining.Equal(decimal.RequireFromString("4")))
}

func TestUnknownCategoryRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Submit(context.Background(), SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "astrology",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      compliantMetadata(),
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionUnknownCategory, aerr.Code())
}

func TestUnregisteredDatasetRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Submit(context.Background(), SubmitRequest{
		Requester:     "alice",
		DatasetHandle: dataset.HashBytes([]byte("never registered")),
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      compliantMetadata(),
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionUnknownDataset, aerr.Code())

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")))
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }

func TestRateLimitedRejected(t *testing.T) {
	h := newHarness(t)
	h.coord.limiter = denyLimiter{}

	_, err := h.coord.Submit(context.Background(), SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      compliantMetadata(),
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionRateLimited, aerr.Code())
}

func TestTEERequiredWithoutAttestorRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policies := policy.NewRegistry()
	require.NoError(t, policies.Set(policy.Policy{
		Category:         "health-research",
		EncryptionMethod: "aes-256-gcm",
		PrivacyLevel:     9,
		TEERequired:      true,
		Frameworks:       []string{"HIPAA"},
		EpsilonLimit:     decimal.RequireFromString("10"),
	}))
	h.coord.policies = policies

	_, err := h.coord.Submit(ctx, SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      compliantMetadata(),
	})
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeAdmissionAttestation, aerr.Code())
}

func TestExpiredPossessionFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "1")

	// Push the possession clock past the storage deadline.
	h.possession.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	err := h.coord.BeginProcessing(ctx, job.ID)
	var perr *PossessionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodePossessionExpired, perr.Code())

	got, err := h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")))
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "1")

	assert.ErrorIs(t, h.coord.Finalize(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, h.coord.SubmitResult(ctx, job.ID, "sha256:x", proofFor(job, "sha256:x")), ErrInvalidTransition)

	require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))
	assert.ErrorIs(t, h.coord.BeginProcessing(ctx, job.ID), ErrInvalidTransition)

	require.NoError(t, h.coord.SubmitResult(ctx, job.ID, "sha256:x", proofFor(job, "sha256:x")))
	assert.ErrorIs(t, h.coord.Cancel(ctx, job.ID), ErrInvalidTransition,
		"completed jobs cannot be cancelled")

	_, err := h.coord.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "3")
	require.NoError(t, h.coord.Cancel(ctx, job.ID))

	got, err := h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailureReason, "cancelled")

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")))
}

func TestProcessingDeadlineWatchdog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.submit(t, "2")
	require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))

	// Advance the coordinator clock past the deadline and force a sweep.
	h.coord.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	h.coord.reapExpired()

	got, err := h.coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailureReason, CodeComputeTimeout)

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("10")))
}

func TestConcurrentSubmitsRespectBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Budget is 10; twenty concurrent requests of 3 admit at most 3.
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.Submit(ctx, SubmitRequest{
				Requester:     fmt.Sprintf("user-%d", i),
				DatasetHandle: h.handle,
				Category:      "health-research",
				CircuitID:     "count-v1",
				Epsilon:       decimal.RequireFromString("3"),
				Metadata:      compliantMetadata(),
			})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else {
				var aerr *AdmissionError
				if !errors.As(err, &aerr) || aerr.Code() != CodeAdmissionBudget {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
}

func TestMonotonicIDsSeededFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveJob(ctx, Job{
		ID: 41, State: StateVerified, Epsilon: decimal.RequireFromString("1"),
		SubmittedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	h := newHarness(t)
	h.coord.Close()

	coord, err := NewCoordinator(ctx, CoordinatorConfig{
		Store:      store,
		Policies:   h.coord.policies,
		Compliance: h.coord.engine,
		Ledger:     h.ledger,
		Possession: h.possession,
		Prover:     h.coord.prover,
		Verifier:   h.coord.verifier,
	})
	require.NoError(t, err)
	defer coord.Close()

	job, err := coord.Submit(ctx, SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("1"),
		Metadata:      compliantMetadata(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), job.ID)
}

func TestCoordinatorRequiresProver(t *testing.T) {
	h := newHarness(t)

	_, err := NewCoordinator(context.Background(), CoordinatorConfig{
		Store:      NewMemoryStore(),
		Policies:   h.coord.policies,
		Compliance: h.coord.engine,
		Ledger:     h.ledger,
		Possession: h.possession,
		Verifier:   h.coord.verifier,
	})
	require.ErrorContains(t, err, "missing required collaborator")
}

// A successful backend result must drive the job to Completed through
// the proof gate without any external SubmitResult call.
func TestBackendResultDrivesCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.coord.Close()

	backend := compute.NewLocalBackend(func(ctx context.Context, task compute.Task) (compute.Outcome, error) {
		return compute.Outcome{
			ResultHash: "sha256:computed",
			Proof: zkproof.Proof{
				CircuitID:    task.CircuitID,
				ProofBytes:   []byte{1, 2, 3},
				PublicInputs: []string{"42"},
				ResultHash:   "sha256:computed",
			},
		}, nil
	}, 1)
	defer func() { _ = backend.Close() }()

	coord, err := NewCoordinator(ctx, CoordinatorConfig{
		Store:      h.store,
		Policies:   h.coord.policies,
		Compliance: h.coord.engine,
		Ledger:     h.ledger,
		Possession: h.possession,
		Prover:     h.coord.prover,
		Verifier:   h.coord.verifier,
		Backend:    backend,
		Trail:      h.trail,
	})
	require.NoError(t, err)
	defer coord.Close()

	job, err := coord.Submit(ctx, SubmitRequest{
		Requester:     "alice",
		DatasetHandle: h.handle,
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("2"),
		Metadata:      compliantMetadata(),
	})
	require.NoError(t, err)
	require.NoError(t, coord.BeginProcessing(ctx, job.ID))

	require.Eventually(t, func() bool {
		got, err := coord.Get(ctx, job.ID)
		return err == nil && got.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond, "backend result never completed the job")

	got, err := coord.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:computed", got.ResultHash)
	require.NotNil(t, got.Proof)

	require.NoError(t, coord.Finalize(ctx, job.ID))
	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("8")))
}

// Racing Cancel against an accepted result must never destroy a
// Completed record or refund its reservation: exactly one of the two
// transitions wins and the ledger stays consistent with the survivor.
func TestConcurrentCancelAndResultKeepLedgerConsistent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	completed := 0
	for i := 0; i < 20; i++ {
		job := h.submit(t, "0.1")
		require.NoError(t, h.coord.BeginProcessing(ctx, job.ID))

		hash := "sha256:agg"
		proof := proofFor(job, hash)

		var cancelErr, resultErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancelErr = h.coord.Cancel(ctx, job.ID) }()
		go func() { defer wg.Done(); resultErr = h.coord.SubmitResult(ctx, job.ID, hash, proof) }()
		wg.Wait()

		got, err := h.coord.Get(ctx, job.ID)
		require.NoError(t, err)
		switch got.State {
		case StateCompleted:
			require.NoError(t, resultErr)
			require.ErrorIs(t, cancelErr, ErrInvalidTransition)
			require.NoError(t, h.coord.Finalize(ctx, job.ID))
			completed++
		case StateFailed:
			require.NoError(t, cancelErr)
			require.ErrorIs(t, resultErr, ErrInvalidTransition)
			require.ErrorIs(t, h.coord.Finalize(ctx, job.ID), ErrInvalidTransition)
		default:
			t.Fatalf("job %d ended in state %s", job.ID, got.State)
		}
	}

	remaining, err := h.ledger.Remaining("health-research")
	require.NoError(t, err)
	want := decimal.RequireFromString("10").
		Sub(decimal.RequireFromString("0.1").Mul(decimal.NewFromInt(int64(completed))))
	assert.True(t, remaining.Equal(want), "remaining %s, want %s", remaining, want)
}
