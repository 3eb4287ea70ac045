package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kamalbuilds/PrivateInsight/pkg/attestation"
	"github.com/kamalbuilds/PrivateInsight/pkg/audit"
	"github.com/kamalbuilds/PrivateInsight/pkg/budget"
	"github.com/kamalbuilds/PrivateInsight/pkg/compliance"
	"github.com/kamalbuilds/PrivateInsight/pkg/compute"
	"github.com/kamalbuilds/PrivateInsight/pkg/dataset"
	"github.com/kamalbuilds/PrivateInsight/pkg/limiter"
	"github.com/kamalbuilds/PrivateInsight/pkg/observability"
	"github.com/kamalbuilds/PrivateInsight/pkg/policy"
	"github.com/kamalbuilds/PrivateInsight/pkg/possession"
	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

// SubmitRequest is everything a requester provides at admission.
type SubmitRequest struct {
	Requester        string
	DatasetHandle    string
	Category         string
	CircuitID        string
	Epsilon          decimal.Decimal
	Metadata         map[string]any
	AttestationToken string
}

// CoordinatorConfig collects the coordinator's collaborators.
// Datasets, Limiter, Attestor, and Observability are optional.
type CoordinatorConfig struct {
	Store             Store
	Policies          *policy.Registry
	Compliance        *compliance.Engine
	Ledger            *budget.Ledger
	Possession        *possession.Store
	Datasets          *dataset.Registry
	Prover            possession.Prover
	Verifier          zkproof.Verifier
	Backend           compute.Backend
	Trail             *audit.Trail
	Limiter           limiter.Limiter
	Attestor          *attestation.Verifier
	Observability     *observability.Provider
	ProcessingTimeout time.Duration
}

// Coordinator owns the job state machine. All transitions pass through
// it; the stores never change state on their own.
type Coordinator struct {
	mu       sync.Mutex
	nextID   uint64
	jobLocks map[uint64]*sync.Mutex

	store      Store
	policies   *policy.Registry
	engine     *compliance.Engine
	ledger     *budget.Ledger
	possession *possession.Store
	datasets   *dataset.Registry
	prover     possession.Prover
	verifier   zkproof.Verifier
	backend    compute.Backend
	trail      *audit.Trail
	limiter    limiter.Limiter
	attestor   *attestation.Verifier
	obs        *observability.Provider

	processingTimeout time.Duration
	clock             func() time.Time
	logger            *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator builds a coordinator, seeds its id counter from the
// store, and starts the result loop and deadline watchdog.
func NewCoordinator(ctx context.Context, cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Policies == nil || cfg.Compliance == nil ||
		cfg.Ledger == nil || cfg.Possession == nil || cfg.Prover == nil || cfg.Verifier == nil {
		return nil, errors.New("jobs: coordinator missing required collaborator")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Observability == nil {
		obs, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		cfg.Observability = obs
	}

	maxID, err := cfg.Store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: seed id counter: %w", err)
	}

	c := &Coordinator{
		nextID:            maxID,
		jobLocks:          make(map[uint64]*sync.Mutex),
		store:             cfg.Store,
		policies:          cfg.Policies,
		engine:            cfg.Compliance,
		ledger:            cfg.Ledger,
		possession:        cfg.Possession,
		datasets:          cfg.Datasets,
		prover:            cfg.Prover,
		verifier:          cfg.Verifier,
		backend:           cfg.Backend,
		trail:             cfg.Trail,
		limiter:           cfg.Limiter,
		attestor:          cfg.Attestor,
		obs:               cfg.Observability,
		processingTimeout: cfg.ProcessingTimeout,
		clock:             time.Now,
		logger:            slog.Default().With("component", "jobs"),
		stop:              make(chan struct{}),
	}

	if c.backend != nil {
		c.wg.Add(1)
		go c.resultLoop()
	}
	c.wg.Add(1)
	go c.watchdog()
	return c, nil
}

// WithClock overrides the time source. Test hook; call before use.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Close stops the background loops. It does not close the backend.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// lockJob serializes state transitions per job id. Every
// read-modify-write of a job record happens under its lock, so a
// racing Cancel or watchdog tick cannot clobber a transition that
// landed after its read.
func (c *Coordinator) lockJob(id uint64) func() {
	c.mu.Lock()
	l, ok := c.jobLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.jobLocks[id] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Submit admits a job or refuses it with a typed AdmissionError. On
// refusal nothing is recorded: no job, no reservation.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	ctx, done := c.obs.TrackOperation(ctx, "job.submit",
		attribute.String("category", req.Category))
	var opErr error
	defer func() { done(opErr) }()

	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, req.Requester)
		if err != nil {
			c.logger.Warn("limiter unavailable, refusing submission", "requester", req.Requester, "error", err)
		}
		if err != nil || !ok {
			opErr = &AdmissionError{ErrCode: CodeAdmissionRateLimited,
				Reason: fmt.Sprintf("requester %s is rate limited", req.Requester), Err: err}
			c.obs.RecordRejection(ctx, CodeAdmissionRateLimited)
			return Job{}, opErr
		}
	}

	if c.datasets != nil && !c.datasets.Exists(ctx, req.DatasetHandle) {
		opErr = &AdmissionError{ErrCode: CodeAdmissionUnknownDataset,
			Reason: fmt.Sprintf("dataset %s is not registered", req.DatasetHandle)}
		c.obs.RecordRejection(ctx, CodeAdmissionUnknownDataset)
		return Job{}, opErr
	}

	pol, err := c.policies.Get(req.Category)
	if err != nil {
		opErr = &AdmissionError{ErrCode: CodeAdmissionUnknownCategory,
			Reason: fmt.Sprintf("no policy for category %q", req.Category), Err: err}
		c.obs.RecordRejection(ctx, CodeAdmissionUnknownCategory)
		return Job{}, opErr
	}

	results, err := c.engine.EvaluateAll(ctx, pol.Frameworks, req.Metadata)
	if err != nil {
		opErr = &AdmissionError{ErrCode: CodeAdmissionUnknownFramework,
			Reason: "policy references unknown compliance framework", Err: err}
		c.obs.RecordRejection(ctx, CodeAdmissionUnknownFramework)
		return Job{}, opErr
	}
	if reasons := nonCompliant(results); len(reasons) > 0 {
		opErr = &AdmissionError{ErrCode: CodeAdmissionCompliance,
			Reason: strings.Join(reasons, "; ")}
		c.obs.RecordRejection(ctx, CodeAdmissionCompliance)
		return Job{}, opErr
	}

	if pol.TEERequired {
		if c.attestor == nil {
			opErr = &AdmissionError{ErrCode: CodeAdmissionAttestation,
				Reason: "policy requires TEE but no attestation verifier is configured"}
			c.obs.RecordRejection(ctx, CodeAdmissionAttestation)
			return Job{}, opErr
		}
		if _, err := c.attestor.Verify(req.AttestationToken); err != nil {
			opErr = &AdmissionError{ErrCode: CodeAdmissionAttestation,
				Reason: "TEE attestation rejected", Err: err}
			c.obs.RecordRejection(ctx, CodeAdmissionAttestation)
			return Job{}, opErr
		}
	}

	res, err := c.ledger.CheckAndReserve(ctx, req.Category, req.Epsilon)
	if err != nil {
		opErr = &AdmissionError{ErrCode: CodeAdmissionBudget,
			Reason: "privacy budget refused reservation", Err: err}
		c.obs.RecordRejection(ctx, CodeAdmissionBudget)
		return Job{}, opErr
	}

	now := c.clock().UTC()
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	job := Job{
		ID:            id,
		Requester:     req.Requester,
		DatasetHandle: req.DatasetHandle,
		Category:      req.Category,
		CircuitID:     req.CircuitID,
		Epsilon:       req.Epsilon,
		State:         StatePending,
		ReservationID: res.ID,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		// Roll the hold back so a storage fault cannot strand budget.
		if relErr := c.ledger.Release(ctx, res.ID); relErr != nil {
			c.logger.Error("failed to release reservation after save failure",
				"reservation_id", res.ID, "error", relErr)
		}
		opErr = fmt.Errorf("jobs: persist job: %w", err)
		return Job{}, opErr
	}

	c.audit(ctx, job, "job.submitted", "success", map[string]any{
		"category": job.Category,
		"epsilon":  job.Epsilon.String(),
	})
	c.obs.RecordSubmission(ctx, attribute.String("category", job.Category))
	c.logger.Info("job admitted", "job_id", job.ID, "category", job.Category, "epsilon", job.Epsilon.String())
	return job, nil
}

// BeginProcessing re-checks possession, runs a fresh storage
// challenge, and dispatches the computation. Any failure moves the job
// to Failed and releases its reservation.
func (c *Coordinator) BeginProcessing(ctx context.Context, jobID uint64) error {
	ctx, done := c.obs.TrackOperation(ctx, "job.begin_processing")
	var opErr error
	defer func() { done(opErr) }()

	unlock := c.lockJob(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		opErr = err
		return opErr
	}
	if job.State != StatePending {
		opErr = fmt.Errorf("%w: %s: cannot begin processing from %s",
			ErrInvalidTransition, CodeInvalidTransition, job.State)
		return opErr
	}

	if !c.possession.IsActive(job.DatasetHandle) {
		perr := &PossessionError{ErrCode: CodePossessionExpired, Handle: job.DatasetHandle,
			Err: possession.ErrStorageExpired}
		opErr = perr
		if ferr := c.failJob(ctx, job, perr.Error()); ferr != nil {
			opErr = errors.Join(perr, ferr)
		}
		return opErr
	}

	ch, err := c.possession.IssueChallenge(ctx, job.DatasetHandle)
	if err != nil {
		perr := &PossessionError{ErrCode: CodePossessionChallenge, Handle: job.DatasetHandle, Err: err}
		opErr = perr
		if ferr := c.failJob(ctx, job, perr.Error()); ferr != nil {
			opErr = errors.Join(perr, ferr)
		}
		return opErr
	}
	proof, err := c.prover.Prove(ctx, job.DatasetHandle, ch.Nonce)
	if err == nil {
		var verified bool
		verified, err = c.possession.AnswerChallenge(ctx, job.DatasetHandle, ch.Nonce, proof)
		if err == nil && !verified {
			err = errors.New("storage challenge answer rejected")
		}
	}
	if err != nil {
		perr := &PossessionError{ErrCode: CodePossessionChallenge, Handle: job.DatasetHandle, Err: err}
		opErr = perr
		if ferr := c.failJob(ctx, job, perr.Error()); ferr != nil {
			opErr = errors.Join(perr, ferr)
		}
		return opErr
	}

	now := c.clock().UTC()
	job.State = StateProcessing
	job.UpdatedAt = now
	job.Deadline = now.Add(c.processingTimeout)
	if err := c.store.SaveJob(ctx, job); err != nil {
		opErr = fmt.Errorf("jobs: persist job: %w", err)
		return opErr
	}
	c.audit(ctx, job, "job.processing", "success", nil)

	if c.backend != nil {
		task := compute.Task{JobID: job.ID, DatasetHandle: job.DatasetHandle, CircuitID: job.CircuitID}
		if err := c.backend.Dispatch(ctx, task); err != nil {
			cerr := &ComputationError{ErrCode: CodeComputeBackend, JobID: job.ID, Err: err}
			opErr = cerr
			if ferr := c.failJob(ctx, job, cerr.Error()); ferr != nil {
				opErr = errors.Join(cerr, ferr)
			}
			return opErr
		}
	}
	c.logger.Info("job dispatched", "job_id", job.ID, "circuit_id", job.CircuitID)
	return nil
}

// SubmitResult drives Processing → Completed when the proof is
// accepted, else Failed with the reservation released. resultHash must
// match the proof's claimed result hash.
func (c *Coordinator) SubmitResult(ctx context.Context, jobID uint64, resultHash string, proof zkproof.Proof) error {
	ctx, done := c.obs.TrackOperation(ctx, "job.submit_result")
	var opErr error
	defer func() { done(opErr) }()

	unlock := c.lockJob(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		opErr = err
		return opErr
	}
	if job.State != StateProcessing {
		opErr = fmt.Errorf("%w: %s: cannot accept result in %s",
			ErrInvalidTransition, CodeInvalidTransition, job.State)
		return opErr
	}

	accepted := proof.ResultHash == resultHash && c.verifier.Verify(ctx, proof)
	c.obs.RecordProofVerdict(ctx, accepted, attribute.String("circuit_id", proof.CircuitID))
	if !accepted {
		perr := &ProofError{JobID: job.ID, CircuitID: proof.CircuitID, Reason: "proof rejected"}
		opErr = perr
		c.logger.Error("proof rejected", "job_id", job.ID,
			"circuit_id", proof.CircuitID, "code", CodeProofRejected)
		if ferr := c.failJob(ctx, job, perr.Error()); ferr != nil {
			opErr = errors.Join(perr, ferr)
		}
		return opErr
	}

	job.State = StateCompleted
	job.ResultHash = resultHash
	job.Proof = &proof
	job.UpdatedAt = c.clock().UTC()
	if err := c.store.SaveJob(ctx, job); err != nil {
		opErr = fmt.Errorf("jobs: persist job: %w", err)
		return opErr
	}
	c.audit(ctx, job, "job.completed", "success", map[string]any{
		"result_hash": resultHash,
		"circuit_id":  proof.CircuitID,
	})
	c.logger.Info("job completed", "job_id", job.ID, "result_hash", resultHash)
	return nil
}

// Finalize moves Completed → Verified and commits the budget
// reservation. This is the only point where budget is durably spent.
func (c *Coordinator) Finalize(ctx context.Context, jobID uint64) error {
	ctx, done := c.obs.TrackOperation(ctx, "job.finalize")
	var opErr error
	defer func() { done(opErr) }()

	unlock := c.lockJob(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		opErr = err
		return opErr
	}
	if job.State != StateCompleted {
		opErr = fmt.Errorf("%w: %s: cannot finalize from %s",
			ErrInvalidTransition, CodeInvalidTransition, job.State)
		return opErr
	}

	if err := c.ledger.Commit(ctx, job.ReservationID); err != nil {
		opErr = fmt.Errorf("jobs: commit budget: %w", err)
		return opErr
	}

	job.State = StateVerified
	job.UpdatedAt = c.clock().UTC()
	if err := c.store.SaveJob(ctx, job); err != nil {
		opErr = fmt.Errorf("jobs: persist job: %w", err)
		return opErr
	}
	c.audit(ctx, job, "job.verified", "success", map[string]any{
		"epsilon": job.Epsilon.String(),
	})
	c.logger.Info("job finalized", "job_id", job.ID, "epsilon", job.Epsilon.String())
	return nil
}

// Cancel aborts a Pending or Processing job and releases its
// reservation. Completed and terminal jobs cannot be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, jobID uint64) error {
	unlock := c.lockJob(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != StatePending && job.State != StateProcessing {
		return fmt.Errorf("%w: %s: cannot cancel %s job",
			ErrInvalidTransition, CodeInvalidTransition, job.State)
	}
	return c.failJob(ctx, job, "cancelled by requester")
}

// Get returns the job record.
func (c *Coordinator) Get(ctx context.Context, jobID uint64) (Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// failJob moves a job to Failed and releases its reservation. The
// caller holds the job's transition lock and job is the record as read
// under it. The release must happen even if persisting the state
// fails; a stuck hold starves the category.
func (c *Coordinator) failJob(ctx context.Context, job Job, reason string) error {
	if !CanTransition(job.State, StateFailed) {
		return fmt.Errorf("%w: %s: cannot fail %s job",
			ErrInvalidTransition, CodeInvalidTransition, job.State)
	}
	job.State = StateFailed
	job.FailureReason = reason
	job.UpdatedAt = c.clock().UTC()

	saveErr := c.store.SaveJob(ctx, job)
	if job.ReservationID != "" {
		if err := c.ledger.Release(ctx, job.ReservationID); err != nil &&
			!errors.Is(err, budget.ErrUnknownReservation) {
			c.logger.Error("failed to release reservation",
				"job_id", job.ID, "reservation_id", job.ReservationID, "error", err)
		}
	}
	c.audit(ctx, job, "job.failed", "failure", map[string]any{"reason": reason})
	c.logger.Warn("job failed", "job_id", job.ID, "reason", reason)
	if saveErr != nil {
		return fmt.Errorf("jobs: persist job: %w", saveErr)
	}
	return nil
}

// resultLoop drives Processing → Completed/Failed from backend
// results: successes route through the SubmitResult proof gate,
// errors fail the job.
func (c *Coordinator) resultLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case res, ok := <-c.backend.Results():
			if !ok {
				return
			}
			c.handleResult(res)
		}
	}
}

func (c *Coordinator) handleResult(res compute.Result) {
	ctx := context.Background()

	if res.Err != nil {
		unlock := c.lockJob(res.JobID)
		defer unlock()
		job, err := c.store.GetJob(ctx, res.JobID)
		if err != nil {
			c.logger.Warn("result for unknown job", "job_id", res.JobID)
			return
		}
		if job.State != StateProcessing {
			c.logger.Warn("late result ignored", "job_id", res.JobID, "state", job.State)
			return
		}
		cerr := &ComputationError{ErrCode: CodeComputeBackend, JobID: res.JobID, Err: res.Err}
		_ = c.failJob(ctx, job, cerr.Error())
		return
	}

	if err := c.SubmitResult(ctx, res.JobID, res.ResultHash, res.Proof); err != nil {
		c.logger.Warn("backend result not accepted", "job_id", res.JobID, "error", err)
	}
}

// watchdog fails Processing jobs past their deadline and releases
// their reservations.
func (c *Coordinator) watchdog() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reapExpired()
		}
	}
}

func (c *Coordinator) reapExpired() {
	ctx := context.Background()
	all, err := c.store.Jobs(ctx)
	if err != nil {
		c.logger.Error("watchdog scan failed", "error", err)
		return
	}
	now := c.clock()
	for _, cand := range all {
		if cand.State != StateProcessing || cand.Deadline.IsZero() || now.Before(cand.Deadline) {
			continue
		}
		// The scan is a snapshot. Re-read under the job's lock so a
		// result that landed since is not clobbered.
		unlock := c.lockJob(cand.ID)
		job, err := c.store.GetJob(ctx, cand.ID)
		if err != nil || job.State != StateProcessing || job.Deadline.IsZero() || now.Before(job.Deadline) {
			unlock()
			continue
		}
		cerr := &ComputationError{ErrCode: CodeComputeTimeout, JobID: job.ID,
			Err: fmt.Errorf("processing deadline %s exceeded", job.Deadline.Format(time.RFC3339))}
		_ = c.failJob(ctx, job, cerr.Error())
		unlock()
	}
}

func (c *Coordinator) audit(ctx context.Context, job Job, eventType, outcome string, details map[string]any) {
	if c.trail == nil {
		return
	}
	if _, err := c.trail.Append(ctx, audit.Event{
		JobID:     job.ID,
		EventType: eventType,
		Actor:     "coordinator",
		Outcome:   outcome,
		Details:   details,
	}); err != nil {
		c.logger.Error("failed to append audit event", "job_id", job.ID, "event_type", eventType, "error", err)
	}
}

// nonCompliant flattens failing results into human-readable reasons.
func nonCompliant(results []*compliance.Result) []string {
	var reasons []string
	for _, r := range results {
		if r.Compliant {
			continue
		}
		ruleIDs := make([]string, 0, len(r.Violations))
		for _, v := range r.Violations {
			ruleIDs = append(ruleIDs, v.RuleID)
		}
		reasons = append(reasons, fmt.Sprintf("%s score %d, violations: %s",
			r.FrameworkID, r.Score, strings.Join(ruleIDs, ", ")))
	}
	return reasons
}
