package jobs

import (
	"errors"
	"fmt"
)

// Deterministic error codes surfaced to callers and the audit trail.
const (
	CodeAdmissionCompliance       = "ERR_ADMISSION_COMPLIANCE"
	CodeAdmissionBudget           = "ERR_ADMISSION_BUDGET"
	CodeAdmissionUnknownCategory  = "ERR_ADMISSION_UNKNOWN_CATEGORY"
	CodeAdmissionUnknownFramework = "ERR_ADMISSION_UNKNOWN_FRAMEWORK"
	CodeAdmissionRateLimited      = "ERR_ADMISSION_RATE_LIMITED"
	CodeAdmissionUnknownDataset   = "ERR_ADMISSION_UNKNOWN_DATASET"
	CodeAdmissionAttestation      = "ERR_ADMISSION_ATTESTATION"
	CodePossessionExpired         = "ERR_POSSESSION_EXPIRED"
	CodePossessionChallenge       = "ERR_POSSESSION_CHALLENGE"
	CodeComputeBackend            = "ERR_COMPUTE_BACKEND"
	CodeComputeTimeout            = "ERR_COMPUTE_TIMEOUT"
	CodeProofRejected             = "ERR_PROOF_REJECTED"
	CodeInvalidTransition         = "ERR_INVALID_TRANSITION"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrInvalidTransition is returned for out-of-order lifecycle calls.
	ErrInvalidTransition = errors.New("jobs: invalid state transition")
)

// AdmissionError reports why a submission was refused. No job record
// or reservation exists after an admission failure.
type AdmissionError struct {
	ErrCode string
	Reason  string
	Err     error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

func (e *AdmissionError) Code() string { return e.ErrCode }

// PossessionError reports a possession re-check failure during
// processing startup; the affected job is failed and its reservation
// released.
type PossessionError struct {
	ErrCode string
	Handle  string
	Err     error
}

func (e *PossessionError) Error() string {
	return fmt.Sprintf("%s: handle %s", e.ErrCode, e.Handle)
}

func (e *PossessionError) Unwrap() error { return e.Err }

func (e *PossessionError) Code() string { return e.ErrCode }

// ComputationError reports a backend dispatch or execution failure.
type ComputationError struct {
	ErrCode string
	JobID   uint64
	Err     error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s: job %d: %v", e.ErrCode, e.JobID, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

func (e *ComputationError) Code() string { return e.ErrCode }

// ProofError reports a rejected computation proof.
type ProofError struct {
	JobID     uint64
	CircuitID string
	Reason    string
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("%s: job %d circuit %s: %s", CodeProofRejected, e.JobID, e.CircuitID, e.Reason)
}

func (e *ProofError) Code() string { return CodeProofRejected }
