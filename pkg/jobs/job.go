// Package jobs coordinates the lifecycle of privacy-governed analytics
// jobs: admission against policy, compliance, and privacy budget;
// possession-checked dispatch to a compute backend; proof-gated
// completion; and budget commitment at finalization.
package jobs

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

// State is a job lifecycle state. Jobs move strictly forward:
// pending → processing → completed|failed, completed → verified.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateVerified   State = "verified"
)

var validTransitions = map[State][]State{
	StatePending:    {StateProcessing, StateFailed},
	StateProcessing: {StateCompleted, StateFailed},
	StateCompleted:  {StateVerified},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateVerified
}

// Job is one analytics job. Records are never deleted; failed jobs
// keep their failure reason for the audit trail.
type Job struct {
	ID            uint64          `json:"id"`
	Requester     string          `json:"requester"`
	DatasetHandle string          `json:"dataset_handle"`
	Category      string          `json:"category"`
	CircuitID     string          `json:"circuit_id"`
	Epsilon       decimal.Decimal `json:"epsilon"`
	State         State           `json:"state"`
	ReservationID string          `json:"reservation_id,omitempty"`
	ResultHash    string          `json:"result_hash,omitempty"`
	Proof         *zkproof.Proof  `json:"proof,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deadline      time.Time       `json:"deadline,omitempty"`
}
