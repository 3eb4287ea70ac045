// Package audit records a tamper-evident, hash-chained trail of
// pipeline events. Each event is canonicalized with JCS (RFC 8785)
// before hashing so the chain is stable across marshaling order.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// ErrTrailCorrupted is returned by VerifyIntegrity when the chain does
// not validate.
var ErrTrailCorrupted = errors.New("audit: trail integrity violation")

// Event is a single audit trail entry. Hash covers the canonical form
// of the event including PrevHash, linking each entry to its
// predecessor.
type Event struct {
	ID        string         `json:"id"`
	JobID     uint64         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash,omitempty"`
}

// Store persists audit events in append order.
type Store interface {
	SaveEvent(ctx context.Context, ev Event) error
	Events(ctx context.Context) ([]Event, error)
	EventsForJob(ctx context.Context, jobID uint64) ([]Event, error)
}

// Trail appends events to a Store, chaining each event's hash to the
// previous one.
type Trail struct {
	mu       sync.Mutex
	store    Store
	lastHash string
	clock    func() time.Time
	logger   *slog.Logger
}

// NewTrail opens a trail over store, resuming the chain from the last
// persisted event.
func NewTrail(ctx context.Context, store Store) (*Trail, error) {
	t := &Trail{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	events, err := store.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load trail: %w", err)
	}
	if n := len(events); n > 0 {
		t.lastHash = events[n-1].Hash
	}
	return t, nil
}

// WithClock overrides the time source. Test hook.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Append assigns the event an ID and timestamp, links it to the chain,
// and persists it.
func (t *Trail) Append(ctx context.Context, ev Event) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.clock().UTC()
	}
	ev.PrevHash = t.lastHash

	hash, err := hashEvent(ev)
	if err != nil {
		return Event{}, err
	}
	ev.Hash = hash

	if err := t.store.SaveEvent(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("audit: save event: %w", err)
	}
	t.lastHash = ev.Hash

	t.logger.Debug("event appended",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"job_id", ev.JobID)
	return ev, nil
}

// EventsForJob returns the persisted events for one job in append
// order.
func (t *Trail) EventsForJob(ctx context.Context, jobID uint64) ([]Event, error) {
	return t.store.EventsForJob(ctx, jobID)
}

// VerifyIntegrity walks the whole chain. On success it returns -1; on
// failure it returns the index of the first bad event and
// ErrTrailCorrupted.
func (t *Trail) VerifyIntegrity(ctx context.Context) (int, error) {
	events, err := t.store.Events(ctx)
	if err != nil {
		return -1, fmt.Errorf("audit: load trail: %w", err)
	}

	prevHash := ""
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return i, fmt.Errorf("%w: event %d prev_hash mismatch", ErrTrailCorrupted, i)
		}
		want, err := hashEvent(ev)
		if err != nil {
			return i, err
		}
		if ev.Hash != want {
			return i, fmt.Errorf("%w: event %d hash mismatch", ErrTrailCorrupted, i)
		}
		prevHash = ev.Hash
	}
	return -1, nil
}

// hashEvent returns the hex SHA-256 of the event's canonical form. The
// Hash field itself is excluded.
func hashEvent(ev Event) (string, error) {
	data, err := json.Marshal(struct {
		ID        string         `json:"id"`
		JobID     uint64         `json:"job_id"`
		Timestamp time.Time      `json:"timestamp"`
		EventType string         `json:"event_type"`
		Actor     string         `json:"actor"`
		Outcome   string         `json:"outcome"`
		Details   map[string]any `json:"details,omitempty"`
		PrevHash  string         `json:"prev_hash"`
	}{
		ID:        ev.ID,
		JobID:     ev.JobID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
		Actor:     ev.Actor,
		Outcome:   ev.Outcome,
		Details:   ev.Details,
		PrevHash:  ev.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
