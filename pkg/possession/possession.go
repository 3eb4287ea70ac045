// Package possession implements proof-of-possession challenges over
// content-addressed dataset blobs.
//
// A dataset is stored for a bounded duration. Before a job may read it, the
// holder must answer a fresh single-use challenge: a random nonce for which
// the holder computes a keyed hash over the blob bytes. Verification is a
// pluggable predicate so a real cryptographic possession scheme can replace
// the keyed-hash default without touching callers.
package possession

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/kamalbuilds/PrivateInsight/pkg/content"
)

var (
	// ErrAlreadyStored is returned when storing a handle twice.
	ErrAlreadyStored = errors.New("possession: handle already stored")
	// ErrSizeExceedsLimit is returned when the declared size exceeds the store's ceiling.
	ErrSizeExceedsLimit = errors.New("possession: size exceeds limit")
	// ErrNotStored is returned for operations on unknown handles.
	ErrNotStored = errors.New("possession: handle not stored")
	// ErrStorageExpired is returned once the storage deadline has elapsed.
	ErrStorageExpired = errors.New("possession: storage expired")
	// ErrUnknownChallenge is returned when answering with an unissued nonce.
	ErrUnknownChallenge = errors.New("possession: unknown challenge nonce")
	// ErrChallengeAnswered is returned when a nonce is replayed.
	ErrChallengeAnswered = errors.New("possession: challenge already answered")
)

const nonceSize = 32

// Challenge is a single-use possession challenge for a stored handle.
type Challenge struct {
	ID       string    `json:"id"`
	Handle   string    `json:"handle"`
	Nonce    []byte    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
	Answered bool      `json:"answered"`
	Verified bool      `json:"verified"`
}

// VerifierFunc decides whether a proof answers a challenge. It must be
// deterministic and must depend only on the disclosed nonce, the handle,
// and data the verifier already holds.
type VerifierFunc func(ctx context.Context, handle string, nonce, proof []byte) bool

// Prover produces possession proofs on the storage-holder side.
type Prover interface {
	Prove(ctx context.Context, handle string, nonce []byte) ([]byte, error)
}

// KeyedProof computes the default possession proof: BLAKE2b-256 keyed with
// the challenge nonce over the blob bytes.
func KeyedProof(blob, nonce []byte) ([]byte, error) {
	h, err := blake2b.New256(nonce)
	if err != nil {
		return nil, fmt.Errorf("possession: keyed hash init: %w", err)
	}
	_, _ = h.Write(blob)
	return h.Sum(nil), nil
}

// KeyedVerifier returns the default VerifierFunc: it refetches the blob via
// the content store and recomputes the keyed hash. A wrong proof always
// yields false; an old nonce can never verify because each challenge carries
// a fresh one.
func KeyedVerifier(cs content.Store) VerifierFunc {
	return func(ctx context.Context, handle string, nonce, proof []byte) bool {
		blob, err := cs.Get(ctx, handle)
		if err != nil {
			return false
		}
		want, err := KeyedProof(blob, nonce)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(want, proof) == 1
	}
}

// ContentProver is a Prover backed by a content store; it represents the
// storage node that actually holds the blob.
type ContentProver struct {
	cs content.Store
}

// NewContentProver creates a prover over the given content store.
func NewContentProver(cs content.Store) *ContentProver {
	return &ContentProver{cs: cs}
}

func (p *ContentProver) Prove(ctx context.Context, handle string, nonce []byte) ([]byte, error) {
	blob, err := p.cs.Get(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("possession: fetch blob for proof: %w", err)
	}
	return KeyedProof(blob, nonce)
}

type record struct {
	sizeBytes  int64
	storedAt   time.Time
	deadline   time.Time
	challenges map[string]*Challenge // hex(nonce) -> challenge
}

// Store tracks stored handles, their deadlines, and their challenge history.
type Store struct {
	mu       sync.Mutex
	records  map[string]*record
	verify   VerifierFunc
	maxBytes int64
	clock    func() time.Time
}

// NewStore creates a possession store. maxBytes bounds the declared size of
// a single stored blob; zero means unlimited.
func NewStore(verify VerifierFunc, maxBytes int64) *Store {
	return &Store{
		records:  make(map[string]*record),
		verify:   verify,
		maxBytes: maxBytes,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Store registers a handle for possession tracking with a storage duration.
func (s *Store) Store(_ context.Context, handle string, sizeBytes int64, duration time.Duration) error {
	if sizeBytes <= 0 {
		return errors.New("possession: size must be positive")
	}
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrSizeExceedsLimit, sizeBytes, s.maxBytes)
	}
	if duration <= 0 {
		return errors.New("possession: duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[handle]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyStored, handle)
	}

	now := s.clock()
	s.records[handle] = &record{
		sizeBytes:  sizeBytes,
		storedAt:   now,
		deadline:   now.Add(duration),
		challenges: make(map[string]*Challenge),
	}
	return nil
}

// IsActive reports whether the handle is stored and its deadline has not elapsed.
func (s *Store) IsActive(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[handle]
	return ok && s.clock().Before(rec.deadline)
}

// Renew extends the storage deadline. Past challenge history is untouched.
func (s *Store) Renew(_ context.Context, handle string, extra time.Duration) error {
	if extra <= 0 {
		return errors.New("possession: renewal duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStored, handle)
	}
	rec.deadline = rec.deadline.Add(extra)
	return nil
}

// IssueChallenge creates a fresh challenge with a random nonce.
// Expired handles fail with ErrStorageExpired.
func (s *Store) IssueChallenge(_ context.Context, handle string) (*Challenge, error) {
	nonce := make([]byte, nonceSize)
	if _, err := cryptorand.Read(nonce); err != nil {
		return nil, fmt.Errorf("possession: nonce generation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStored, handle)
	}
	if !s.clock().Before(rec.deadline) {
		return nil, fmt.Errorf("%w: %s", ErrStorageExpired, handle)
	}

	ch := &Challenge{
		ID:       uuid.New().String(),
		Handle:   handle,
		Nonce:    nonce,
		IssuedAt: s.clock(),
	}
	rec.challenges[hex.EncodeToString(nonce)] = ch
	return ch, nil
}

// AnswerChallenge verifies a proof against an issued nonce. The challenge is
// consumed atomically with its verification result: a second answer for the
// same nonce fails with ErrChallengeAnswered whatever the first outcome was.
func (s *Store) AnswerChallenge(ctx context.Context, handle string, nonce, proof []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[handle]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotStored, handle)
	}
	if !s.clock().Before(rec.deadline) {
		return false, fmt.Errorf("%w: %s", ErrStorageExpired, handle)
	}

	ch, ok := rec.challenges[hex.EncodeToString(nonce)]
	if !ok {
		return false, ErrUnknownChallenge
	}
	if ch.Answered {
		return false, ErrChallengeAnswered
	}

	ch.Answered = true
	ch.Verified = s.verify(ctx, handle, nonce, proof)
	return ch.Verified, nil
}

// ChallengeHistory returns the issued challenges for a handle, oldest state
// included; renewal never clears it.
func (s *Store) ChallengeHistory(handle string) []Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[handle]
	if !ok {
		return nil
	}
	out := make([]Challenge, 0, len(rec.challenges))
	for _, ch := range rec.challenges {
		out = append(out, *ch)
	}
	return out
}
