// Package dataset defines content-addressed dataset handles and their registry.
//
// A Handle is an immutable reference to an encrypted blob: the blob's content
// hash, its registering owner, its size, and a hash over the encryption
// metadata needed to decrypt it. Jobs reference handles, never blob bytes.
package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrHandleExists is returned when registering a content hash twice.
	ErrHandleExists = errors.New("dataset: handle already registered")
	// ErrHandleNotFound is returned when a handle is not registered.
	ErrHandleNotFound = errors.New("dataset: handle not found")
	// ErrInvalidHandle is returned for malformed content hashes.
	ErrInvalidHandle = errors.New("dataset: invalid content hash")
)

// Handle is an immutable reference to a registered encrypted dataset.
type Handle struct {
	ContentHash        string    `json:"content_hash"` // "sha256:<hex>"
	Owner              string    `json:"owner"`
	SizeBytes          int64     `json:"size_bytes"`
	EncryptionMetaHash string    `json:"encryption_meta_hash"`
	RegisteredAt       time.Time `json:"registered_at"`
}

// HashBytes computes the prefixed content hash for raw blob bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// ValidateHash checks that a content hash is a well-formed "sha256:<hex>" string.
func ValidateHash(hash string) error {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return fmt.Errorf("%w: missing sha256 prefix: %q", ErrInvalidHandle, hash)
	}
	if len(raw) != 64 {
		return fmt.Errorf("%w: expected 64 hex chars, got %d", ErrInvalidHandle, len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	return nil
}

// Registry owns the set of registered dataset handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	clock   func() time.Time
}

// NewRegistry creates an empty dataset registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register records a new handle. The content hash is the identity: registering
// the same hash twice fails with ErrHandleExists regardless of owner.
func (r *Registry) Register(_ context.Context, h Handle) (Handle, error) {
	if err := ValidateHash(h.ContentHash); err != nil {
		return Handle{}, err
	}
	if h.Owner == "" {
		return Handle{}, errors.New("dataset: owner must not be empty")
	}
	if h.SizeBytes <= 0 {
		return Handle{}, errors.New("dataset: size must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[h.ContentHash]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrHandleExists, h.ContentHash)
	}

	h.RegisteredAt = r.clock()
	r.handles[h.ContentHash] = h
	return h, nil
}

// Get returns a registered handle by content hash.
func (r *Registry) Get(_ context.Context, contentHash string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[contentHash]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrHandleNotFound, contentHash)
	}
	return h, nil
}

// Exists reports whether a handle is registered.
func (r *Registry) Exists(_ context.Context, contentHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[contentHash]
	return ok
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
