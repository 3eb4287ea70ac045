// Package content provides Content-Addressed Storage (CAS) for encrypted
// dataset blobs and compiled circuit binaries. Handles are "sha256:<hex>"
// strings computed over the stored bytes.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store defines the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its content handle (SHA-256).
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content handle.
	Get(ctx context.Context, handle string) ([]byte, error)
	// Exists checks whether a blob exists for the handle.
	Exists(ctx context.Context, handle string) (bool, error)
	// Pin marks a blob as retained so garbage collection never evicts it.
	// Pinning a missing handle is an error.
	Pin(ctx context.Context, handle string) error
}

func hashOf(data []byte) (raw, prefixed string) {
	h := sha256.Sum256(data)
	raw = hex.EncodeToString(h[:])
	return raw, "sha256:" + raw
}

func rawHash(handle string) (string, error) {
	if len(handle) < 7 || handle[:7] != "sha256:" {
		return "", fmt.Errorf("content: invalid handle format: %s", handle)
	}
	raw := handle[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("content: invalid handle hex: %w", err)
	}
	return raw, nil
}

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	pinned map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		pinned: make(map[string]bool),
	}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	_, handle := hashOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[handle]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[handle] = cp
	}
	return handle, nil
}

func (s *MemoryStore) Get(_ context.Context, handle string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[handle]
	if !ok {
		return nil, fmt.Errorf("content: blob not found: %s", handle)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[handle]
	return ok, nil
}

func (s *MemoryStore) Pin(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[handle]; !ok {
		return fmt.Errorf("content: cannot pin missing blob: %s", handle)
	}
	s.pinned[handle] = true
	return nil
}

// FileStore is a filesystem-backed Store. Blobs are written atomically
// (temp file + rename) under baseDir as <hex>.blob; pins are zero-byte
// <hex>.pin markers.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a CAS store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("content: ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, handle := hashOf(data)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Idempotent: an existing blob with this hash is the same bytes.
	if _, err := os.Stat(path); err == nil {
		return handle, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("content: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("content: commit blob: %w", err)
	}
	return handle, nil
}

func (s *FileStore) Get(_ context.Context, handle string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(handle)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("content: blob not found: %s", handle)
		}
		return nil, fmt.Errorf("content: open blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("content: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(handle)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("content: stat blob: %w", err)
}

func (s *FileStore) Pin(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(handle)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, raw+".blob")); err != nil {
		return fmt.Errorf("content: cannot pin missing blob: %s", handle)
	}
	if err := os.WriteFile(filepath.Join(s.baseDir, raw+".pin"), nil, 0o644); err != nil {
		return fmt.Errorf("content: write pin marker: %w", err)
	}
	return nil
}
