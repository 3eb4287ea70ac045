//go:build gcp

package content

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage. Objects are keyed by
// their SHA-256 hash; pins are recorded as object metadata.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed content store (uses ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	raw, handle := hashOf(data)
	obj := s.object(raw)

	// Idempotent: skip upload when the object already exists.
	if _, err := obj.Attrs(ctx); err == nil {
		return handle, nil
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("content: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("content: gcs commit: %w", err)
	}
	return handle, nil
}

func (s *GCSStore) Get(ctx context.Context, handle string) ([]byte, error) {
	raw, err := rawHash(handle)
	if err != nil {
		return nil, err
	}

	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("content: blob not found: %s", handle)
		}
		return nil, fmt.Errorf("content: gcs read: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("content: gcs read: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, handle string) (bool, error) {
	raw, err := rawHash(handle)
	if err != nil {
		return false, err
	}

	_, err = s.object(raw).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("content: gcs attrs: %w", err)
}

func (s *GCSStore) Pin(ctx context.Context, handle string) error {
	raw, err := rawHash(handle)
	if err != nil {
		return err
	}

	_, err = s.object(raw).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"pinned": "true"},
	})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("content: cannot pin missing blob: %s", handle)
		}
		return fmt.Errorf("content: gcs pin: %w", err)
	}
	return nil
}
