//go:build gcp

package content

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("CONTENT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("content: CONTENT_GCS_BUCKET is required for GCS storage")
	}

	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("CONTENT_GCS_PREFIX"),
	})
}
