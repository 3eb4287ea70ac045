//go:build !gcp

package content

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("content: GCS storage is not enabled in this build (use -tags gcp)")
}
