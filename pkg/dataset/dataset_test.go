package dataset

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("patient-records-2026"))
	assert.True(t, strings.HasPrefix(h, "sha256:"))
	assert.Len(t, h, len("sha256:")+64)
	assert.Equal(t, h, HashBytes([]byte("patient-records-2026")), "hash must be deterministic")
	assert.NotEqual(t, h, HashBytes([]byte("patient-records-2027")))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry().WithClock(func() time.Time { return fixed })

	h := Handle{
		ContentHash:        HashBytes([]byte("blob")),
		Owner:              "org:hospital-a",
		SizeBytes:          4096,
		EncryptionMetaHash: HashBytes([]byte("aes-256-gcm meta")),
	}

	got, err := reg.Register(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, fixed, got.RegisteredAt)

	fetched, err := reg.Get(ctx, h.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "org:hospital-a", fetched.Owner)
	assert.Equal(t, int64(4096), fetched.SizeBytes)
	assert.True(t, reg.Exists(ctx, h.ContentHash))
}

func TestRegistryDuplicate(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	h := Handle{ContentHash: HashBytes([]byte("x")), Owner: "a", SizeBytes: 1}
	_, err := reg.Register(ctx, h)
	require.NoError(t, err)

	h.Owner = "b"
	_, err = reg.Register(ctx, h)
	assert.ErrorIs(t, err, ErrHandleExists)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryValidation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	cases := []struct {
		name string
		h    Handle
	}{
		{"missing prefix", Handle{ContentHash: "deadbeef", Owner: "a", SizeBytes: 1}},
		{"short hex", Handle{ContentHash: "sha256:abcd", Owner: "a", SizeBytes: 1}},
		{"bad hex", Handle{ContentHash: "sha256:" + strings.Repeat("z", 64), Owner: "a", SizeBytes: 1}},
		{"no owner", Handle{ContentHash: HashBytes([]byte("y")), SizeBytes: 1}},
		{"zero size", Handle{ContentHash: HashBytes([]byte("y")), Owner: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tc.h)
			assert.Error(t, err)
		})
	}
}

func TestRegistryGetMissing(t *testing.T) {
	_, err := NewRegistry().Get(context.Background(), HashBytes([]byte("missing")))
	assert.ErrorIs(t, err, ErrHandleNotFound)
}
