package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	l := NewMemoryLimiter(1, 3)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "burst request %d should pass", i)
	}

	ok, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "request beyond burst should be limited")
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, 1)
	defer l.Close()
	ctx := context.Background()

	ok, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key has its own bucket.
	ok, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	l := NewMemoryLimiter(100, 1)
	defer l.Close()
	ctx := context.Background()

	ok, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	// At 100 tokens/sec, 20ms is enough for a refill.
	time.Sleep(20 * time.Millisecond)
	ok, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}
