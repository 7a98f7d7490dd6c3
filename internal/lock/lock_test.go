package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	lease, ok, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	_, ok, _ = l.Acquire(ctx, "campaign:2", time.Minute)
	assert.True(t, ok, "different keys are independent")

	require.NoError(t, lease.Release(ctx))
	_, ok, _ = l.Acquire(ctx, "campaign:1", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.clock = func() time.Time { return now }

	stale, ok, _ := l.Acquire(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	fresh, ok, _ := l.Acquire(ctx, "k", time.Second)
	require.True(t, ok, "expired lease can be taken over")

	assert.ErrorIs(t, stale.Refresh(ctx, time.Second), ErrNotHeld)
	require.NoError(t, stale.Release(ctx))
	assert.NoError(t, fresh.Refresh(ctx, time.Second), "old holder's release must not drop the new lease")
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rc := redis.NewClient(opt)
	defer rc.Close()

	ctx := context.Background()
	l := NewRedisLocker(rc, "wasslchat-test-"+time.Now().Format("150405.000"))

	lease, ok, err := l.Acquire(ctx, "campaign:7", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "campaign:7", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Refresh(ctx, 5*time.Second))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Refresh(ctx, time.Second), ErrNotHeld)

	again, ok, err := l.Acquire(ctx, "campaign:7", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_ = again.Release(ctx)
}
