package lease

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	first, err := l.Acquire(ctx, Key("job", "src"), time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, Key("job", "src"), time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, Key("job", "other"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := l.Acquire(ctx, Key("job", "src"), time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, again.Token)
}

func TestLocalExpiry(t *testing.T) {
	l := NewLocal()
	current := time.Now()
	l.now = func() time.Time { return current }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	current = current.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrHeld, "releasing a stale lease must not drop the new holder")
	require.NoError(t, fresh.Release(ctx))
}

func TestLocalConcurrentAcquire(t *testing.T) {
	l := NewLocal()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Acquire(context.Background(), "k", time.Minute)
			if err == nil {
				winners.Add(1)
			} else if !errors.Is(err, ErrHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestNilLeaseRelease(t *testing.T) {
	var l *Lease
	assert.NoError(t, l.Release(context.Background()))
}

func TestRedisExclusive(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	key := Key("test-"+time.Now().Format("150405.000000"), "src")
	r := NewRedis(client)

	held, err := r.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, held.Release(ctx))
	again, err := r.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
