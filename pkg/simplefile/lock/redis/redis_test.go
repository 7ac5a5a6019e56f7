package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, cfg Config) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg.Addr = server.Addr()
	l, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, server
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address cannot be empty")
}

func TestNewWithClient_Defaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	l := NewWithClient(client, Config{})
	assert.Equal(t, defaultTTL, l.ttl)
	assert.Equal(t, defaultRetryInterval, l.retryInterval)
	assert.Equal(t, defaultPrefix, l.prefix)
	assert.NoError(t, l.Close())
}

func TestLocker_LockAndRelease(t *testing.T) {
	l, server := newTestLocker(t, Config{Prefix: "test:"})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "hash")
	require.NoError(t, err)
	assert.True(t, server.Exists("test:hash"))

	unlock()
	assert.False(t, server.Exists("test:hash"))

	unlock()
}

func TestLocker_BlocksUntilReleased(t *testing.T) {
	l, _ := newTestLocker(t, Config{RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "hash")
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := l.Lock(ctx, "hash")
		if !assert.NoError(t, err) {
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Fatal("second lock was never acquired")
	}
}

func TestLocker_ContextDeadline(t *testing.T) {
	l, _ := newTestLocker(t, Config{RetryInterval: 5 * time.Millisecond})

	unlock, err := l.Lock(context.Background(), "hash")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "hash")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_ReleaseKeepsForeignToken(t *testing.T) {
	l, server := newTestLocker(t, Config{Prefix: "test:"})

	unlock, err := l.Lock(context.Background(), "hash")
	require.NoError(t, err)

	// Another holder took over after expiry.
	require.NoError(t, server.Set("test:hash", "someone-else"))
	unlock()

	value, err := server.Get("test:hash")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestLocker_ExpiresAfterTTL(t *testing.T) {
	l, server := newTestLocker(t, Config{TTL: time.Second, RetryInterval: 5 * time.Millisecond})

	_, err := l.Lock(context.Background(), "hash")
	require.NoError(t, err)

	server.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := l.Lock(ctx, "hash")
	require.NoError(t, err)
	unlock()
}
