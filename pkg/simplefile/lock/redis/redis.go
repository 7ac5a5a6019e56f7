// Package redis implements a simplefile.Locker on Redis with SET NX PX and a
// token-checked release, so that saves of identical content are serialized
// across processes.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL           = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	defaultPrefix        = "lock:"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config options for the Redis locker
type Config struct {
	Addr          string        // Redis address, host:port
	Password      string        // Optional password
	DB            int           // Database number
	PoolSize      int           // Connection pool size (default: go-redis default)
	TTL           time.Duration // Lock expiry (default: 30s)
	RetryInterval time.Duration // Poll interval while waiting (default: 50ms)
	Prefix        string        // Key prefix (default: "lock:")
}

// Locker holds locks as Redis keys with an expiry.
type Locker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	logger        *slog.Logger
	owned         bool
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	l := NewWithClient(client, cfg)
	l.owned = true
	return l, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Locker {
	l := &Locker{
		client:        client,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		prefix:        cfg.Prefix,
		logger:        slog.Default(),
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.retryInterval <= 0 {
		l.retryInterval = defaultRetryInterval
	}
	if l.prefix == "" {
		l.prefix = defaultPrefix
	}
	return l
}

// WithLogger sets the logger used for release failures
func (l *Locker) WithLogger(logger *slog.Logger) *Locker {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Lock polls until the key is acquired or ctx is done. A holder that never
// unlocks loses the lock after the TTL.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release redis lock", "key", redisKey, "err", err)
			}
		})
	}
}

// Close closes the client when the locker created it
func (l *Locker) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
