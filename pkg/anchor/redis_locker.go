package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only when it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only when it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = lease in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLockerOptions configures RedisLocker.
type RedisLockerOptions struct {
	Prefix string
	// Lease is how long a lock survives a crashed holder.
	Lease time.Duration
	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// RedisLocker serializes work on one certificate across replicas. Locks are
// leases refreshed while held, so a crashed holder frees the key after Lease.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisLockerOptions
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, opts RedisLockerOptions) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "certanchor:lock:"
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, opts: opts, logger: logger.With("component", "anchor.redis_locker")}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.opts.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(key, redisKey, token, stop, done) })
	}, nil
}

func (l *RedisLocker) unlock(key, redisKey, token string, stop chan struct{}, done <-chan struct{}) {
	close(stop)
	<-done

	// Release must outlive a cancelled caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("redis unlock failed; lease will expire", "key", key, "error", err)
	}
}

func (l *RedisLocker) refresh(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.Lease/3)
			n, err := refreshScript.Run(ctx, l.client, []string{redisKey}, token, l.opts.Lease.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("redis lease refresh failed", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("redis lease lost", "key", redisKey)
				return
			}
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
