// Package lock provides the cross-worker instance lock taken around
// approver actions. The database row lock remains the source of
// correctness; this lock keeps competing workers from queueing on it.
package lock

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

const (
	defaultTTL     = 15 * time.Second
	retryInterval  = 50 * time.Millisecond
	defaultRetries = 40
)

// RedisLocker obtains short-lived Redis locks.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	log     *logger.Logger
}

// NewRedisLocker creates a RedisLocker on rdb. A zero ttl uses 15s.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retries: defaultRetries,
		log:     log.WithComponent("redis_locker"),
	}
}

// Lock blocks until key is obtained, the retries run out or ctx ends. A
// lock still held by another worker is reported as a CONFLICT.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(retryInterval), l.retries),
	})
	if stderrors.Is(err, redislock.ErrNotObtained) {
		return nil, errors.New(errors.ErrCodeConflict, "instance is busy, retry later")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to obtain instance lock")
	}

	return func() {
		// Release with a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lk.Release(releaseCtx); err != nil && !stderrors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn().Err(err).Str("key", key).Msg("Failed to release instance lock")
		}
	}, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to connect to redis")
	}
	return rdb, nil
}
