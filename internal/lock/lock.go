package lock

import (
	"context"
	"fmt"
	"time"

	"exchange-service/pkg/xerrors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetries    = 10
	DefaultRetryDelay = 200 * time.Millisecond
)

// releaseScript deletes the lock key only when it still carries our token,
// so a lock that expired and was re-acquired elsewhere is never released
// by the previous holder.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisClient is the slice of go-redis this package needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Manager provides named, TTL-bounded mutual exclusion backed by Redis.
// Locks are advisory: they serialize access across processes but do not
// replace storage transactions for multi-row atomicity.
type Manager struct {
	rdb    RedisClient
	logger *zap.Logger
}

func NewManager(rdb RedisClient, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger}
}

// Lock is a held distributed lock.
type Lock struct {
	rdb   RedisClient
	key   string
	token string
}

// Acquire attempts a single SET NX with the given TTL.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := "lock:" + key
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	ok, err := m.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, xerrors.ErrLockNotAcquired
	}

	m.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return &Lock{rdb: m.rdb, key: lockKey, token: token}, nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res == 0 {
		return xerrors.ErrLockNotOwned
	}
	return nil
}

// WithLock runs fn under the named lock, retrying acquisition on contention
// up to retries times with retryDelay between attempts. The lock is released
// on every exit path; if the holder dies the TTL expires it.
func (m *Manager) WithLock(
	ctx context.Context,
	key string,
	ttl time.Duration,
	retries int,
	retryDelay time.Duration,
	fn func(ctx context.Context) error,
) error {
	var held *Lock

	for attempt := 0; ; attempt++ {
		l, err := m.Acquire(ctx, key, ttl)
		if err == nil {
			held = l
			break
		}
		if err != xerrors.ErrLockNotAcquired {
			return err
		}
		if attempt >= retries {
			m.logger.Warn("lock retries exhausted", zap.String("key", key), zap.Int("attempts", attempt+1))
			return xerrors.ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			// TTL will expire the key; nothing else to do.
			m.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}
