package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

// ErrLockNotHeld is returned when a lease is released after it expired or
// after another owner took the key.
var ErrLockNotHeld = errors.New("lock was not held or already expired")

// RedisLocker is a lease lock on a single Redis node. Acquisition is
// SET key token NX PX ttl, release is a compare-and-delete script, both
// provided by redsync.
type RedisLocker struct {
	redsync *redsync.Redsync
	logger  *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  logger.With(zap.String("component", "redis_lock")),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, resourceKey, ownerToken string, opts port.LockOptions) (port.Lease, error) {
	if err := validateLockOptions(resourceKey, ownerToken, opts); err != nil {
		return nil, err
	}

	tries := int(opts.MaxWait/opts.RetryInterval) + 1

	mutex := l.redsync.NewMutex(resourceKey,
		redsync.WithExpiry(opts.LeaseTTL),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(opts.RetryInterval),
		redsync.WithGenValueFunc(func() (string, error) { return ownerToken, nil }),
	)

	lease := &redisLease{mutex: mutex, key: resourceKey, logger: l.logger}

	err := mutex.LockContext(ctx)
	if err == nil {
		lease.acquired = true
		return lease, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return lease, fmt.Errorf("acquire %s: %w", resourceKey, ctxErr)
	}

	if isLockContention(err) {
		return lease, fmt.Errorf("acquire %s after %s: %w", resourceKey, opts.MaxWait, domain.ErrLockTimeout)
	}

	return lease, fmt.Errorf("acquire %s: %w: %w", resourceKey, domain.ErrStoreUnavailable, err)
}

// WithLock runs fn while holding the lease and releases it afterwards.
func (l *RedisLocker) WithLock(ctx context.Context, resourceKey, ownerToken string, opts port.LockOptions, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, resourceKey, ownerToken, opts)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			l.logger.Warn("release lock", zap.String("key", resourceKey), zap.Error(releaseErr))
		}
	}()

	return fn(ctx)
}

// isLockContention reports whether redsync gave up because another owner
// held the key, as opposed to Redis being unreachable.
func isLockContention(err error) bool {
	msg := err.Error()
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}

// isLeaseLost reports whether an unlock failed because the key no longer
// held this lease's token.
func isLeaseLost(err error) bool {
	if err == nil {
		return true
	}

	msg := err.Error()
	return errors.Is(err, redsync.ErrLockAlreadyExpired) ||
		strings.Contains(msg, "already expired") ||
		strings.Contains(msg, "lock already taken")
}

func validateLockOptions(resourceKey, ownerToken string, opts port.LockOptions) error {
	switch {
	case resourceKey == "":
		return fmt.Errorf("%w: empty resource key", domain.ErrInvalidLockOptions)
	case ownerToken == "":
		return fmt.Errorf("%w: empty owner token", domain.ErrInvalidLockOptions)
	case opts.LeaseTTL <= 0:
		return fmt.Errorf("%w: lease ttl must be positive", domain.ErrInvalidLockOptions)
	case opts.RetryInterval <= 0:
		return fmt.Errorf("%w: retry interval must be positive", domain.ErrInvalidLockOptions)
	case opts.MaxWait < 0:
		return fmt.Errorf("%w: max wait cannot be negative", domain.ErrInvalidLockOptions)
	}

	return nil
}

type redisLease struct {
	mutex    *redsync.Mutex
	key      string
	acquired bool
	logger   *zap.Logger
}

func (h *redisLease) Acquired() bool {
	return h.acquired
}

func (h *redisLease) ValidUntil() time.Time {
	if !h.acquired {
		return time.Time{}
	}

	return h.mutex.Until()
}

// Release deletes the key only if it still holds this lease's token. A key
// that expired or moved to another owner yields ErrLockNotHeld; a Redis
// failure yields domain.ErrStoreUnavailable.
func (h *redisLease) Release(ctx context.Context) error {
	if !h.acquired {
		return nil
	}

	h.acquired = false

	ok, err := h.mutex.UnlockContext(ctx)
	if ok {
		return nil
	}

	if !isLeaseLost(err) {
		h.logger.Error("lock release failed", zap.String("key", h.key), zap.Error(err))
		return fmt.Errorf("release %s: %w: %w", h.key, domain.ErrStoreUnavailable, err)
	}

	h.logger.Warn("lock was not held at release", zap.String("key", h.key), zap.Error(err))
	return fmt.Errorf("release %s: %w", h.key, ErrLockNotHeld)
}
