package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

func testLockOptions() port.LockOptions {
	return port.LockOptions{
		LeaseTTL:      2 * time.Second,
		MaxWait:       0,
		RetryInterval: 10 * time.Millisecond,
	}
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	client, mr := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, port.StockLockKey("item-1"), "owner-a", testLockOptions())
	require.NoError(t, err)
	assert.True(t, lease.Acquired())
	assert.True(t, lease.ValidUntil().After(time.Now()))

	got, err := mr.Get(port.StockLockKey("item-1"))
	require.NoError(t, err)
	assert.Equal(t, "owner-a", got, "lock key should hold the owner token")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(port.StockLockKey("item-1")))
}

func TestRedisLocker_HeldByAnotherOwner(t *testing.T) {
	client, _ := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "lock:test", "owner-a", testLockOptions())
	require.NoError(t, err)
	defer first.Release(ctx)

	second, err := locker.Acquire(ctx, "lock:test", "owner-b", testLockOptions())
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	require.NotNil(t, second)
	assert.False(t, second.Acquired())
	assert.True(t, second.ValidUntil().IsZero())

	// releasing an unacquired lease must not touch the holder's key
	assert.NoError(t, second.Release(ctx))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	client, _ := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "lock:test", "owner-a", testLockOptions())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release(ctx)
	}()

	opts := testLockOptions()
	opts.MaxWait = 2 * time.Second

	second, err := locker.Acquire(ctx, "lock:test", "owner-b", opts)
	require.NoError(t, err)
	assert.True(t, second.Acquired())
	assert.NoError(t, second.Release(ctx))
}

func TestRedisLocker_ExpiredLeaseCannotReleaseNewOwner(t *testing.T) {
	client, mr := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "lock:test", "owner-a", testLockOptions())
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)

	fresh, err := locker.Acquire(ctx, "lock:test", "owner-b", testLockOptions())
	require.NoError(t, err)

	err = stale.Release(ctx)
	assert.ErrorIs(t, err, ErrLockNotHeld)

	got, err := mr.Get("lock:test")
	require.NoError(t, err)
	assert.Equal(t, "owner-b", got, "stale release must not delete the new owner's key")

	assert.NoError(t, fresh.Release(ctx))
}

func TestRedisLocker_InvalidOptions(t *testing.T) {
	client, _ := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())

	tests := []struct {
		name  string
		key   string
		token string
		opts  port.LockOptions
	}{
		{"Empty key", "", "owner", testLockOptions()},
		{"Empty token", "lock:test", "", testLockOptions()},
		{"Zero ttl", "lock:test", "owner", port.LockOptions{RetryInterval: time.Millisecond}},
		{"Zero retry interval", "lock:test", "owner", port.LockOptions{LeaseTTL: time.Second}},
		{"Negative wait", "lock:test", "owner", port.LockOptions{LeaseTTL: time.Second, RetryInterval: time.Millisecond, MaxWait: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := locker.Acquire(context.Background(), tt.key, tt.token, tt.opts)
			assert.ErrorIs(t, err, domain.ErrInvalidLockOptions)
		})
	}
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	client, _ := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	opts := testLockOptions()
	opts.MaxWait = 5 * time.Second
	opts.RetryInterval = 5 * time.Millisecond

	var inside, maxInside, done atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			err := locker.WithLock(ctx, "lock:shared", fmt.Sprintf("owner-%d", id), opts, func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				done.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int32(10), done.Load())
	assert.Equal(t, int32(1), maxInside.Load(), "two holders overlapped")
}

func TestRedisLocker_WithLockPropagatesError(t *testing.T) {
	client, mr := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())

	err := locker.WithLock(context.Background(), "lock:test", "owner", testLockOptions(), func(context.Context) error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, mr.Exists("lock:test"), "lock must be released after fn fails")
}

func TestRedisLocker_ReleaseAfterExpiry(t *testing.T) {
	client, mr := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "lock:test", "owner-a", testLockOptions())
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)

	err = lease.Release(ctx)
	assert.ErrorIs(t, err, ErrLockNotHeld)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRedisLocker_ReleaseStoreUnavailable(t *testing.T) {
	client, mr := getRedisClient(t)
	locker := NewRedisLocker(client, zap.NewNop())
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "lock:test", "owner-a", testLockOptions())
	require.NoError(t, err)

	mr.Close()

	err = lease.Release(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotHeld)
	assert.False(t, lease.Acquired())
}
