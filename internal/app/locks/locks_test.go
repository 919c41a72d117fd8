package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"account:B", "", "account:A", "account:B"})
	assert.Equal(t, []string{"account:A", "account:B"}, got)
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Minute, 5*time.Millisecond), mr
}

func lockers(t *testing.T) map[string]Locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]Locker{
		"local": NewLocal(),
		"redis": redisLocker,
	}
}

func TestLockerExcludes(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				inside  int32
				overlap int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// Alternate key order; acquisition must sort them.
					keys := []string{AccountKey("A"), AccountKey("B")}
					if i%2 == 1 {
						keys[0], keys[1] = keys[1], keys[0]
					}
					release, err := locker.Acquire(ctx, keys...)
					if err != nil {
						t.Errorf("acquire: %v", err)
						return
					}
					if atomic.AddInt32(&inside, 1) > 1 {
						atomic.StoreInt32(&overlap, 1)
					}
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&inside, -1)
					release()
				}(i)
			}
			wg.Wait()
			assert.Zero(t, atomic.LoadInt32(&overlap), "two holders overlapped")
		})
	}
}

func TestLockerTimeoutLeavesNothingHeld(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := locker.Acquire(context.Background(), AccountKey("B"))
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = locker.Acquire(ctx, AccountKey("A"), AccountKey("B"))
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeTimeout), err.Error())

			// A was taken before B timed out and must have been released.
			other, err := locker.Acquire(context.Background(), AccountKey("A"))
			require.NoError(t, err)
			other()

			release()
			release()
		})
	}
}

func TestLocalForgetsIdleKeys(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "x", "y")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Held())
	release()
	assert.Equal(t, 0, l.Held())
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newRedisLocker(t)
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the key.
	require.NoError(t, mr.Set(redisKeyPrefix+"k", "someone-else"))
	release()

	got, err := mr.Get(redisKeyPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
