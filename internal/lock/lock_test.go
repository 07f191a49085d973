package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "aggregate", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "aggregate", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	require.NoError(t, locker.Release(ctx, "aggregate", "not-the-token"))
	_, ok, err = locker.TryLock(ctx, "aggregate", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release with a foreign token must not unlock")

	require.NoError(t, locker.Release(ctx, "aggregate", token))
	_, ok, err = locker.TryLock(ctx, "aggregate", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockExpires(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "payouts", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "payouts", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	ran := false
	acquired, err := locker.WithLock(ctx, "evaluate", time.Minute, func(context.Context) error {
		ran = true
		_, inner, err := locker.TryLock(ctx, "evaluate", time.Minute)
		require.NoError(t, err)
		assert.False(t, inner)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	boom := errors.New("boom")
	_, err = locker.WithLock(ctx, "evaluate", time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, ok, err := locker.TryLock(ctx, "evaluate", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after fn returns")
}

func TestNilLockerRunsInline(t *testing.T) {
	var locker *Locker
	assert.False(t, locker.Enabled())

	acquired, err := locker.WithLock(context.Background(), "job", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired)

	_, _, err = locker.TryLock(context.Background(), "job", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.Nil(t, NewLocker(nil))
}

func TestExtendOnlyForOwner(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "tier_evaluation", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locker.Extend(ctx, "tier_evaluation", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("cascade:lock:tier_evaluation"))

	ok, err = locker.Extend(ctx, "tier_evaluation", "stranger", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("cascade:lock:tier_evaluation"))
}

func TestWithLockCancelsWhenLeaseIsTaken(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	acquired, err := locker.WithLock(ctx, "aggregate", 30*time.Millisecond, func(ctx context.Context) error {
		require.NoError(t, mr.Set("cascade:lock:aggregate", "other-instance"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("lease loss never cancelled the job")
		}
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.ErrorIs(t, err, context.Canceled)

	got, getErr := mr.Get("cascade:lock:aggregate")
	require.NoError(t, getErr)
	assert.Equal(t, "other-instance", got, "a lost lease must not delete the new holder's key")
}

func TestWithLockRenewsLongRunningJobs(t *testing.T) {
	locker, mr := newTestLocker(t)

	acquired, err := locker.WithLock(context.Background(), "payouts", 30*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(60 * time.Millisecond)
		assert.True(t, mr.Exists("cascade:lock:payouts"))
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.False(t, mr.Exists("cascade:lock:payouts"))
}
