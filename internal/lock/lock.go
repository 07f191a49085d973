package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	// ErrLockLost is the cancellation cause seen by a job whose lease could
	// not be renewed. Another instance may already be running the same job.
	ErrLockLost = errors.New("job lock lost")
)

// Locker is a single-holder redis lease keyed by job name. A nil Locker means
// the deployment runs one engine instance and every acquire succeeds.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
	prefix  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
		prefix:  "cascade:lock:",
	}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// TryLock returns the lease token and whether the lock was acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Extend pushes the expiry of a held lease out to ttl from now. It reports
// false when token no longer owns key.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !l.Enabled() {
		return false, ErrLockNotConfigured
	}
	n, err := l.extend.Run(ctx, l.client, []string{l.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if !l.Enabled() {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

// WithLock runs fn while holding key. It reports false without running fn when
// another holder owns the lock. The lease is renewed every ttl/3 for as long
// as fn runs; if a renewal finds the lease gone, fn's context is cancelled
// with ErrLockLost and the returned error wraps it.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if !l.Enabled() {
		return true, fn(ctx)
	}
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(jobCtx, key, token, ttl, done, cancel)
	}()

	err = fn(jobCtx)
	close(done)
	<-renewed

	lost := errors.Is(context.Cause(jobCtx), ErrLockLost)
	cancel(nil)
	if !lost {
		// A fresh context lets a cancelled job still free the key.
		releaseCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		_ = l.Release(releaseCtx, key, token)
		stop()
		return true, err
	}
	if err == nil {
		return true, ErrLockLost
	}
	return true, errors.Join(ErrLockLost, err)
}

func (l *Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, done <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Extend(ctx, key, token, ttl)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				cancel(ErrLockLost)
				return
			}
		}
	}
}
