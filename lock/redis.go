package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

const extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end`

// ErrLockLost is returned when the lock expired or was taken over while the
// callback still ran.
var ErrLockLost = errors.New("lock: lost before the callback finished")

// Redis is a lock shared by every API replica using the same Redis.
type Redis struct {
	R            *redis.Client
	Prefix       string
	TTL          time.Duration
	RetryBackoff time.Duration
}

// WithLock runs fn while holding key in Redis. The TTL is renewed every third
// of its length while fn runs, so it only expires when the process dies
// holding it. If renewal finds the key gone or owned by another token, fn's
// context is cancelled and WithLock returns ErrLockLost. The lock is
// advisory: the Postgres row locks taken inside fn still guard the data.
func (l Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	key = l.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return l.hold(ctx, key, token, ttl, fn)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Redis) hold(ctx context.Context, key, token string, ttl time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(ctx, cancel, key, token, ttl)
	}()

	err := fn(ctx)
	lost := errors.Is(context.Cause(ctx), ErrLockLost)
	cancel(nil)
	<-done
	l.release(context.Background(), key, token)

	if lost {
		return ErrLockLost
	}
	return err
}

func (l Redis) keepAlive(ctx context.Context, lost context.CancelCauseFunc, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.R.Eval(ctx, extendScript, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil {
				// transient errors are retried on the next tick
				continue
			}
			if n == 0 {
				lost(ErrLockLost)
				return
			}
		}
	}
}

// release deletes the key only while it still holds token.
func (l Redis) release(ctx context.Context, key, token string) {
	_ = l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
}
