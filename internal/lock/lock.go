// Package lock keeps two reconciler processes from running the same kind of
// pass at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("lock is held by another reconciler")

// Locker grants exclusive, expiring ownership of a named pass.
type Locker interface {
	// Acquire takes the lock for name. It returns ErrHeld if another holder owns it.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Noop always grants the lock. Used when no Redis address is configured.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// releaseScript deletes the key only if it still carries our token, so an
// expired lock taken over by another process is never released by us.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis is a Locker backed by SET NX with a per-acquisition token.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis locker. Keys are "<prefix>:<name>:lock".
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(name string) string {
	return fmt.Sprintf("%s:%s:lock", r.prefix, name)
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := r.key(name)
	token := uuid.New().String()

	ok, err := r.client.SetNX(key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if _, err := r.client.Eval(releaseScript, []string{key}, token).Result(); err != nil && err != redis.Nil {
			slog.Warn("Failed to release lock", "key", key, "error", err)
		}
	}, nil
}

// Ready reports whether the Redis server answers.
func (r *Redis) Ready(context.Context) error {
	return r.client.Ping().Err()
}
