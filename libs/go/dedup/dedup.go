// Package dedup keeps a bounded window of recently processed message ids and short-lived
// per-key locks in Redis.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window remembers dedup keys for a fixed TTL. It is an optimisation in front of the
// durable applied-event records, never a replacement for them.
type Window struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewWindow creates a window whose keys live under prefix.
func NewWindow(client *redis.Client, prefix string, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Window{client: client, prefix: prefix, ttl: ttl}
}

func (w *Window) key(dedupKey string) string {
	return w.prefix + ":seen:" + dedupKey
}

// Seen reports whether dedupKey was marked within the TTL.
func (w *Window) Seen(ctx context.Context, dedupKey string) (bool, error) {
	n, err := w.client.Exists(ctx, w.key(dedupKey)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup window lookup: %w", err)
	}
	return n > 0, nil
}

// Mark records dedupKey. Marking an existing key refreshes its TTL.
func (w *Window) Mark(ctx context.Context, dedupKey string) error {
	if err := w.client.Set(ctx, w.key(dedupKey), 1, w.ttl).Err(); err != nil {
		return fmt.Errorf("dedup window mark: %w", err)
	}
	return nil
}

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("dedup: lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks keyed by dedup key.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lock is a held lock. Release only deletes the key while this holder still owns it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock for dedupKey or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, dedupKey string) (*Lock, error) {
	key := l.prefix + ":lock:" + dedupKey
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Release frees the lock. A lock that already expired is not an error.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	return nil
}
