// Package lock provides the per-campaign run lease that keeps two
// dispatcher runs from draining the same campaign at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Refresh when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Locker hands out exclusive, expiring leases keyed by name.
type Locker interface {
	// Acquire returns ok=false without error when someone else holds key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease is a held lock. Release is safe to call after expiry.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// ====================== Redis ======================

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type RedisLocker struct {
	rc     redis.UniversalClient
	prefix string
}

func NewRedisLocker(rc redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rc: rc, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	fullKey := l.prefix + ":lock:" + key
	token := uuid.NewString()
	ok, err := l.rc.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rc: l.rc, key: fullKey, token: token}, true, nil
}

type redisLease struct {
	rc    redis.UniversalClient
	key   string
	token string
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rc, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rc, []string{l.key}, l.token).Err()
}

// ====================== In-process ======================

// MemoryLocker is a Locker for single-process deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{l: l, key: key, token: token}, true, nil
}

type memoryLease struct {
	l     *MemoryLocker
	key   string
	token string
}

func (m *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	e, ok := m.l.held[m.key]
	now := m.l.clock()
	if !ok || e.token != m.token || !now.Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = now.Add(ttl)
	m.l.held[m.key] = e
	return nil
}

func (m *memoryLease) Release(_ context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if e, ok := m.l.held[m.key]; ok && e.token == m.token {
		delete(m.l.held, m.key)
	}
	return nil
}
