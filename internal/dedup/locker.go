// Package dedup provides short-lived locks keyed by external message ID.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// DefaultTTL bounds how long a lock blocks re-processing.
const DefaultTTL = 5 * time.Minute

// Locker grants at most one in-flight claim per external message ID. A
// false result from TryAcquire means another worker owns the ID and the
// caller must skip, not retry.
type Locker interface {
	TryAcquire(ctx context.Context, externalMessageID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, externalMessageID string) error
	Purge(ctx context.Context, now time.Time) (int, error)
}

// tokens remembers which claims this process holds so Release never drops
// a lock taken over by another worker after expiry.
type tokens struct {
	mu   sync.Mutex
	held map[string]string
}

func (t *tokens) put(id, token string) {
	t.mu.Lock()
	if t.held == nil {
		t.held = make(map[string]string)
	}
	t.held[id] = token
	t.mu.Unlock()
}

func (t *tokens) take(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token, ok := t.held[id]
	delete(t.held, id)
	return token, ok
}

// PostgresLocker relies on the unique key of processing_locks.
type PostgresLocker struct {
	store domain.LockStore
	now   func() time.Time
	tokens
}

// NewPostgresLocker constructs a locker over a relational LockStore.
func NewPostgresLocker(store domain.LockStore) *PostgresLocker {
	return &PostgresLocker{store: store, now: time.Now}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	lock := domain.ProcessingLock{
		ExternalMessageID: id,
		Status:            domain.LockProcessing,
		Token:             uuid.NewString(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttlOrDefault(ttl)),
	}
	ok, err := l.store.AcquireLock(ctx, lock)
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", id)
	}
	if ok {
		l.put(id, lock.Token)
	}
	return ok, nil
}

func (l *PostgresLocker) Release(ctx context.Context, id string) error {
	token, ok := l.take(id)
	if !ok {
		return nil
	}
	return l.store.ReleaseLock(ctx, id, token)
}

func (l *PostgresLocker) Purge(ctx context.Context, now time.Time) (int, error) {
	return l.store.PurgeLocks(ctx, now)
}

// redisClient is the subset of redis commands used by RedisLocker.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLocker uses SET NX PX. Expiry is handled by Redis itself, so Purge is a no-op.
type RedisLocker struct {
	client redisClient
	prefix string
	tokens
}

// NewRedisLocker constructs a locker; keys are namespaced by prefix.
func NewRedisLocker(client redisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "sync:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+id, token, ttlOrDefault(ttl)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis setnx %s", id)
	}
	if ok {
		l.put(id, token)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, id string) error {
	token, ok := l.take(id)
	if !ok {
		return nil
	}
	err := l.client.Eval(ctx, releaseScript, []string{l.prefix + id}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "redis release %s", id)
	}
	return nil
}

func (l *RedisLocker) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewMemoryLocker constructs an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if expires, ok := l.locks[id]; ok && now.Before(expires) {
		return false, nil
	}
	l.locks[id] = now.Add(ttlOrDefault(ttl))
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLocker) Purge(_ context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	purged := 0
	for id, expires := range l.locks {
		if !now.Before(expires) {
			delete(l.locks, id)
			purged++
		}
	}
	return purged, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
