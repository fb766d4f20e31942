package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key token NX PX ttl. Only one holder can create the key and
// the TTL frees it if the holder dies.
// Release: a Lua script deletes the key only while it still holds our token,
// so an expired holder cannot release somebody else's lock.
//
// The database row locks remain the source of truth. This lock only keeps
// several service instances from piling onto the same user's rows.
// ============================================================================

var ErrLockFailed = errors.New("could not acquire distributed lock")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	token      string
	expiration time.Duration
}

func NewDistributedLock(client redis.UniversalClient, key, token string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		token:      token,
		expiration: expiration,
	}
}

// TryLock makes a single non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// UserLocker serializes ledger mutations per user across processes.
type UserLocker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewUserLocker(client redis.UniversalClient, ttl time.Duration) *UserLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UserLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    100,
	}
}

func UserLockKey(userID int64) string {
	return fmt.Sprintf("ledger:lock:user:%d", userID)
}

// LockUser blocks until the user's lock is held and returns its release func.
func (u *UserLocker) LockUser(ctx context.Context, userID int64) (func(), error) {
	l := NewDistributedLock(u.client, UserLockKey(userID), uuid.NewString(), u.ttl)
	if err := l.Lock(ctx, u.retryInterval, u.maxRetries); err != nil {
		return nil, fmt.Errorf("lock user %d: %w", userID, err)
	}
	return func() {
		// release even if the request context is already gone
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
