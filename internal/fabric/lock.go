package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// refreshScript extends the lease TTL only while we still hold the token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the key only while we still hold the token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Locker acquires single-holder leases.
type Locker interface {
	// AcquireLock returns a lease on key, or nil when another holder owns it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a time-bounded exclusive assertion of ownership over a key.
// Refresh fails once the lease has expired or been taken; the holder must
// then cancel its own operation within one heartbeat period.
type Lease interface {
	// Refresh extends the lease by its original TTL. Returns false when the
	// lease is no longer owned.
	Refresh(ctx context.Context) (bool, error)
	// Release deletes the lock if still owned.
	Release(ctx context.Context) error
	// IsOwned reports the outcome of the last acquire/refresh.
	IsOwned() bool
	// Key returns the lock key.
	Key() string
}

// RedisLocker implements Locker with SET NX PX plus token-checked refresh.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps client as a Locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    ttl,
		owned:  true,
	}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu    sync.Mutex
	owned bool
}

func (l *redisLease) Refresh(ctx context.Context) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.owned = res == 1
	l.mu.Unlock()
	return res == 1, nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	l.owned = false
	l.mu.Unlock()
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

func (l *redisLease) IsOwned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned
}

func (l *redisLease) Key() string {
	return l.key
}
