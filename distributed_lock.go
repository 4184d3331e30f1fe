package crawlerkit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotLocker serialises read-modify-write cycles on one snapshot key
// across processes. The returned func releases the lock.
type SnapshotLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DistributedLock is a SnapshotLocker backed by Redis SET NX. Several
// crawlers appending to the same snapshot on shared storage use it so
// that no append is lost.
type DistributedLock struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retries   int
	backoff   time.Duration
}

// NewDistributedLock stores locks under "crawlerkit:lock:<namespace>:<key>".
// Locks expire after 30s so a crashed holder cannot block others forever.
func NewDistributedLock(client redis.UniversalClient, namespace string) *DistributedLock {
	return &DistributedLock{
		client:    client,
		keyPrefix: fmt.Sprintf("crawlerkit:lock:%s:", namespace),
		ttl:       30 * time.Second,
		retries:   20,
		backoff:   25 * time.Millisecond,
	}
}

// SetTTL changes how long an unreleased lock survives.
func (l *DistributedLock) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		l.ttl = ttl
	}
}

// SetRetry sets how often Lock retries a held lock and the first wait,
// which doubles up to one second.
func (l *DistributedLock) SetRetry(retries int, backoff time.Duration) {
	l.retries = retries
	if backoff > 0 {
		l.backoff = backoff
	}
}

// TryLock makes a single attempt and returns ErrLockHeld when another
// holder has the key.
func (l *DistributedLock) TryLock(ctx context.Context, key string) (func(), error) {
	lockKey := l.keyPrefix + key
	token := NewID()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, classified(KindConnection, "redis", "lock", err)
	}
	if !ok {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{"key": key})
	}

	return func() {
		// the caller's context may already be done
		_ = releaseScript.Run(context.Background(), l.client, []string{lockKey}, token).Err()
	}, nil
}

// Lock waits for the key with exponential backoff until the retries are
// used up or ctx is done.
func (l *DistributedLock) Lock(ctx context.Context, key string) (func(), error) {
	wait := l.backoff
	for attempt := 0; ; attempt++ {
		release, err := l.TryLock(ctx, key)
		if err == nil || !IsLockHeld(err) || attempt >= l.retries {
			return release, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = nextLockWait(wait)
	}
}

const maxLockWait = time.Second

func nextLockWait(wait time.Duration) time.Duration {
	return min(wait*2, maxLockWait)
}
