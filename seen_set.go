package crawlerkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet remembers keys already processed, typically record
// fingerprints, so a crawl can skip what it has stored before.
type SeenSet interface {
	// Seen reports whether key was recorded before and records it if not.
	Seen(ctx context.Context, key string) (bool, error)
}

// MemorySeenSet is a process-local SeenSet.
type MemorySeenSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemorySeenSet creates an empty set.
func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{keys: make(map[string]struct{})}
}

func (s *MemorySeenSet) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return true, nil
	}
	s.keys[key] = struct{}{}
	return false, nil
}

// Len returns the number of recorded keys.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// RedisSeenSet shares a SeenSet between processes through one Redis set.
type RedisSeenSet struct {
	client  redis.UniversalClient
	setKey  string
	ttl     time.Duration
	metrics Metrics
}

// NewRedisSeenSet stores members in the set "crawlerkit:seen:<namespace>".
// A positive ttl expires the whole set that long after the last addition.
func NewRedisSeenSet(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisSeenSet {
	return &RedisSeenSet{
		client:  client,
		setKey:  fmt.Sprintf("crawlerkit:seen:%s", namespace),
		ttl:     ttl,
		metrics: &NoOpMetrics{},
	}
}

// SetMetrics records hits and misses.
func (s *RedisSeenSet) SetMetrics(metrics Metrics) {
	s.metrics = metricsOrNoOp(metrics)
}

func (s *RedisSeenSet) Seen(ctx context.Context, key string) (bool, error) {
	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, s.setKey, key)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.setKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, classified(KindConnection, "redis", "seen", err)
	}

	if added.Val() == 0 {
		s.metrics.Increment(MetricSeenHits, "set", s.setKey)
		return true, nil
	}
	s.metrics.Increment(MetricSeenMisses, "set", s.setKey)
	return false, nil
}

// Reset forgets every key.
func (s *RedisSeenSet) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.setKey).Err()
}

// FilterUnseen returns the records whose fingerprint was not seen before,
// recording the new ones.
func FilterUnseen(ctx context.Context, set SeenSet, records []Record) ([]Record, error) {
	fresh := make([]Record, 0, len(records))
	for _, rec := range records {
		fp, err := rec.Fingerprint()
		if err != nil {
			return nil, validationError("seen", "fingerprint", "%v", err)
		}
		seen, err := set.Seen(ctx, fp)
		if err != nil {
			return nil, err
		}
		if !seen {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}
