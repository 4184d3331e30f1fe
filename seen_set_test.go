package crawlerkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisSeenSet(t *testing.T, ttl time.Duration) (*RedisSeenSet, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSeenSet(client, "ptt", ttl), mr
}

func TestMemorySeenSet(t *testing.T) {
	ctx := context.Background()
	set := NewMemorySeenSet()

	seen, err := set.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = set.Seen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen)

	_, _ = set.Seen(ctx, "b")
	assert.Equal(t, 2, set.Len())
}

func TestMemorySeenSetConcurrent(t *testing.T) {
	ctx := context.Background()
	set := NewMemorySeenSet()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if seen, _ := set.Seen(ctx, "same"); !seen {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh, "exactly one caller sees the key first")
}

func TestRedisSeenSet(t *testing.T) {
	ctx := context.Background()
	set, mr := setupRedisSeenSet(t, 0)
	metrics := NewInMemoryMetrics()
	set.SetMetrics(metrics)

	seen, err := set.Seen(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = set.Seen(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, seen)

	members, err := mr.Members("crawlerkit:seen:ptt")
	require.NoError(t, err)
	assert.Equal(t, []string{"fp1"}, members)
	assert.Zero(t, mr.TTL("crawlerkit:seen:ptt"))

	assert.Equal(t, 1, metrics.Counter(MetricSeenHits))
	assert.Equal(t, 1, metrics.Counter(MetricSeenMisses))

	require.NoError(t, set.Reset(ctx))
	assert.False(t, mr.Exists("crawlerkit:seen:ptt"))
}

func TestRedisSeenSetTTL(t *testing.T) {
	ctx := context.Background()
	set, mr := setupRedisSeenSet(t, time.Hour)

	_, err := set.Seen(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("crawlerkit:seen:ptt"))

	mr.FastForward(2 * time.Hour)
	seen, err := set.Seen(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, seen, "expired set forgets its keys")
}

func TestRedisSeenSetConnectionError(t *testing.T) {
	set, mr := setupRedisSeenSet(t, 0)
	mr.Close()

	_, err := set.Seen(context.Background(), "fp1")
	require.Error(t, err)
	assert.True(t, IsConnection(err))
}

func TestFilterUnseen(t *testing.T) {
	ctx := context.Background()
	set, _ := setupRedisSeenSet(t, 0)

	first := []Record{{"url": "a"}, {"url": "b"}, {"url": "a"}}
	fresh, err := FilterUnseen(ctx, set, first)
	require.NoError(t, err)
	assert.Equal(t, []Record{{"url": "a"}, {"url": "b"}}, fresh)

	fresh, err = FilterUnseen(ctx, set, []Record{{"url": "b"}, {"url": "c"}})
	require.NoError(t, err)
	assert.Equal(t, []Record{{"url": "c"}}, fresh)

	_, err = FilterUnseen(ctx, NewMemorySeenSet(), []Record{{"ch": make(chan int)}})
	assert.True(t, IsValidation(err))
}
