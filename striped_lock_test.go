package crawlerkit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	assert.Equal(t, uint32(4), NewStripedLocks(4).count)
	assert.Equal(t, uint32(32), NewStripedLocks(0).count)
	assert.Equal(t, uint32(32), NewStripedLocks(-1).count)
}

func TestStripedLocksConcurrentReads(t *testing.T) {
	locks := NewStripedLocks(32)
	var wg sync.WaitGroup
	var active, peak int32

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.RLock("articles.json")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1), "readers share the stripe")
}

func TestStripedLocksExclusiveBlocking(t *testing.T) {
	locks := NewStripedLocks(32)
	var counter int32

	unlock := locks.Lock("articles.json")
	done := make(chan struct{})
	go func() {
		unlock2 := locks.Lock("articles.json")
		atomic.AddInt32(&counter, 1)
		unlock2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&counter), "second writer must wait")

	unlock()
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&counter))
}

func TestStripedLocksStripeStable(t *testing.T) {
	locks := NewStripedLocks(4)
	idx := locks.stripe("consistent-key")
	for i := 0; i < 3; i++ {
		assert.Equal(t, idx, locks.stripe("consistent-key"))
	}
	assert.Less(t, idx, locks.count)
}

func TestStripedLocksHashDistribution(t *testing.T) {
	locks := NewStripedLocks(8)
	usage := make(map[uint32]int)
	for i := 0; i < 1000; i++ {
		usage[locks.stripe(fmt.Sprintf("snapshots/%d.json", i))]++
	}
	assert.GreaterOrEqual(t, len(usage), 6)
	for idx, count := range usage {
		assert.LessOrEqual(t, count, 500, "stripe %d is skewed", idx)
	}
}

func BenchmarkStripedLockExclusive(b *testing.B) {
	locks := NewStripedLocks(32)
	for i := 0; i < b.N; i++ {
		unlock := locks.Lock("bench-key")
		unlock()
	}
}
