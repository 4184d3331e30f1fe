package crawlerkit

import (
	"hash/fnv"
	"sync"
)

// StripedLocks serialises work per key without one global mutex: a key
// always hashes to the same stripe, different keys usually do not.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// NewStripedLocks creates a striped lock; non-positive counts mean 32.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires the exclusive lock for key and returns its release func.
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.stripe(key)
	sl.stripes[idx].Lock()
	return sl.stripes[idx].Unlock
}

// RLock acquires the shared lock for key and returns its release func.
func (sl *StripedLocks) RLock(key string) func() {
	idx := sl.stripe(key)
	sl.stripes[idx].RLock()
	return sl.stripes[idx].RUnlock
}

// stripe hashes key with FNV-1a.
func (sl *StripedLocks) stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
