package catalog

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

// Cache memoizes SourceAttributes results. Readers load an immutable map
// snapshot without locking; writers publish a new snapshot by compare-and-swap.
// Entries are only ever inserted, never replaced.
type Cache struct {
	entries atomic.Pointer[immutable.Map[string, SourceAttrSet]]
}

func NewCache() *Cache {
	c := &Cache{}
	c.entries.Store(immutable.NewMap[string, SourceAttrSet](stringHasher{}))
	return c
}

// Get returns the cached entry for key.
func (c *Cache) Get(key string) (SourceAttrSet, bool) {
	return c.entries.Load().Get(key)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Load().Len()
}

// LoadOrStore returns the existing entry for key or stores the value built by
// compute. When two writers race, the first published value wins and both
// callers observe it.
func (c *Cache) LoadOrStore(key string, compute func() SourceAttrSet) SourceAttrSet {
	if v, ok := c.Get(key); ok {
		return v
	}
	value := compute()
	for {
		current := c.entries.Load()
		if existing, ok := current.Get(key); ok {
			return existing
		}
		if c.entries.CompareAndSwap(current, current.Set(key, value)) {
			return value
		}
	}
}

type stringHasher struct{}

func (stringHasher) Hash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func (stringHasher) Equal(a, b string) bool {
	return a == b
}
