// Package compcache memoises comparison results between pairs of immutable
// value trees, keyed by their content fingerprints.
package compcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DoyleJ11/table-sync/internal/value"
)

const DefaultSize = 4096

// Key identifies an ordered (from, to) pair of subtrees.
type Key struct {
	From value.Fingerprint
	To   value.Fingerprint
}

type Stats struct {
	Hits   uint64
	Misses uint64
	Len    int
}

// Cache is safe for concurrent use. A nil or disabled Cache never hits.
// Entries are treated as immutable by callers; an evicted entry only costs
// a recompute.
type Cache[V any] struct {
	lru    *lru.Cache[Key, V]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns a cache bounded to size entries. size <= 0 disables caching.
func New[V any](size int) *Cache[V] {
	c := &Cache[V]{}
	if size <= 0 {
		return c
	}
	l, err := lru.New[Key, V](size)
	if err != nil {
		return c
	}
	c.lru = l
	return c
}

func (c *Cache[V]) Enabled() bool { return c != nil && c.lru != nil }

func (c *Cache[V]) Get(k Key) (V, bool) {
	var zero V
	if !c.Enabled() {
		return zero, false
	}
	v, ok := c.lru.Get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[V]) Put(k Key, v V) {
	if !c.Enabled() {
		return
	}
	c.lru.Add(k, v)
}

func (c *Cache[V]) Purge() {
	if c.Enabled() {
		c.lru.Purge()
	}
}

func (c *Cache[V]) Stats() Stats {
	if !c.Enabled() {
		return Stats{}
	}
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Len: c.lru.Len()}
}
