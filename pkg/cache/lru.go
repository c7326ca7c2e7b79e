// Package cache provides the small LRU caches the engine keeps per pool:
// resolved dependency graphs, relation-to-entity lookups, and generated
// refresh statements. Keys are 64-bit xxhash digests of the logical key
// parts so callers never hold references into cached composite keys.
package cache

import (
	"container/list"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Key hashes the logical key parts into a cache key. Parts are joined with a
// NUL separator so ("a","bc") and ("ab","c") never collide.
func Key(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, "\x00"))
}

type entry[V any] struct {
	key uint64
	val V
}

// LRU is a fixed-capacity least-recently-used cache, safe for concurrent use.
type LRU[V any] struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[uint64]*list.Element
}

func NewLRU[V any](max int) *LRU[V] {
	if max < 1 {
		max = 1
	}
	return &LRU[V]{
		max:   max,
		ll:    list.New(),
		items: make(map[uint64]*list.Element, max),
	}
}

func (c *LRU[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry[V]).val, true
}

func (c *LRU[V]) Put(key uint64, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).val = v
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, val: v})
	if c.ll.Len() > c.max {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[V]).key)
	}
}

func (c *LRU[V]) Delete(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Purge drops every entry. Used when a definition change invalidates
// derived state wholesale.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.items)
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
