// Package cache
//
// (C) Copyright DisaggDB
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/disaggdb/disagg/node"
)

const (
	DefaultEvictRatio   = 0.25
	DefaultAccessWeight = 0.7
)

// entry tracks a cached node with the access statistics eviction scores on
type entry struct {
	n         *node.Node
	accessCnt uint64
	timestamp int64
}

// Cache is a read-through node cache keyed by remote address. Every remote
// write of an address invalidates its entry before the write is considered
// applied, so a cached node is never trusted across a split it did not
// observe. Eviction removes the lowest-scoring fraction of entries, scoring
// by a weighted mix of access count and age.
type Cache struct {
	mu           sync.RWMutex
	entries      map[uint64]*entry
	capacity     int
	evictRatio   float64
	accessWeight float64
}

// New creates a cache holding up to capacity nodes
func New(capacity int, evictRatio, accessWeight float64) *Cache {
	if evictRatio <= 0 || evictRatio >= 1 {
		evictRatio = DefaultEvictRatio
	}
	if accessWeight < 0 || accessWeight > 1 {
		accessWeight = DefaultAccessWeight
	}

	return &Cache{
		entries:      make(map[uint64]*entry),
		capacity:     capacity,
		evictRatio:   evictRatio,
		accessWeight: accessWeight,
	}
}

// Get returns the cached node for an address, if present
func (c *Cache) Get(addr uint64) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[addr]
	if !ok {
		return nil, false
	}
	e.accessCnt++
	return e.n, true
}

// Put caches a node under its address, evicting if the capacity is reached
func (c *Cache) Put(addr uint64, n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[addr]; !ok && len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	c.entries[addr] = &entry{
		n:         n,
		accessCnt: 1,
		timestamp: time.Now().UnixNano(),
	}
}

// Invalidate drops the entry for an address
func (c *Cache) Invalidate(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}

// Len returns the number of cached nodes
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked removes the evictRatio fraction of entries with the lowest
// scores. Score favors frequently accessed, recently inserted entries.
func (c *Cache) evictLocked() {
	type scored struct {
		addr  uint64
		score float64
	}

	now := time.Now().UnixNano()
	candidates := make([]scored, 0, len(c.entries))
	for addr, e := range c.entries {
		age := float64(now - e.timestamp)
		score := c.accessWeight*float64(e.accessCnt) - (1-c.accessWeight)*age/float64(time.Second)
		candidates = append(candidates, scored{addr: addr, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	toEvict := int(float64(len(candidates)) * c.evictRatio)
	if toEvict < 1 {
		toEvict = 1
	}
	for i := 0; i < toEvict && i < len(candidates); i++ {
		delete(c.entries, candidates[i].addr)
	}
}
