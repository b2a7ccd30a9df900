package worker

import (
	"container/list"
	"sync"

	"github.com/faasten/faasten/buckle"
)

// cacheEntry is one paused VM sitting in the cache, keyed by the function it
// was last running and the label it carried at completion.
type cacheEntry struct {
	fn     FunctionKey
	label  buckle.Label
	vm     VM
	memory uint64
	elem   *list.Element
}

// Cache holds paused, reusable VMs. Lookup finds the most-tainted usable
// entry for a given function and starting label; eviction is least-recently
// used.
type Cache struct {
	mu      sync.Mutex
	entries []*cacheEntry
	lru     *list.List // front = most recently used
	usedMem uint64
}

// NewCache constructs an empty VM cache.
func NewCache() *Cache {
	return &Cache{lru: list.New()}
}

// UsedMemory reports how much memory is currently tied up in cached VMs.
func (c *Cache) UsedMemory() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedMem
}

// Lookup removes and returns the cached VM for fn whose stored label is the
// largest one that still flows to requested: the most-tainted entry still
// safely usable, minimizing the additional taint a resume must apply.
// Largest here means a maximal element, under flows-to, of the candidate
// set: one no other candidate strictly dominates.
func (c *Cache) Lookup(fn FunctionKey, requested buckle.Label) (VM, buckle.Label, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []*cacheEntry
	for _, e := range c.entries {
		if e.fn == fn && e.label.FlowsTo(requested) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, buckle.Label{}, false
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if best.label.FlowsTo(cand.label) && !cand.label.FlowsTo(best.label) {
			best = cand
		}
	}

	c.removeLocked(best)
	return best.vm, best.label, true
}

// Insert adds vm to the cache under (fn, label), consuming memory bytes of
// the cache's budget. Insert itself never evicts; call EvictUntil first if
// the caller needs headroom.
func (c *Cache) Insert(fn FunctionKey, label buckle.Label, vm VM, memory uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &cacheEntry{fn: fn, label: label, vm: vm, memory: memory}
	e.elem = c.lru.PushFront(e)
	c.entries = append(c.entries, e)
	c.usedMem += memory
}

// EvictUntil evicts least-recently-used entries, invoking onEvict for each
// (so the caller can shut the VM down), until at least needed bytes have
// been freed or the cache runs out of entries. Busy VMs are never held in
// the cache, so eviction never blocks on in-use state.
func (c *Cache) EvictUntil(needed uint64, onEvict func(fn FunctionKey, vm VM, memory uint64)) {
	var freed uint64
	for freed < needed {
		c.mu.Lock()
		back := c.lru.Back()
		if back == nil {
			c.mu.Unlock()
			return
		}
		victim := back.Value.(*cacheEntry)
		c.removeLocked(victim)
		c.mu.Unlock()

		onEvict(victim.fn, victim.vm, victim.memory)
		freed += victim.memory
	}
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.elem)
	for i, x := range c.entries {
		if x == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.usedMem -= e.memory
}
