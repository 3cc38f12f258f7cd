package swcache

import (
	"context"
	"sort"
	"sync"
)

type ramItem struct {
	ent  Entry
	size int64
	seq  int64
}

type ramGeneration struct {
	items map[string]*ramItem
}

// memoryBackend keeps every generation in process memory. A positive
// maxBytes caps the total entry size; writes beyond it fail with
// ErrQuotaExceeded instead of evicting.
type memoryBackend struct {
	maxBytes int64

	mu    sync.Mutex
	gens  map[string]*ramGeneration
	total int64
	seq   int64
}

func newMemoryBackend(maxBytes int64) *memoryBackend {
	return &memoryBackend{maxBytes: maxBytes, gens: map[string]*ramGeneration{}}
}

func (c *memoryBackend) Create(_ context.Context, gen string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createLocked(gen)
	return nil
}

func (c *memoryBackend) createLocked(gen string) *ramGeneration {
	g, ok := c.gens[gen]
	if !ok {
		g = &ramGeneration{items: map[string]*ramItem{}}
		c.gens[gen] = g
	}
	return g
}

func (c *memoryBackend) Has(_ context.Context, gen string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.gens[gen]
	return ok, nil
}

func (c *memoryBackend) Names(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.gens))
	for name := range c.gens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryBackend) Delete(_ context.Context, gen string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[gen]
	if !ok {
		return false, nil
	}
	for _, it := range g.items {
		c.total -= it.size
	}
	delete(c.gens, gen)
	return true, nil
}

func (c *memoryBackend) Get(_ context.Context, gen, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[gen]
	if !ok {
		return Entry{}, false, nil
	}
	it, ok := g.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	return it.ent, true, nil
}

func (c *memoryBackend) Put(_ context.Context, gen, key string, ent Entry) error {
	sz := ent.size()

	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.createLocked(gen)
	old, exists := g.items[key]
	var oldSize int64
	if exists {
		oldSize = old.size
	}
	if c.maxBytes > 0 && c.total-oldSize+sz > c.maxBytes {
		return ErrQuotaExceeded
	}

	if exists {
		c.total += sz - oldSize
		old.ent = ent
		old.size = sz
		return nil
	}
	c.seq++
	g.items[key] = &ramItem{ent: ent, size: sz, seq: c.seq}
	c.total += sz
	return nil
}

func (c *memoryBackend) Keys(_ context.Context, gen string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[gen]
	if !ok {
		return nil, nil
	}
	type kv struct {
		key string
		seq int64
	}
	items := make([]kv, 0, len(g.items))
	for k, it := range g.items {
		items = append(items, kv{k, it.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out, nil
}

func (c *memoryBackend) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memoryBackend) Close() error { return nil }
