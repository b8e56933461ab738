package cachestore

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Memory keeps stores in process memory. Each store is an LRU bounded by
// maxBytes of encoded entries; zero means unbounded.
type Memory struct {
	maxBytes int64

	mu     sync.Mutex
	order  []string
	stores map[string]*memoryStore
	closed bool
}

func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes, stores: map[string]*memoryStore{}}
}

func (m *Memory) Open(_ context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memoryStore{name: name, ram: newRAMCache(m.maxBytes)}
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *Memory) Names(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) Match(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	stores := make([]*memoryStore, 0, len(m.order))
	for _, n := range m.order {
		stores = append(stores, m.stores[n])
	}
	m.mu.Unlock()

	for _, s := range stores {
		if ent, ok := s.ram.Get(key); ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

// TotalSize reports the encoded size of all entries across stores.
func (m *Memory) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.stores {
		total += s.ram.TotalSize()
	}
	return total
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryStore struct {
	name string
	ram  *ramCache
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Put(_ context.Context, key string, ent Entry) error {
	return s.ram.Put(key, ent)
}

func (s *memoryStore) Match(_ context.Context, key string) (Entry, bool, error) {
	ent, ok := s.ram.Get(key)
	return ent, ok, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	return s.ram.Delete(key), nil
}

func (s *memoryStore) Keys(context.Context) ([]string, error) {
	return s.ram.Keys(), nil
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return cloneEntry(it.ent), true
}

func (c *ramCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
	return true
}

func (c *ramCache) Put(key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))
	ent = cloneEntry(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		log.Warn().Str("key", key).Int64("size", sz).Msg("Entry larger than memory store budget, not cached")
		return nil
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return nil
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictLocked()
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	return nil
}

// evictLocked drops the least recently used 10% (at least one item).
func (c *ramCache) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
