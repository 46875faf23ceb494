package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMemorySize is used when NewMemory is given a non-positive size.
const DefaultMemorySize = 1024

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// Memory is a bounded in-process LRU cache.
type Memory struct {
	lru    *lru.Cache
	ttl    time.Duration
	now    func() time.Time
	closed atomic.Bool
}

// NewMemory returns a cache holding at most size entries. A zero ttl keeps
// entries until they are evicted.
func NewMemory(size int, ttl time.Duration) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: l, ttl: ttl, now: time.Now}, nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	if m.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	v, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	item := v.(memoryItem)
	if !item.expires.IsZero() && m.now().After(item.expires) {
		m.lru.Remove(key)
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, key string, e Entry) error {
	if m.closed.Load() {
		return ErrClosed
	}
	item := memoryItem{entry: e}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.lru.Add(key, item)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int { return m.lru.Len() }

// Close drops every entry.
func (m *Memory) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.lru.Purge()
	}
	return nil
}
