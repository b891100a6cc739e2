package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value      []byte
	expiration time.Time
}

// Memory is an in-process cache bounded by item count. When full, expired
// items are dropped first, then an arbitrary item.
type Memory struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	maxSize int
	now     func() time.Time
}

func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Memory{items: make(map[string]memoryItem), maxSize: maxSize, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expiration.IsZero() && m.now().After(item.expiration) {
		delete(m.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxSize {
		m.evict()
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.items[key] = memoryItem{value: append([]byte(nil), value...), expiration: exp}
	return nil
}

func (m *Memory) evict() {
	now := m.now()
	for k, it := range m.items {
		if !it.expiration.IsZero() && now.After(it.expiration) {
			delete(m.items, k)
		}
	}
	if len(m.items) < m.maxSize {
		return
	}
	for k := range m.items {
		delete(m.items, k)
		return
	}
}

func (m *Memory) Close() error { return nil }
