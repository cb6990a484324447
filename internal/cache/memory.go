package cache

import (
	"context"
	"sync"
	"time"
)

var _ Backend = (*Memory)(nil)

type entry struct {
	val       []byte
	expiresAt time.Time
}

type key struct{ owner, name string }

// Memory is a bounded in-process Backend. When full it first drops expired
// entries, then the entry closest to expiry.
type Memory struct {
	mu      sync.Mutex
	max     int
	now     func() time.Time
	entries map[key]entry
	owners  map[string]map[string]struct{}
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		max:     maxEntries,
		now:     time.Now,
		entries: make(map[key]entry),
		owners:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, owner, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{owner, name}
	e, ok := m.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.drop(k)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *Memory) Set(_ context.Context, owner, name string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{owner, name}
	if _, exists := m.entries[k]; !exists && len(m.entries) >= m.max {
		m.evict()
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	m.entries[k] = entry{val: cp, expiresAt: m.now().Add(ttl)}

	idx, ok := m.owners[owner]
	if !ok {
		idx = make(map[string]struct{})
		m.owners[owner] = idx
	}
	idx[name] = struct{}{}
	return nil
}

func (m *Memory) Delete(_ context.Context, owner string, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range names {
		m.drop(key{owner, n})
	}
	return nil
}

func (m *Memory) InvalidateOwner(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for n := range m.owners[owner] {
		delete(m.entries, key{owner, n})
	}
	delete(m.owners, owner)
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropExpired(), nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// caller holds mu
func (m *Memory) drop(k key) {
	delete(m.entries, k)
	if idx, ok := m.owners[k.owner]; ok {
		delete(idx, k.name)
		if len(idx) == 0 {
			delete(m.owners, k.owner)
		}
	}
}

func (m *Memory) dropExpired() int {
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			m.drop(k)
			n++
		}
	}
	return n
}

func (m *Memory) evict() {
	if m.dropExpired() > 0 {
		return
	}
	var (
		victim key
		soon   time.Time
		found  bool
	)
	for k, e := range m.entries {
		if !found || e.expiresAt.Before(soon) {
			victim, soon, found = k, e.expiresAt, true
		}
	}
	if found {
		m.drop(victim)
	}
}
