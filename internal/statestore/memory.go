package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process StateStore backed by a map and a read/write mutex.
// Suitable for single-instance deployments and tests. Expired entries are
// dropped lazily on read.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memEntry

	// now is swappable for tests.
	now func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		m.mu.Lock()
		// Re-check under the write lock; another Put may have renewed it.
		if cur, ok := m.data[key]; ok && m.expired(cur) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.data))
	for k, e := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if m.expired(e) {
			delete(m.data, k)
			continue
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), e.value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := m.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) expired(e memEntry) bool {
	return !e.expires.IsZero() && !m.now().Before(e.expires)
}

// SetClock replaces the store's time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
