package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend, the default storage.kind for
// tests and embedded use without durability.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory constructs an empty MemoryBackend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Init(ctx context.Context) error { return nil }

func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.data[key] = cp
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix, pageToken string, maxKeys int) ([]string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if pageToken != "" {
		idx := sort.SearchStrings(keys, pageToken)
		if idx < len(keys) && keys[idx] == pageToken {
			idx++
		}
		start = idx
	}
	if start >= len(keys) {
		return nil, "", nil
	}
	end := start + maxKeys
	if maxKeys <= 0 || end > len(keys) {
		end = len(keys)
	}
	page := keys[start:end]
	next := ""
	if end < len(keys) {
		next = page[len(page)-1]
	}
	return page, next, nil
}

func (m *MemoryBackend) Exists(ctx context.Context) (bool, error) {
	return true, nil
}

func (m *MemoryBackend) Close() error { return nil }
