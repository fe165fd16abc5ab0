package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memResource struct {
	data []byte
	ts   time.Time
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]memResource
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]memResource),
	}
}

func (m *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.resources[path]
	if !ok {
		return nil, ErrNotFound
	}

	// copy, callers may hold on to the slice
	data := make([]byte, len(res.data))
	copy(data, res.data)
	return data, nil
}

func (m *MemoryStore) Put(_ context.Context, path string, data []byte, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.resources[path] = memResource{data: stored, ts: ts}
	return nil
}

func (m *MemoryStore) ListRecursive(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.resources))
	for path := range m.resources {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
