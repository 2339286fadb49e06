package kvstore

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore keeps values in a concurrent map. Values do not survive the process.
type MemoryStore struct {
	values cmap.ConcurrentMap[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: cmap.New[[]byte]()}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	v, ok := m.values.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.values.Set(key, v)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
