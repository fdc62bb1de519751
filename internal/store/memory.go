package store

import (
	"sync"
	"time"
)

// MemoryStore is the default engine: an unbounded map ignoring TTLs.
type MemoryStore struct {
	data sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	value, found := s.data.Load(key)
	if !found {
		return nil, ErrNotFound
	}

	return value.([]byte), nil
}

func (s *MemoryStore) Set(key string, value []byte, _ time.Duration) error {
	s.data.Store(key, value)
	return nil
}

func (s *MemoryStore) Del(key string) error {
	s.data.Delete(key)
	return nil
}
