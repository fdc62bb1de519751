package store

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// GoCacheStore is a TTL-evicting engine backed by patrickmn/go-cache.
type GoCacheStore struct {
	cache *gocache.Cache
}

func NewGoCacheStore(defaultExpiration, cleanupInterval time.Duration) *GoCacheStore {
	return &GoCacheStore{
		cache: gocache.New(defaultExpiration, cleanupInterval),
	}
}

func (s *GoCacheStore) Get(key string) ([]byte, error) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}

	return value.([]byte), nil
}

func (s *GoCacheStore) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	s.cache.Set(key, value, ttl)

	return nil
}

func (s *GoCacheStore) Del(key string) error {
	s.cache.Delete(key)
	return nil
}
