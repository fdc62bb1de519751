package store

import (
	"errors"
	"time"

	"github.com/coocood/freecache"
)

// FreecacheStore is a bounded-memory engine; the oldest entries are evicted
// once the configured size is reached.
type FreecacheStore struct {
	cache *freecache.Cache
}

func NewFreecacheStore(size int) *FreecacheStore {
	return &FreecacheStore{
		cache: freecache.NewCache(size),
	}
}

func (s *FreecacheStore) Get(key string) ([]byte, error) {
	value, err := s.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Join(ErrFailedToGet, err)
	}

	return value, nil
}

func (s *FreecacheStore) Set(key string, value []byte, ttl time.Duration) error {
	if err := s.cache.Set([]byte(key), value, int(ttl.Seconds())); err != nil {
		return errors.Join(ErrFailedToSet, err)
	}

	return nil
}

func (s *FreecacheStore) Del(key string) error {
	s.cache.Del([]byte(key))
	return nil
}
