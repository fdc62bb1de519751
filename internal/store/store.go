// Package store provides the process-wide block header and transaction
// caches as typed views over a pluggable byte store.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("key not found in store")
	ErrFailedToSet = errors.New("failed to set value in store")
	ErrFailedToGet = errors.New("failed to get value from store")
	ErrFailedToDel = errors.New("failed to delete value from store")
)

// Store is a byte-oriented key/value cache. Implementations must be safe
// for concurrent use; the typed views tolerate benign duplicate writes of
// the same value under the same key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Del(key string) error
}
