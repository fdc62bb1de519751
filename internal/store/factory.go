package store

import (
	"context"
	"errors"

	"github.com/bitlume/electrum/config"
)

var ErrUnknownEngine = errors.New("unknown store engine")

// NewStore creates the byte store selected by configuration.
func NewStore(ctx context.Context, cacheConfig *config.CacheConfig) (Store, error) {
	switch cacheConfig.Engine {
	case config.InMemory:
		return NewMemoryStore(), nil
	case config.GoCache:
		return NewGoCacheStore(cacheConfig.GoCache.Expiration, cacheConfig.GoCache.Cleanup), nil
	case config.FreeCache:
		return NewFreecacheStore(cacheConfig.Freecache.Size), nil
	case config.Redis:
		return NewRedisStore(ctx, cacheConfig.Redis.Addr, cacheConfig.Redis.Password, cacheConfig.Redis.DB), nil
	}

	return nil, errors.Join(ErrUnknownEngine, errors.New(cacheConfig.Engine))
}
