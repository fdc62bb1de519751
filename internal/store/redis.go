package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore shares the cache between processes through Redis.
type RedisStore struct {
	client redis.UniversalClient
	ctx    context.Context
}

func NewRedisStore(ctx context.Context, addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ctx: ctx,
	}
}

func (s *RedisStore) Get(key string) ([]byte, error) {
	value, err := s.client.Get(s.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Join(ErrFailedToGet, err)
	}

	return value, nil
}

func (s *RedisStore) Set(key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(s.ctx, key, value, ttl).Err(); err != nil {
		return errors.Join(ErrFailedToSet, err)
	}

	return nil
}

func (s *RedisStore) Del(key string) error {
	if err := s.client.Del(s.ctx, key).Err(); err != nil {
		return errors.Join(ErrFailedToDel, err)
	}

	return nil
}
