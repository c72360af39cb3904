package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 16

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(rdb, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. Every key is stored
// under prefix.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Raw returns the underlying redis.Client for advanced usage.
func (s *RedisStore) Raw() *redis.Client { return s.rdb }

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.k(key), value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.k(key), value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}
	return s.rdb.Del(ctx, full...).Err()
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{s.k(key)}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrBy runs every INCRBY inside one MULTI/EXEC block.
func (s *RedisStore) IncrBy(ctx context.Context, ttl time.Duration, incs ...Increment) ([]int64, error) {
	if len(incs) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(incs))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, inc := range incs {
			cmds[i] = pipe.IncrBy(ctx, s.k(inc.Key), inc.Delta)
			if ttl > 0 {
				pipe.Expire(ctx, s.k(inc.Key), ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	values := make([]int64, len(cmds))
	for i, cmd := range cmds {
		values[i] = cmd.Val()
	}
	return values, nil
}

// Update is an optimistic WATCH/MULTI/EXEC transaction retried on conflict.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (string, error) {
	k := s.k(key)
	var result string

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
			current = ""
		} else if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return "", err
	}
	return "", ErrConflict
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
