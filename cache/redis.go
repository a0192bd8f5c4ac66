package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed cache provider.
type RedisConfig struct {
	// Address of the Redis server, e.g. "localhost:6379".
	Address  string
	Password string
	DB       int
	// KeyPrefix namespaces this cache's keys (default "gcdn:").
	KeyPrefix string
}

// RedisCache is a distributed CacheProvider. Expiry is handled by Redis
// itself, so entries disappear at TTL rather than lingering stale.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gcdn:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *RedisCache) Find(key string) (Entry, Metadata, bool, error) {
	blob, err := r.client.Get(context.Background(), r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, Metadata{}, false, nil
	}
	if err != nil {
		return Entry{}, Metadata{}, false, err
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return Entry{}, Metadata{}, false, err
	}
	meta := Metadata{
		CreatedAt:     time.Unix(rec.CreatedAtUnix, 0),
		ExpirationTTL: rec.ExpirationTTL,
	}
	return rec.Entry, meta, true, nil
}

func (r *RedisCache) Save(key string, entry Entry, ttlSeconds int) error {
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	blob, err := json.Marshal(record{
		Entry:         entry,
		CreatedAtUnix: time.Now().Unix(),
		ExpirationTTL: ttlSeconds,
	})
	if err != nil {
		return err
	}
	return r.client.Set(context.Background(), r.prefix+key, blob, time.Duration(ttlSeconds)*time.Second).Err()
}

func (r *RedisCache) Purge(key string) {
	r.client.Del(context.Background(), r.prefix+key)
}
