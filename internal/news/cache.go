// Package news fetches company news headlines with a redis cache in front.
// Cache failures never fail a lookup; they degrade to a direct fetch.
package news

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a thin TTL cache over redis
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCache connects to redis and verifies the connection
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", addr).Msg("News cache connected")

	return &Cache{client: client, prefix: "news:"}, nil
}

// Get returns the cached payload, or ok=false on a miss
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("News cache read failed")
		return nil, false
	}
	return data, true
}

// Set stores the payload with a TTL
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("News cache write failed")
	}
}

// Close releases the redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
