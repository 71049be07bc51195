package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis dedupes across processes with SETNX + TTL
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed deduper. prefix defaults to "swapdesk:tx:".
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "swapdesk:tx:"
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With().Str("component", "dedupe").Logger(),
	}, nil
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (d *Redis) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		d.logger.Error().Err(err).Str("id", id).Msg("setnx failed")
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !ok, nil
}
