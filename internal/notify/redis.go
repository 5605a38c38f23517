package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the default pub/sub channel name.
const DefaultRedisChannel = "sheerbytes:file_completed"

// RedisConfig configures the Redis pub/sub notifier.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: sheerbytes:file_completed).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 0).
	Retries int
}

// Redis publishes completion events via Redis PUBLISH.
type Redis struct {
	config RedisConfig
	client *goredis.Client
}

// NewRedis creates a Redis notifier. It does not connect until the first publish.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Redis{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event as JSON to the configured channel.
func (r *Redis) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	attempts, err := retry(ctx, r.config.Retries, func(ctx context.Context) (bool, error) {
		publishCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
		return true, r.client.Publish(publishCtx, r.config.Channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Notifier = (*Redis)(nil)
