// Package redis wraps the asynq client, server and scheduler used for
// background audio processing and periodic upload reaping.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/gosom/meeting-transcriber/redis/config"
)

// Client wraps asynq client functionality
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	}
}

// NewUniversalClient opens a plain go-redis client on the same server
func NewUniversalClient(cfg *config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping verifies that the configured server answers
func Ping(ctx context.Context, cfg *config.RedisConfig) error {
	rdb := NewUniversalClient(cfg)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.GetRedisAddr(), err)
	}

	return nil
}

// NewClient creates a new asynq client after checking the connection
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	if err := Ping(ctx, cfg); err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(redisOpt(cfg)),
		cfg:    cfg,
	}, nil
}

// EnqueueTask enqueues a task with the given type and payload.
// Retention defaults to the configured period, later options win.
func (c *Client) EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]asynq.Option, 0, len(opts)+1)
	if c.cfg.RetentionPeriod > 0 {
		all = append(all, asynq.Retention(c.cfg.RetentionPeriod))
	}

	all = append(all, opts...)

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), all...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return info, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}
