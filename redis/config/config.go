// Package config reads the Redis connection used for background tasks and
// upload notifications.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and worker parameters
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	RetentionPeriod time.Duration
	ReapSchedule    string
	QueuePriorities map[string]int
}

const (
	defaultHost          = "localhost"
	defaultPort          = 6379
	defaultDB            = 0
	defaultWorkers       = 4
	defaultRetryInterval = 30 * time.Second
	defaultMaxRetries    = 3
	defaultReapSchedule  = "@every 15m"
	minPort              = 1
	maxPort              = 65535
	minDB                = 0
	maxDB                = 15
	minWorkers           = 1
	maxWorkers           = 100
	minRetryInterval     = time.Second
	maxRetryInterval     = time.Hour
	minMaxRetries        = 0
	maxMaxRetries        = 10
	minRetentionDays     = 1
	maxRetentionDays     = 365
)

// Queue names
const (
	QueueProcessing  = "processing"
	QueueMaintenance = "maintenance"
)

// DefaultQueuePriorities defines the default priority settings for task queues
var DefaultQueuePriorities = map[string]int{
	QueueProcessing:  3,
	QueueMaintenance: 1,
}

// Configured reports whether the environment names a Redis server at all.
// Without one, processing runs in-process and the reaper uses a ticker.
func Configured() bool {
	return os.Getenv("REDIS_URL") != "" || os.Getenv("REDIS_HOST") != ""
}

// NewRedisConfig creates a new Redis configuration from environment variables.
// REDIS_URL takes precedence over REDIS_HOST, REDIS_PORT, REDIS_PASSWORD and REDIS_DB.
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Password:        os.Getenv("REDIS_PASSWORD"),
		ReapSchedule:    getEnvOrDefault("REDIS_REAP_SCHEDULE", defaultReapSchedule),
		QueuePriorities: make(map[string]int, len(DefaultQueuePriorities)),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	var err error

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}
	} else {
		if cfg.Port, err = validateRange("port", getEnvOrDefault("REDIS_PORT", strconv.Itoa(defaultPort)), minPort, maxPort); err != nil {
			return nil, err
		}

		if cfg.DB, err = validateRange("DB", getEnvOrDefault("REDIS_DB", strconv.Itoa(defaultDB)), minDB, maxDB); err != nil {
			return nil, err
		}
	}

	if cfg.Workers, err = validateRange("workers", getEnvOrDefault("REDIS_WORKERS", strconv.Itoa(defaultWorkers)), minWorkers, maxWorkers); err != nil {
		return nil, err
	}

	if cfg.MaxRetries, err = validateRange("max retries", getEnvOrDefault("REDIS_MAX_RETRIES", strconv.Itoa(defaultMaxRetries)), minMaxRetries, maxMaxRetries); err != nil {
		return nil, err
	}

	if cfg.RetryInterval, err = validateRetryInterval(getEnvOrDefault("REDIS_RETRY_INTERVAL", defaultRetryInterval.String())); err != nil {
		return nil, err
	}

	days, err := validateRange("retention days", getEnvOrDefault("REDIS_RETENTION_DAYS", "7"), minRetentionDays, maxRetentionDays)
	if err != nil {
		return nil, err
	}

	cfg.RetentionPeriod = time.Duration(days) * 24 * time.Hour

	return cfg, nil
}

func (c *RedisConfig) applyURL(raw string) error {
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}

	if host := parsedURL.Hostname(); host != "" {
		c.Host = host
	}

	c.Port = defaultPort

	if port := parsedURL.Port(); port != "" {
		if c.Port, err = validateRange("port in Redis URL", port, minPort, maxPort); err != nil {
			return err
		}
	}

	if password, ok := parsedURL.User.Password(); ok {
		c.Password = password
	}

	if path := strings.TrimPrefix(parsedURL.Path, "/"); path != "" {
		if c.DB, err = validateRange("database number in Redis URL", path, minDB, maxDB); err != nil {
			return err
		}
	}

	return nil
}

// GetRedisAddr returns the formatted Redis address
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func validateRange(name, value string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number: %w", name, err)
	}

	if n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be between %d and %d", name, lo, hi)
	}

	return n, nil
}

func validateRetryInterval(interval string) (time.Duration, error) {
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid retry interval: %w", err)
	}

	if d < minRetryInterval || d > maxRetryInterval {
		return 0, fmt.Errorf("invalid retry interval: must be between %v and %v", minRetryInterval, maxRetryInterval)
	}

	return d, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
