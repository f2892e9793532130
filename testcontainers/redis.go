package testcontainers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultRedisPort = "6379"

// RedisContainer wraps a started Redis container
type RedisContainer struct {
	testcontainers.Container
	Host string
	Port int
}

// NewRedisContainer starts a Redis container without authentication and
// waits until it accepts connections.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{defaultRedisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, defaultRedisPort)
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return nil, fmt.Errorf("failed to parse port: %w", err)
	}

	return &RedisContainer{
		Container: container,
		Host:      host,
		Port:      port,
	}, nil
}

// GetAddress returns the Redis address in host:port format
func (c *RedisContainer) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns REDIS_TEST_ADDR when set, otherwise starts a container
// that lives until the test ends.
func RedisAddr(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		return addr
	}

	skipIfUnavailable(t)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	c, err := NewRedisContainer(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	terminateOnCleanup(t, c.Container)

	return c.GetAddress()
}
