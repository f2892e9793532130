package testcontainers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersHonourExternalServices(t *testing.T) {
	t.Setenv("PG_TEST_DSN", "postgres://u:p@db.internal:5432/test?sslmode=disable")
	t.Setenv("REDIS_TEST_ADDR", "cache.internal:6379")

	assert.Equal(t, "postgres://u:p@db.internal:5432/test?sslmode=disable", PostgresDSN(t))
	assert.Equal(t, "cache.internal:6379", RedisAddr(t))
}

func TestRedisContainerLifecycle(t *testing.T) {
	skipIfUnavailable(t)

	ctx := context.Background()

	c, err := NewRedisContainer(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	terminateOnCleanup(t, c.Container)

	require.NotEmpty(t, c.GetAddress())
	assert.Positive(t, c.Port)
}
