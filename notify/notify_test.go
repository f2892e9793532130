package notify

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosom/meeting-transcriber/testcontainers"
	"github.com/gosom/meeting-transcriber/uploads"
)

func TestRedisNotifierRoundTrip(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: testcontainers.RedisAddr(t)})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := NewRedisNotifier(rdb, "")

	events, err := n.Subscribe(ctx)
	require.NoError(t, err)

	sent := uploads.Event{
		Type:     uploads.EventChunkReceived,
		UploadID: "u1",
		Progress: 33.33,
		At:       time.Now().UTC().Truncate(time.Millisecond),
	}

	require.NoError(t, n.Notify(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.Type, got.Type)
		assert.Equal(t, sent.UploadID, got.UploadID)
		assert.InDelta(t, sent.Progress, got.Progress, 0.001)
		assert.True(t, sent.At.Equal(got.At))
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestRedisNotifierReportsPublishErrors(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	err := NewRedisNotifier(rdb, "test").Notify(context.Background(), uploads.Event{Type: uploads.EventUploadCompleted})
	assert.Error(t, err)
}
