// Package notify publishes upload lifecycle events over Redis pub/sub
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gosom/meeting-transcriber/uploads"
)

const DefaultChannel = "uploads:events"

// RedisNotifier implements uploads.Notifier
type RedisNotifier struct {
	rdb     goredis.UniversalClient
	channel string
}

func NewRedisNotifier(rdb goredis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev uploads.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}

	return nil
}

// Subscribe delivers decoded events until ctx is done. Undecodable messages
// are dropped.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan uploads.Event, error) {
	sub := n.rdb.Subscribe(ctx, n.channel)

	// wait for the subscription to be confirmed so no event is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan uploads.Event)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var ev uploads.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
