package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mrwolf/anchor-server/internal/models"
)

// RedisNotifier pushes events onto a durable list for mobile push workers and
// publishes them on a channel for live subscribers
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a Redis sink. The queue key is "<channel>:queue".
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Name() string { return "redis" }

// QueueKey is the list the events are appended to
func (r *RedisNotifier) QueueKey() string {
	return r.channel + ":queue"
}

func (r *RedisNotifier) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	data, err := json.Marshal(NewEvent(n))
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.QueueKey(), data)
		pipe.Publish(ctx, r.channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis dispatch: %w", err)
	}
	return nil
}

// Ping checks the connection
func (r *RedisNotifier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
