package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"magicwork-backend/internal/models"
)

const channelPrefix = "presence:"

// ChannelForSpace is the Redis channel carrying updates for one space.
func ChannelForSpace(space string) string {
	return channelPrefix + space
}

// RedisPublisher publishes live-count snapshots so every instance's hub can
// forward them to its own sockets.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishLiveCounts(ctx context.Context, update models.LiveCountsUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal live counts: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelForSpace(update.Space), data).Err(); err != nil {
		return fmt.Errorf("publish live counts: %w", err)
	}
	return nil
}
