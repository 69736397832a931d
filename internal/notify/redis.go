// Package notify fans committed board events out to Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"kanboard/internal/domain"
)

const defaultPrefix = "kanboard"

// RedisPublisher publishes each event as JSON on <prefix>:<board_id>:events.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher wraps client. An empty prefix uses "kanboard".
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if client == nil {
		panic("notify.NewRedisPublisher: client is nil")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return NewRedisPublisher(client, prefix), nil
}

// Channel returns the pub/sub channel for a board.
func (p *RedisPublisher) Channel(boardID string) string {
	return p.prefix + ":" + boardID + ":events"
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", evt.ID, err)
	}
	if err := p.client.Publish(ctx, p.Channel(evt.BoardID), data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
