package notify

import (
	"context"

	"github.com/redis/go-redis/v9"

	"governor/internal/config"
	"governor/internal/domain"
)

const defaultRedisChannel = "governor.events"

// Redis publishes events on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(cfg config.RedisConfig) *Redis {
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &Redis{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		channel: channel,
	}
}

func (r *Redis) Name() string { return "redis:" + r.channel }

func (r *Redis) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
