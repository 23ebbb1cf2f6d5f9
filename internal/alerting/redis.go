package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOptions configure the pub/sub notifier.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisNotifier publishes notifications as JSON on a Redis channel.
type RedisNotifier struct {
	client  publisher
	closer  func() error
	channel string
	logger  zerolog.Logger
}

// NewRedisNotifier connects lazily; the first Publish dials the server.
func NewRedisNotifier(opts RedisOptions, logger zerolog.Logger) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	n := newRedisNotifier(client, opts.Channel, logger)
	n.closer = client.Close
	return n
}

func newRedisNotifier(client publisher, channel string, logger zerolog.Logger) *RedisNotifier {
	if channel == "" {
		channel = "autopilot.notifications"
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "alert_redis").Logger(),
	}
}

// Name implements Notifier.
func (n *RedisNotifier) Name() string { return "redis" }

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	receivers, err := n.client.Publish(ctx, n.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	n.logger.Debug().Str("channel", n.channel).Int64("receivers", receivers).Msg("notification published")
	return nil
}

// Close releases the connection pool.
func (n *RedisNotifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}

var _ Notifier = (*RedisNotifier)(nil)
