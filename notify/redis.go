package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

// RedisChannel publishes notifications on a Redis pub/sub channel so other
// processes (dashboards, responders) can subscribe to matches in real time.
type RedisChannel struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(ctx context.Context, addr, password string, db int, channel string, logger *zap.SugaredLogger) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisChannel{
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

func (r *RedisChannel) Name() string { return "redis" }

func (r *RedisChannel) Broadcast(ctx context.Context, n *core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.NotificationFailures.WithLabelValues(r.Name()).Inc()
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	metrics.NotificationsSent.WithLabelValues(r.Name()).Inc()
	return nil
}

// Close releases the Redis connection.
func (r *RedisChannel) Close() error {
	return r.client.Close()
}
