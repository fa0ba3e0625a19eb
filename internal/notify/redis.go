package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisPublisher publishes notifications on a per-recipient channel
// (prefix + user id). A circuit breaker stops hammering an unreachable Redis.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
}

func NewRedisPublisher(client *redis.Client, prefix string, logger *zap.Logger) *RedisPublisher {
	logger = logger.Named("redis_publisher")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-notify",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &RedisPublisher{client: client, prefix: prefix, breaker: breaker}
}

// Channel returns the channel notifications for recipientID go to.
func (p *RedisPublisher) Channel(recipientID string) string {
	return p.prefix + recipientID
}

func (p *RedisPublisher) Publish(ctx context.Context, recipientID string, data []byte) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.client.Publish(ctx, p.Channel(recipientID), data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.Channel(recipientID), err)
	}
	return nil
}

// State reports the breaker state.
func (p *RedisPublisher) State() gobreaker.State {
	return p.breaker.State()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
