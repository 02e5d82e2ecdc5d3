package router

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlfolio/converter/pkg/logger"
)

// RedisRouter routes messages over Redis pub/sub channels. Routing keys map
// to channel names; patterns are translated to PSUBSCRIBE globs and
// re-checked with Match because Redis globs cross segment boundaries.
type RedisRouter struct {
	client *redis.Client
	log    logger.Logger
}

// RedisConfig 路由配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisRouter connects a router to Redis.
func NewRedisRouter(cfg *RedisConfig, log logger.Logger) (*RedisRouter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &DeliveryError{Key: "ping", Err: err}
	}

	return &RedisRouter{client: client, log: log}, nil
}

// Publish sends the payload on the channel named by the routing key.
func (r *RedisRouter) Publish(ctx context.Context, routingKey string, payload []byte) error {
	if err := r.client.Publish(ctx, routingKey, payload).Err(); err != nil {
		return &DeliveryError{Key: routingKey, Err: err}
	}
	return nil
}

// Subscribe binds a handler to a topic pattern. Deliveries for one
// subscription are processed sequentially, preserving per-key ordering.
func (r *RedisRouter) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, globPattern(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, &DeliveryError{Key: pattern, Err: err}
	}

	sub := &redisSub{pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			if !Match(pattern, msg.Channel) {
				continue
			}
			d := Delivery{Key: msg.Channel, Payload: []byte(msg.Payload), Attempt: 1}
			if err := h(ctx, d); err != nil {
				// Pub/sub cannot requeue; surface the failure and move on.
				// Handlers escalate their own failures downstream.
				r.log.Error("handler failed",
					logger.String("pattern", pattern),
					logger.String("key", msg.Channel),
					logger.Error(err),
				)
			}
		}
	}()
	return sub, nil
}

type redisSub struct {
	pubsub *redis.PubSub
}

func (s *redisSub) Close() error { return s.pubsub.Close() }

// Close releases the underlying Redis connection.
func (r *RedisRouter) Close() error { return r.client.Close() }
