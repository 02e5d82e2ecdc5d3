package router

import (
	"context"
	"fmt"
)

// Delivery is one message handed to a subscriber. Redelivery of the same
// message is possible; handlers must be idempotent.
type Delivery struct {
	Key     string
	Payload []byte
	Attempt int
}

// Handler processes one delivery. Returning an error may cause the router
// to redeliver the message, depending on the backend.
type Handler func(ctx context.Context, d Delivery) error

// Subscription is an active pattern binding.
type Subscription interface {
	Close() error
}

// Router 消息路由抽象. Topic-style routing keys with hierarchical
// wildcard patterns: `*` matches exactly one segment, `#` matches zero or
// more segments. Delivery is at-least-once; ordering is best-effort within
// a single routing key and undefined across keys.
type Router interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Close() error
}

// DeliveryError wraps a transport-level publish failure.
type DeliveryError struct {
	Key string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %s: %v", e.Key, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
