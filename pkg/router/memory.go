package router

import (
	"context"
	"sync"
	"time"

	"github.com/nlfolio/converter/pkg/logger"
)

const (
	memoryQueueSize    = 256
	memoryMaxDeliveries = 3
	memoryRedeliverWait = 10 * time.Millisecond
)

// Memory is an in-process Router. Every subscription owns a buffered queue
// drained by a single dispatch goroutine, so deliveries for one
// subscription are serialized while subscriptions run independently.
// Failed handlers get the message redelivered a bounded number of times.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	log    logger.Logger
	wg     sync.WaitGroup
}

type memorySub struct {
	router  *Memory
	pattern string
	handler Handler
	queue   chan Delivery
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-process router.
func NewMemory(log logger.Logger) *Memory {
	return &Memory{
		subs: make(map[*memorySub]struct{}),
		log:  log,
	}
}

// Publish fans the payload out to every matching subscription.
func (m *Memory) Publish(ctx context.Context, routingKey string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return &DeliveryError{Key: routingKey, Err: context.Canceled}
	}
	targets := make([]*memorySub, 0, 4)
	for s := range m.subs {
		if Match(s.pattern, routingKey) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	d := Delivery{Key: routingKey, Payload: payload, Attempt: 1}
	for _, s := range targets {
		select {
		case s.queue <- d:
		case <-s.done:
		case <-ctx.Done():
			return &DeliveryError{Key: routingKey, Err: ctx.Err()}
		}
	}
	return nil
}

// Subscribe registers a handler for a topic pattern.
func (m *Memory) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	s := &memorySub{
		router:  m,
		pattern: pattern,
		handler: h,
		queue:   make(chan Delivery, memoryQueueSize),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &DeliveryError{Key: pattern, Err: context.Canceled}
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go s.dispatch(ctx)
	return s, nil
}

func (s *memorySub) dispatch(ctx context.Context) {
	defer s.router.wg.Done()
	for {
		select {
		case d := <-s.queue:
			s.deliver(ctx, d)
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}

func (s *memorySub) deliver(ctx context.Context, d Delivery) {
	err := s.handler(ctx, d)
	if err == nil {
		return
	}
	s.router.log.Warn("handler failed, scheduling redelivery",
		logger.String("pattern", s.pattern),
		logger.String("key", d.Key),
		logger.Int("attempt", d.Attempt),
		logger.Error(err),
	)
	if d.Attempt >= memoryMaxDeliveries {
		s.router.log.Error("dropping message after redelivery attempts",
			logger.String("key", d.Key),
			logger.Int("attempts", d.Attempt),
		)
		return
	}
	d.Attempt++
	select {
	case <-time.After(memoryRedeliverWait):
	case <-s.done:
		return
	}
	select {
	case s.queue <- d:
	case <-s.done:
	}
}

// Close detaches the subscription.
func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.router.mu.Lock()
		delete(s.router.subs, s)
		s.router.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Close shuts the router down and detaches every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	m.wg.Wait()
	return nil
}
