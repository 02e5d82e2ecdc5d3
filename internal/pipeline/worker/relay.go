package worker

import (
	"context"
	"fmt"

	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

// Translate maps an incoming delivery to the outgoing routing key and
// payload. Returning false drops the message.
type Translate func(d router.Delivery) (key string, payload []byte, ok bool)

// Relay consumes messages matching a pattern and republishes them under a
// translated routing key. It satisfies the same consumer contract as a
// worker stage, which makes it a drop-in bypass for a stage that must be
// skipped, and the standard bridge between a stage's results and the next
// stage's jobs.
type Relay struct {
	name      string
	pattern   string
	translate Translate
	router    router.Router
	logger    logger.Logger
	sub       router.Subscription
}

func NewRelay(name, pattern string, translate Translate, r router.Router, log logger.Logger) *Relay {
	return &Relay{
		name:      name,
		pattern:   pattern,
		translate: translate,
		router:    r,
		logger:    log.Named("relay." + name),
	}
}

// Start subscribes the relay.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.router.Subscribe(ctx, r.pattern, r.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", r.pattern, err)
	}
	r.sub = sub
	r.logger.Info("Relay started", logger.String("pattern", r.pattern))
	return nil
}

// Stop detaches the relay.
func (r *Relay) Stop() error {
	if r.sub != nil {
		return r.sub.Close()
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, d router.Delivery) error {
	target, payload, ok := r.translate(d)
	if !ok {
		r.logger.Warn("No translation for routing key", logger.String("key", d.Key))
		return nil
	}

	if err := r.router.Publish(ctx, target, payload); err != nil {
		r.logger.Error("Failed to forward message",
			logger.String("from", d.Key),
			logger.String("to", target),
			logger.Error(err),
		)
		return err
	}

	r.logger.Debug("Forwarded message",
		logger.String("from", d.Key),
		logger.String("to", target),
	)
	return nil
}
