package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

// Transform is the opaque per-item processing step a worker wraps. Given
// the same job it must produce an equivalent, replaceable result, because
// the router delivers at least once.
type Transform interface {
	Stage() string
	Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error)
}

// TransformError 转换错误. Carries how many attempts were made before the
// failure was escalated to the owning station.
type TransformError struct {
	Stage      string
	DocumentID string
	Ordinal    int
	Attempts   int
	Err        error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s failed for document %s after %d attempts: %v",
		e.Stage, e.DocumentID, e.Attempts, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Config 工作单元配置
type Config struct {
	Stage          string
	Pattern        string // defaults to jobs.<stage>.#
	MaxRetries     int
	RetryBaseDelay time.Duration
	Concurrency    int
	Instance       string
}

// Worker consumes one job message at a time from the router, applies its
// transform and publishes exactly one result or failure message per input.
// Each delivery is handled on its own goroutine so a long transform never
// blocks sibling jobs; a semaphore bounds the parallelism.
type Worker struct {
	cfg       Config
	transform Transform
	router    router.Router
	logger    logger.Logger
	sem       chan struct{}
	sub       router.Subscription
}

func New(cfg Config, t Transform, r router.Router, log logger.Logger) *Worker {
	if cfg.Stage == "" {
		cfg.Stage = t.Stage()
	}
	if cfg.Pattern == "" {
		cfg.Pattern = models.JobsPattern(cfg.Stage)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &Worker{
		cfg:       cfg,
		transform: t,
		router:    r,
		logger:    log.Named("worker." + cfg.Stage),
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// Stage reports which pipeline stage this worker serves.
func (w *Worker) Stage() string { return w.cfg.Stage }

// Start subscribes the worker to its job pattern.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.router.Subscribe(ctx, w.cfg.Pattern, w.handleDelivery)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", w.cfg.Pattern, err)
	}
	w.sub = sub
	w.logger.Info("Worker started",
		logger.String("pattern", w.cfg.Pattern),
		logger.Int("concurrency", w.cfg.Concurrency),
	)
	return nil
}

// Stop detaches the worker from the router.
func (w *Worker) Stop() error {
	if w.sub != nil {
		return w.sub.Close()
	}
	return nil
}

func (w *Worker) handleDelivery(ctx context.Context, d router.Delivery) error {
	var job models.JobMessage
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		w.logger.Error("Failed to unmarshal job",
			logger.String("key", d.Key),
			logger.Error(err),
		)
		// Malformed payloads are not retryable; swallow after logging.
		return nil
	}

	if job.DocumentID == "" {
		w.logger.Error("Job missing document id", logger.String("key", d.Key))
		return nil
	}
	if job.Stage == "" {
		job.Stage = w.cfg.Stage
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go func() {
		defer func() { <-w.sem }()
		w.process(ctx, job)
	}()

	return nil
}

// process runs the transform with bounded retry and exponential backoff,
// then publishes the result, or a failure message once retries are spent.
func (w *Worker) process(ctx context.Context, job models.JobMessage) {
	log := w.logger.With(
		logger.String("documentId", job.DocumentID),
		logger.Int("ordinal", job.Ordinal),
	)

	var result *models.ResultMessage
	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		result, lastErr = w.transform.Apply(ctx, job)
		if lastErr == nil {
			break
		}
		log.Warn("Transform attempt failed",
			logger.Int("attempt", attempt),
			logger.Error(lastErr),
		)
		if attempt < w.cfg.MaxRetries {
			if !sleepCtx(ctx, backoff(w.cfg.RetryBaseDelay, attempt)) {
				lastErr = ctx.Err()
				break
			}
		}
	}

	if lastErr != nil {
		w.publishFailure(ctx, job, &TransformError{
			Stage:      w.cfg.Stage,
			DocumentID: job.DocumentID,
			Ordinal:    job.Ordinal,
			Attempts:   w.cfg.MaxRetries,
			Err:        lastErr,
		})
		return
	}

	result.Stage = w.cfg.Stage
	result.DocumentID = job.DocumentID
	result.Ordinal = job.Ordinal
	result.WorkerInstance = w.cfg.Instance
	result.CompletedAt = time.Now().UTC()

	payload, err := json.Marshal(result)
	if err != nil {
		log.Error("Failed to marshal result", logger.Error(err))
		return
	}

	key := models.ResultKey(w.cfg.Stage, job.DocumentID, result.Ordinal)
	if err := w.publishWithRetry(ctx, key, payload); err != nil {
		log.Error("Failed to publish result", logger.String("key", key), logger.Error(err))
		return
	}

	log.Info("Result published", logger.String("key", key))
}

func (w *Worker) publishFailure(ctx context.Context, job models.JobMessage, terr *TransformError) {
	failure := models.FailureMessage{
		DocumentID: job.DocumentID,
		Stage:      w.cfg.Stage,
		Ordinal:    job.Ordinal,
		Reason:     terr.Error(),
		Attempts:   terr.Attempts,
		FailedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(failure)
	if err != nil {
		w.logger.Error("Failed to marshal failure", logger.Error(err))
		return
	}

	key := models.FailureKey(w.cfg.Stage, job.DocumentID, job.Ordinal)
	if err := w.publishWithRetry(ctx, key, payload); err != nil {
		w.logger.Error("Failed to publish failure",
			logger.String("key", key),
			logger.Error(err),
		)
		return
	}

	w.logger.Error("Job failed, failure escalated",
		logger.String("documentId", job.DocumentID),
		logger.String("key", key),
		logger.Error(terr),
	)
}

// publishWithRetry retries transport failures with the same backoff policy
// as the transform itself. Fatal after exhausted attempts.
func (w *Worker) publishWithRetry(ctx context.Context, key string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		lastErr = w.router.Publish(ctx, key, payload)
		if lastErr == nil {
			return nil
		}
		if attempt < w.cfg.MaxRetries && !sleepCtx(ctx, backoff(w.cfg.RetryBaseDelay, attempt)) {
			return ctx.Err()
		}
	}
	return lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
