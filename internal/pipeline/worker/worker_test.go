package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

type stubTransform struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	result   models.ResultMessage
}

func (s *stubTransform) Stage() string { return "stub" }

func (s *stubTransform) Apply(ctx context.Context, job models.JobMessage) (*models.ResultMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("transient")
	}
	result := s.result
	return &result, nil
}

func (s *stubTransform) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capture struct {
	mu         sync.Mutex
	deliveries []router.Delivery
}

func (c *capture) subscribe(t *testing.T, r *router.Memory, pattern string) {
	t.Helper()
	_, err := r.Subscribe(context.Background(), pattern, func(ctx context.Context, d router.Delivery) error {
		c.mu.Lock()
		c.deliveries = append(c.deliveries, d)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *capture) first() router.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startWorker(t *testing.T, tf Transform, retries int) *router.Memory {
	t.Helper()
	r := router.NewMemory(logger.NewTestLogger())
	w := New(Config{
		MaxRetries:     retries,
		RetryBaseDelay: time.Millisecond,
		Instance:       "test-1",
	}, tf, r, logger.NewTestLogger())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Stop()
		r.Close()
	})
	return r
}

func publishJob(t *testing.T, r *router.Memory, job models.JobMessage) {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.JobKey(job.Stage, job.DocumentID, job.Ordinal), payload))
}

func TestWorkerPublishesResult(t *testing.T) {
	tf := &stubTransform{result: models.ResultMessage{PageCount: 7}}
	r := startWorker(t, tf, 3)

	results := &capture{}
	results.subscribe(t, r, models.ResultsPattern("stub"))

	publishJob(t, r, models.JobMessage{DocumentID: "doc1", Stage: "stub", Ordinal: -1})

	waitFor(t, func() bool { return results.count() == 1 })

	d := results.first()
	assert.Equal(t, "results.stub.doc1", d.Key)

	var msg models.ResultMessage
	require.NoError(t, json.Unmarshal(d.Payload, &msg))
	assert.Equal(t, "doc1", msg.DocumentID)
	assert.Equal(t, "stub", msg.Stage)
	assert.Equal(t, -1, msg.Ordinal)
	assert.Equal(t, 7, msg.PageCount)
	assert.Equal(t, "test-1", msg.WorkerInstance)
	assert.False(t, msg.CompletedAt.IsZero())
}

func TestWorkerKeepsPageOrdinalInResultKey(t *testing.T) {
	tf := &stubTransform{}
	r := startWorker(t, tf, 3)

	results := &capture{}
	results.subscribe(t, r, models.ResultsPattern("stub"))

	publishJob(t, r, models.JobMessage{DocumentID: "doc1", Stage: "stub", Ordinal: 4})

	waitFor(t, func() bool { return results.count() == 1 })
	assert.Equal(t, "results.stub.doc1.page.4", results.first().Key)
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	tf := &stubTransform{failures: 2}
	r := startWorker(t, tf, 3)

	results := &capture{}
	results.subscribe(t, r, models.ResultsPattern("stub"))
	failures := &capture{}
	failures.subscribe(t, r, models.FailuresPattern("stub"))

	publishJob(t, r, models.JobMessage{DocumentID: "doc1", Stage: "stub", Ordinal: -1})

	waitFor(t, func() bool { return results.count() == 1 })
	assert.Equal(t, 3, tf.callCount())
	assert.Equal(t, 0, failures.count())
}

func TestWorkerEscalatesAfterExhaustedRetries(t *testing.T) {
	tf := &stubTransform{failures: 100}
	r := startWorker(t, tf, 2)

	results := &capture{}
	results.subscribe(t, r, models.ResultsPattern("stub"))
	failures := &capture{}
	failures.subscribe(t, r, models.FailuresPattern("stub"))

	publishJob(t, r, models.JobMessage{DocumentID: "doc1", Stage: "stub", Ordinal: 2})

	waitFor(t, func() bool { return failures.count() == 1 })
	assert.Equal(t, 0, results.count())
	assert.Equal(t, 2, tf.callCount())

	d := failures.first()
	assert.Equal(t, "failures.stub.doc1.page.2", d.Key)

	var msg models.FailureMessage
	require.NoError(t, json.Unmarshal(d.Payload, &msg))
	assert.Equal(t, "doc1", msg.DocumentID)
	assert.Equal(t, "stub", msg.Stage)
	assert.Equal(t, 2, msg.Ordinal)
	assert.Equal(t, 2, msg.Attempts)
	assert.Contains(t, msg.Reason, "transient")
}

func TestWorkerIgnoresMalformedJobs(t *testing.T) {
	tf := &stubTransform{}
	r := startWorker(t, tf, 3)

	require.NoError(t, r.Publish(context.Background(), "jobs.stub.doc1", []byte("{not json")))
	require.NoError(t, r.Publish(context.Background(), "jobs.stub.doc1", []byte(`{"stage":"stub"}`)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, tf.callCount())
}

func TestBackoffDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, backoff(base, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(base, 2))
	assert.Equal(t, 400*time.Millisecond, backoff(base, 3))
}

func TestTransformErrorUnwraps(t *testing.T) {
	cause := errors.New("root")
	err := &TransformError{Stage: "stub", DocumentID: "doc1", Attempts: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "doc1")
	assert.Contains(t, err.Error(), "3 attempts")
}
