package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

func startNotifier(t *testing.T) (*Notifier, *router.Memory) {
	t.Helper()
	r := router.NewMemory(logger.NewTestLogger())
	n := New(r, NewMemoryLog(), logger.NewTestLogger())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		n.Stop()
		r.Close()
	})
	return n, r
}

func publishSubmission(t *testing.T, r *router.Memory, docID string) {
	t.Helper()
	msg := models.SubmissionMessage{Document: models.Document{ID: docID, Filename: "report.pdf"}}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.SubmissionKey(docID), payload))
}

func publishResult(t *testing.T, r *router.Memory, msg models.ResultMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.ResultKey(msg.Stage, msg.DocumentID, msg.Ordinal), payload))
}

func publishFailure(t *testing.T, r *router.Memory, msg models.FailureMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.FailureKey(msg.Stage, msg.DocumentID, msg.Ordinal), payload))
}

// waitSeq blocks until the document's stream reaches the sequence number.
// Submissions, results and failures arrive on independent subscriptions, so
// tests serialize them explicitly.
func waitSeq(t *testing.T, n *Notifier, docID string, seq int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if last, _ := n.LastEvent(context.Background(), docID); last != nil && last.Seq >= seq {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document %s never reached seq %d", docID, seq)
}

func collect(t *testing.T, ch <-chan models.ConversionEvent) []models.ConversionEvent {
	t.Helper()
	var events []models.ConversionEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate in time")
		}
	}
}

func TestEventsAreOrderedAndTerminated(t *testing.T) {
	n, r := startNotifier(t)

	ch, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishSubmission(t, r, "doc1")
	waitSeq(t, n, "doc1", 1)
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StagePageCount, Ordinal: -1, PageCount: 2})
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StagePage, Ordinal: 0})
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StagePage, Ordinal: 1})
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1, OutputLocation: "doc1.html"})

	events := collect(t, ch)
	require.Len(t, events, 5)

	assert.Equal(t, models.EventAccepted, events[0].Type)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "doc1", ev.DocumentID)
	}

	last := events[len(events)-1]
	assert.Equal(t, models.EventDone, last.Type)
	assert.Equal(t, "doc1.html", last.Location)
}

func TestSingleTerminalEvent(t *testing.T) {
	n, r := startNotifier(t)

	ch, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishSubmission(t, r, "doc1")
	waitSeq(t, n, "doc1", 1)
	publishFailure(t, r, models.FailureMessage{DocumentID: "doc1", Stage: models.StagePage, Ordinal: 1, Reason: "boom"})

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventAccepted, events[0].Type)
	assert.Equal(t, models.EventError, events[1].Type)
	assert.Equal(t, "boom", events[1].Detail)

	// Stragglers after the terminal event must be dropped.
	publishFailure(t, r, models.FailureMessage{DocumentID: "doc1", Stage: models.StageFolio, Ordinal: -1, Reason: "late"})
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1})
	time.Sleep(50 * time.Millisecond)

	last, err := n.LastEvent(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.EventError, last.Type)
	assert.Equal(t, int64(2), last.Seq)
}

func TestLateSubscriberReplaysHistory(t *testing.T) {
	n, r := startNotifier(t)

	publishSubmission(t, r, "doc1")
	waitSeq(t, n, "doc1", 1)
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StagePageCount, Ordinal: -1, PageCount: 1})
	waitSeq(t, n, "doc1", 2)

	ch, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1})

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventAccepted, events[0].Type)
	assert.Equal(t, models.EventProgress, events[1].Type)
	assert.Equal(t, models.EventDone, events[2].Type)
}

func TestSubscriberAfterTerminalGetsClosedReplay(t *testing.T) {
	n, r := startNotifier(t)

	publishSubmission(t, r, "doc1")
	waitSeq(t, n, "doc1", 1)
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1, OutputLocation: "doc1.html"})
	waitSeq(t, n, "doc1", 2)

	ch, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventDone, events[1].Type)
}

func TestUnknownDocumentHasNoEvents(t *testing.T) {
	n, _ := startNotifier(t)

	last, err := n.LastEvent(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, last)

	// The stream stays open waiting for the document until cancelled.
	ch, cancel, err := n.Subscribe(context.Background(), "missing")
	require.NoError(t, err)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event before cancel: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	assert.Empty(t, collect(t, ch))
}

func TestSubscribeBeforeDocumentIsSeen(t *testing.T) {
	n, r := startNotifier(t)

	// Clients open the event stream right after POSTing the document, often
	// before the submission message has been processed.
	ch, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishSubmission(t, r, "doc1")

	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed before any event arrived")
		assert.Equal(t, models.EventAccepted, ev.Type)
		assert.Equal(t, int64(1), ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1, OutputLocation: "doc1.html"})

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDone, events[0].Type)
	assert.Equal(t, int64(2), events[0].Seq)
}

func TestPersistedHistoryStaysInSeqOrder(t *testing.T) {
	r := router.NewMemory(logger.NewTestLogger())
	defer r.Close()
	log := NewMemoryLog()
	n := New(r, log, logger.NewTestLogger())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := models.ResultMessage{DocumentID: "doc1", Stage: models.StagePage, Ordinal: i}
			payload, _ := json.Marshal(msg)
			n.handleResult(context.Background(), router.Delivery{
				Key:     models.ResultKey(models.StagePage, "doc1", i),
				Payload: payload,
			})
		}()
	}
	wg.Wait()

	history, err := log.History(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, history, 32)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestCleanupDropsExpiredStreams(t *testing.T) {
	n, r := startNotifier(t)

	publishSubmission(t, r, "doc1")
	waitSeq(t, n, "doc1", 1)
	publishResult(t, r, models.ResultMessage{DocumentID: "doc1", Stage: models.StageRender, Ordinal: -1})
	waitSeq(t, n, "doc1", 2)

	require.NoError(t, n.CleanupBefore(context.Background(), time.Now().Add(time.Second)))

	last, err := n.LastEvent(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMemoryLogRoundTrip(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, models.ConversionEvent{DocumentID: "doc1", Seq: 1, Type: models.EventAccepted, Timestamp: time.Now()}))
	require.NoError(t, log.Append(ctx, models.ConversionEvent{DocumentID: "doc1", Seq: 2, Type: models.EventDone, Timestamp: time.Now()}))

	history, err := log.History(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Seq)

	require.NoError(t, log.CleanupBefore(ctx, time.Now().Add(time.Second)))
	history, err = log.History(ctx, "doc1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
