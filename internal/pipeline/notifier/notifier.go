package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

const subscriberBuffer = 64

// Notifier maps internal lifecycle messages to the client-visible,
// strictly ordered event stream per document. It guarantees at most one
// terminal event (done or error) per document, replays history to late
// subscribers, and retains terminal events through the EventLog.
type Notifier struct {
	router router.Router
	log    EventLog
	logger logger.Logger

	mu      sync.Mutex
	streams map[string]*stream

	subs []router.Subscription
}

type stream struct {
	seq      int64
	terminal bool
	history  []models.ConversionEvent
	subs     map[chan models.ConversionEvent]struct{}
}

func New(r router.Router, eventLog EventLog, log logger.Logger) *Notifier {
	return &Notifier{
		router:  r,
		log:     eventLog,
		logger:  log.Named("notifier"),
		streams: make(map[string]*stream),
	}
}

// Start binds the notifier to submission, result and failure messages.
func (n *Notifier) Start(ctx context.Context) error {
	bindings := []struct {
		pattern string
		handler router.Handler
	}{
		{models.SubmissionsPattern, n.handleSubmission},
		{models.AllResultsPattern, n.handleResult},
		{models.AllFailuresPattern, n.handleFailure},
	}

	for _, b := range bindings {
		sub, err := n.router.Subscribe(ctx, b.pattern, b.handler)
		if err != nil {
			n.Stop()
			return fmt.Errorf("failed to subscribe %s: %w", b.pattern, err)
		}
		n.subs = append(n.subs, sub)
	}

	n.logger.Info("Notifier started")
	return nil
}

// Stop detaches the notifier and closes all live subscriber channels.
func (n *Notifier) Stop() error {
	for _, sub := range n.subs {
		sub.Close()
	}
	n.subs = nil

	n.mu.Lock()
	for _, st := range n.streams {
		for ch := range st.subs {
			close(ch)
		}
		st.subs = nil
	}
	n.mu.Unlock()
	return nil
}

func (n *Notifier) handleSubmission(ctx context.Context, d router.Delivery) error {
	var msg models.SubmissionMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		n.logger.Error("Failed to unmarshal submission", logger.String("key", d.Key), logger.Error(err))
		return nil
	}
	if msg.Document.ID == "" {
		return nil
	}

	n.emit(ctx, models.ConversionEvent{
		DocumentID: msg.Document.ID,
		Type:       models.EventAccepted,
		Detail:     msg.Document.Filename,
	})
	return nil
}

func (n *Notifier) handleResult(ctx context.Context, d router.Delivery) error {
	var msg models.ResultMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		n.logger.Error("Failed to unmarshal result", logger.String("key", d.Key), logger.Error(err))
		return nil
	}
	if msg.DocumentID == "" {
		return nil
	}

	if msg.Stage == models.StageRender {
		n.emit(ctx, models.ConversionEvent{
			DocumentID: msg.DocumentID,
			Type:       models.EventDone,
			Stage:      msg.Stage,
			Location:   msg.OutputLocation,
		})
		return nil
	}

	detail := ""
	if msg.Ordinal >= 0 {
		detail = fmt.Sprintf("page %d", msg.Ordinal)
	}
	n.emit(ctx, models.ConversionEvent{
		DocumentID: msg.DocumentID,
		Type:       models.EventProgress,
		Stage:      msg.Stage,
		Detail:     detail,
	})
	return nil
}

func (n *Notifier) handleFailure(ctx context.Context, d router.Delivery) error {
	var msg models.FailureMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		n.logger.Error("Failed to unmarshal failure", logger.String("key", d.Key), logger.Error(err))
		return nil
	}
	if msg.DocumentID == "" {
		return nil
	}

	n.emit(ctx, models.ConversionEvent{
		DocumentID: msg.DocumentID,
		Type:       models.EventError,
		Stage:      msg.Stage,
		Detail:     msg.Reason,
	})
	return nil
}

// emit appends the event to the document's ordered stream and pushes it to
// live subscribers. Events after a terminal event are dropped, which is
// what enforces the single-terminal invariant no matter how many failure
// or result messages straggle in.
func (n *Notifier) emit(ctx context.Context, ev models.ConversionEvent) {
	n.mu.Lock()
	st, ok := n.streams[ev.DocumentID]
	if !ok {
		st = &stream{subs: make(map[chan models.ConversionEvent]struct{})}
		n.streams[ev.DocumentID] = st
	}

	if st.terminal {
		n.mu.Unlock()
		n.logger.Debug("Dropping event after terminal",
			logger.String("documentId", ev.DocumentID),
			logger.String("type", string(ev.Type)),
		)
		return
	}

	st.seq++
	ev.Seq = st.seq
	ev.Timestamp = time.Now().UTC()
	st.history = append(st.history, ev)

	if ev.Type.Terminal() {
		st.terminal = true
	}

	terminal := st.terminal
	targets := make([]chan models.ConversionEvent, 0, len(st.subs))
	for ch := range st.subs {
		targets = append(targets, ch)
	}
	if terminal {
		st.subs = make(map[chan models.ConversionEvent]struct{})
	}

	// Appended under the lock so the persisted history stays in Seq order
	// even when emits race.
	if err := n.log.Append(ctx, ev); err != nil {
		n.logger.Error("Failed to persist event",
			logger.String("documentId", ev.DocumentID),
			logger.Error(err),
		)
	}
	n.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("Subscriber too slow, dropping event",
				logger.String("documentId", ev.DocumentID),
				logger.Int64("seq", ev.Seq),
			)
		}
		if terminal {
			close(ch)
		}
	}

	n.logger.Debug("Event emitted",
		logger.String("documentId", ev.DocumentID),
		logger.String("type", string(ev.Type)),
		logger.Int64("seq", ev.Seq),
	)
}

// Subscribe returns a channel replaying the document's full history before
// the live tail. The channel closes after the terminal event. A subscriber
// may attach before the notifier has seen any message for the document;
// the stream is created on the spot so the first event is not lost. A
// subscriber attaching after completion gets the retained history from the
// event log and an immediately closed channel.
func (n *Notifier) Subscribe(ctx context.Context, docID string) (<-chan models.ConversionEvent, func(), error) {
	ch := make(chan models.ConversionEvent, subscriberBuffer)

	n.mu.Lock()
	st, live := n.streams[docID]
	if !live {
		n.mu.Unlock()

		// Not in memory: either not yet seen, or already terminal in the
		// retained log (completed in another process or before a restart).
		history, err := n.log.History(ctx, docID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load event history: %w", err)
		}
		if len(history) > 0 && history[len(history)-1].Type.Terminal() {
			for _, ev := range history {
				select {
				case ch <- ev:
				default:
				}
			}
			close(ch)
			return ch, func() {}, nil
		}

		n.mu.Lock()
		// An emit may have raced us while the lock was dropped.
		st, live = n.streams[docID]
		if !live {
			st = &stream{subs: make(map[chan models.ConversionEvent]struct{})}
			if len(history) > 0 {
				st.seq = history[len(history)-1].Seq
				st.history = history
			}
			n.streams[docID] = st
		}
	}

	for _, ev := range st.history {
		select {
		case ch <- ev:
		default:
		}
	}
	if st.terminal {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	st.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := st.subs[ch]; ok {
			delete(st.subs, ch)
			close(ch)
		}
		// A stream created just for this subscriber has nothing to retain.
		if len(st.subs) == 0 && len(st.history) == 0 {
			if cur, ok := n.streams[docID]; ok && cur == st {
				delete(n.streams, docID)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel, nil
}

// LastEvent returns the most recent event for a document, if any.
func (n *Notifier) LastEvent(ctx context.Context, docID string) (*models.ConversionEvent, error) {
	n.mu.Lock()
	if st, ok := n.streams[docID]; ok && len(st.history) > 0 {
		ev := st.history[len(st.history)-1]
		n.mu.Unlock()
		return &ev, nil
	}
	n.mu.Unlock()

	history, err := n.log.History(ctx, docID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	ev := history[len(history)-1]
	return &ev, nil
}

// CleanupBefore drops in-memory streams and log entries older than the
// threshold. Invoked by the retention job.
func (n *Notifier) CleanupBefore(ctx context.Context, threshold time.Time) error {
	n.mu.Lock()
	for id, st := range n.streams {
		if !st.terminal || len(st.history) == 0 {
			continue
		}
		if st.history[len(st.history)-1].Timestamp.Before(threshold) {
			delete(n.streams, id)
		}
	}
	n.mu.Unlock()

	return n.log.CleanupBefore(ctx, threshold)
}
