package station

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

// State 文档聚合状态
type State int

const (
	// StateAwaitingCardinality: the station has seen the document but does
	// not yet know how many children to expect.
	StateAwaitingCardinality State = iota
	// StateCollecting: cardinality known, children being deduplicated and
	// counted.
	StateCollecting
	// StateComplete: terminal, downstream message emitted exactly once.
	StateComplete
	// StateFailed: terminal, failure emitted exactly once.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingCardinality:
		return "awaiting_cardinality"
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CardinalityConflict is fatal for a document: two different child counts
// were announced for it.
type CardinalityConflict struct {
	DocumentID string
	Have       int
	Got        int
}

func (e *CardinalityConflict) Error() string {
	return fmt.Sprintf("cardinality conflict for document %s: have %d, got %d", e.DocumentID, e.Have, e.Got)
}

// JoinTimeout reports a document that did not collect all children within
// the station's wait window.
type JoinTimeout struct {
	DocumentID string
	Collected  int
	Expected   int
	Waited     time.Duration
}

func (e *JoinTimeout) Error() string {
	return fmt.Sprintf("join timed out for document %s: %d/%d children after %s",
		e.DocumentID, e.Collected, e.Expected, e.Waited)
}

// Config 站点配置
type Config struct {
	// Name identifies the station; failures it raises use it as stage.
	Name string
	// CardinalityPattern matches the message that announces the child count.
	CardinalityPattern string
	// ChildPattern matches per-child result messages.
	ChildPattern string
	// FailurePatterns match escalated child failures; any of them fails the
	// whole document.
	FailurePatterns []string
	// Timeout bounds the total wait per document. Mandatory.
	Timeout time.Duration
	// TombstoneWindow is how long a terminal document id is remembered so
	// late deliveries are ignored instead of resurrecting state.
	TombstoneWindow time.Duration
}

// Callbacks hook the generic join engine into a concrete pipeline stage.
// FanOut runs once, when cardinality becomes known. Complete runs exactly
// once, after exactly cardinality distinct children were collected. Failed
// runs exactly once on child failure, cardinality conflict or timeout.
type Callbacks struct {
	ExtractCardinality func(msg models.ResultMessage) (int, bool)
	FanOut             func(ctx context.Context, docID string, cardinality models.ResultMessage) error
	Complete           func(ctx context.Context, docID string, cardinality models.ResultMessage, children []models.ResultMessage) error
	Failed             func(ctx context.Context, docID string, cause error) error
}

// Station is the stateful join point of the pipeline: it accumulates child
// results per document until a known cardinality is met, then emits one
// downstream message and discards its state. Results arrive out of order
// and more than once; children are deduplicated by ordinal, cardinality is
// idempotent to set, and the terminal transition happens under a
// per-document lock so concurrent arrival of the last two children cannot
// double-emit. Documents never share a critical section.
type Station struct {
	cfg       Config
	callbacks Callbacks
	router    router.Router
	logger    logger.Logger

	mu         sync.Mutex
	docs       map[string]*docState
	tombstones map[string]time.Time

	subs   []router.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type docState struct {
	mu          sync.Mutex
	state       State
	cardinality int
	cardMsg     models.ResultMessage
	children    map[int]models.ResultMessage
	timer       *time.Timer
	firstSeen   time.Time
}

// action computed under the per-document lock, executed outside it so
// callbacks can publish without holding locks.
type action int

const (
	actNone action = iota
	actFanOut
	actComplete
	actFailed
)

func New(cfg Config, cb Callbacks, r router.Router, log logger.Logger) *Station {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.TombstoneWindow <= 0 {
		cfg.TombstoneWindow = time.Hour
	}
	return &Station{
		cfg:        cfg,
		callbacks:  cb,
		router:     r,
		logger:     log.Named("station." + cfg.Name),
		docs:       make(map[string]*docState),
		tombstones: make(map[string]time.Time),
	}
}

// Start subscribes the station to its cardinality, child and failure
// patterns and starts the tombstone janitor.
func (s *Station) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	patterns := []struct {
		pattern string
		handler router.Handler
	}{
		{s.cfg.CardinalityPattern, s.handleCardinality},
		{s.cfg.ChildPattern, s.handleChild},
	}
	for _, fp := range s.cfg.FailurePatterns {
		patterns = append(patterns, struct {
			pattern string
			handler router.Handler
		}{fp, s.handleFailure})
	}

	for _, p := range patterns {
		if p.pattern == "" {
			continue
		}
		sub, err := s.router.Subscribe(ctx, p.pattern, p.handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe %s: %w", p.pattern, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.sweepTombstones(ctx)

	s.logger.Info("Station started",
		logger.String("cardinality", s.cfg.CardinalityPattern),
		logger.String("children", s.cfg.ChildPattern),
		logger.Duration("timeout", s.cfg.Timeout),
	)
	return nil
}

// Stop detaches the station and stops all per-document timers.
func (s *Station) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil

	s.mu.Lock()
	for _, st := range s.docs {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// lookup returns the live state for a document, creating it unless the
// document already reached a terminal state.
func (s *Station) lookup(ctx context.Context, docID string, create bool) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dead := s.tombstones[docID]; dead {
		return nil
	}
	st, ok := s.docs[docID]
	if !ok {
		if !create {
			return nil
		}
		st = &docState{
			state:       StateAwaitingCardinality,
			cardinality: -1,
			children:    make(map[int]models.ResultMessage),
			firstSeen:   time.Now(),
		}
		st.timer = time.AfterFunc(s.cfg.Timeout, func() {
			s.onTimeout(ctx, docID)
		})
		s.docs[docID] = st
	}
	return st
}

func (s *Station) handleCardinality(ctx context.Context, d router.Delivery) error {
	var msg models.ResultMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		s.logger.Error("Failed to unmarshal cardinality message",
			logger.String("key", d.Key),
			logger.Error(err),
		)
		return nil
	}
	if msg.DocumentID == "" {
		return nil
	}

	n := msg.PageCount
	if s.callbacks.ExtractCardinality != nil {
		var ok bool
		if n, ok = s.callbacks.ExtractCardinality(msg); !ok {
			s.logger.Warn("Cardinality message without a usable count",
				logger.String("key", d.Key),
			)
			return nil
		}
	}

	st := s.lookup(ctx, msg.DocumentID, true)
	if st == nil {
		s.logger.Debug("Ignoring cardinality for terminal document",
			logger.String("documentId", msg.DocumentID),
		)
		return nil
	}

	var act action
	var cause error

	st.mu.Lock()
	switch st.state {
	case StateComplete, StateFailed:
		// Late redelivery; nothing to do.
	case StateCollecting:
		if st.cardinality != n {
			cause = &CardinalityConflict{DocumentID: msg.DocumentID, Have: st.cardinality, Got: n}
			act = s.failLocked(st)
		}
		// Same value redelivered: idempotent, not additive.
	default:
		st.state = StateCollecting
		st.cardinality = n
		st.cardMsg = msg
		// Children that slipped in before the count and fall outside it
		// must not fill a gap left by a real ordinal.
		for ord := range st.children {
			if ord >= n {
				delete(st.children, ord)
			}
		}
		act = actFanOut
		if len(st.children) >= n {
			// All children arrived before the count did (or n == 0).
			act = s.completeLocked(st)
		}
	}
	st.mu.Unlock()

	switch act {
	case actFanOut:
		s.runFanOut(ctx, msg.DocumentID, msg)
	case actComplete:
		// Every child arrived before the count; no fan-out needed.
		s.runComplete(ctx, msg.DocumentID, st)
	case actFailed:
		s.runFailed(ctx, msg.DocumentID, st, cause)
	}
	return nil
}

func (s *Station) handleChild(ctx context.Context, d router.Delivery) error {
	var msg models.ResultMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		s.logger.Error("Failed to unmarshal child result",
			logger.String("key", d.Key),
			logger.Error(err),
		)
		return nil
	}
	if msg.DocumentID == "" || msg.Ordinal < 0 {
		s.logger.Warn("Child result without document id or ordinal",
			logger.String("key", d.Key),
		)
		return nil
	}

	st := s.lookup(ctx, msg.DocumentID, true)
	if st == nil {
		s.logger.Debug("Ignoring child for terminal document",
			logger.String("documentId", msg.DocumentID),
			logger.Int("ordinal", msg.Ordinal),
		)
		return nil
	}

	act := actNone

	st.mu.Lock()
	switch st.state {
	case StateComplete, StateFailed:
		// Late arrival after terminal; ignore.
	default:
		if st.cardinality >= 0 && msg.Ordinal >= st.cardinality {
			s.logger.Warn("Ignoring child ordinal beyond cardinality",
				logger.String("documentId", msg.DocumentID),
				logger.Int("ordinal", msg.Ordinal),
				logger.Int("cardinality", st.cardinality),
			)
			break
		}
		if _, dup := st.children[msg.Ordinal]; dup {
			// Redelivered child: a no-op, the count must not move.
			break
		}
		st.children[msg.Ordinal] = msg
		if st.state == StateCollecting && len(st.children) >= st.cardinality {
			act = s.completeLocked(st)
		}
	}
	st.mu.Unlock()

	if act == actComplete {
		s.runComplete(ctx, msg.DocumentID, st)
	}
	return nil
}

func (s *Station) handleFailure(ctx context.Context, d router.Delivery) error {
	var msg models.FailureMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		s.logger.Error("Failed to unmarshal failure message",
			logger.String("key", d.Key),
			logger.Error(err),
		)
		return nil
	}
	if msg.DocumentID == "" {
		return nil
	}

	// A failure for an unknown document still needs no state: if it never
	// reached this station there is nothing to discard.
	st := s.lookup(ctx, msg.DocumentID, false)
	if st == nil {
		return nil
	}

	act := actNone
	st.mu.Lock()
	if st.state != StateComplete && st.state != StateFailed {
		act = s.failLocked(st)
	}
	st.mu.Unlock()

	if act == actFailed {
		s.runFailed(ctx, msg.DocumentID, st, fmt.Errorf("child %s failed: %s", models.FailureKey(msg.Stage, msg.DocumentID, msg.Ordinal), msg.Reason))
	}
	return nil
}

func (s *Station) onTimeout(ctx context.Context, docID string) {
	st := s.lookup(ctx, docID, false)
	if st == nil {
		return
	}

	act := actNone
	var cause error
	st.mu.Lock()
	if st.state != StateComplete && st.state != StateFailed {
		cause = &JoinTimeout{
			DocumentID: docID,
			Collected:  len(st.children),
			Expected:   st.cardinality,
			Waited:     time.Since(st.firstSeen),
		}
		act = s.failLocked(st)
	}
	st.mu.Unlock()

	if act == actFailed {
		s.runFailed(ctx, docID, st, cause)
	}
}

// completeLocked flips the state machine to Complete. Caller holds st.mu;
// exactly one caller observes the transition.
func (s *Station) completeLocked(st *docState) action {
	st.state = StateComplete
	if st.timer != nil {
		st.timer.Stop()
	}
	return actComplete
}

func (s *Station) failLocked(st *docState) action {
	st.state = StateFailed
	if st.timer != nil {
		st.timer.Stop()
	}
	return actFailed
}

func (s *Station) runFanOut(ctx context.Context, docID string, cardMsg models.ResultMessage) {
	if s.callbacks.FanOut == nil {
		return
	}
	if err := s.callbacks.FanOut(ctx, docID, cardMsg); err != nil {
		s.logger.Error("Fan-out failed",
			logger.String("documentId", docID),
			logger.Error(err),
		)
		st := s.lookup(ctx, docID, false)
		if st == nil {
			return
		}
		act := actNone
		st.mu.Lock()
		if st.state != StateComplete && st.state != StateFailed {
			act = s.failLocked(st)
		}
		st.mu.Unlock()
		if act == actFailed {
			s.runFailed(ctx, docID, st, err)
		}
	}
}

func (s *Station) runComplete(ctx context.Context, docID string, st *docState) {
	st.mu.Lock()
	children := make([]models.ResultMessage, 0, len(st.children))
	for _, c := range st.children {
		children = append(children, c)
	}
	cardMsg := st.cardMsg
	st.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].Ordinal < children[j].Ordinal })

	if s.callbacks.Complete != nil {
		if err := s.callbacks.Complete(ctx, docID, cardMsg, children); err != nil {
			s.logger.Error("Completion callback failed",
				logger.String("documentId", docID),
				logger.Error(err),
			)
		}
	}

	s.discard(docID)
	s.logger.Info("Document complete",
		logger.String("documentId", docID),
		logger.Int("children", len(children)),
	)
}

func (s *Station) runFailed(ctx context.Context, docID string, st *docState, cause error) {
	if s.callbacks.Failed != nil {
		if err := s.callbacks.Failed(ctx, docID, cause); err != nil {
			s.logger.Error("Failure callback failed",
				logger.String("documentId", docID),
				logger.Error(err),
			)
		}
	}

	s.discard(docID)
	s.logger.Warn("Document failed",
		logger.String("documentId", docID),
		logger.Error(cause),
	)
}

// discard drops the per-document state and leaves a tombstone so late
// deliveries cannot resurrect it.
func (s *Station) discard(docID string) {
	s.mu.Lock()
	delete(s.docs, docID)
	s.tombstones[docID] = time.Now()
	s.mu.Unlock()
}

// Snapshot returns the current state of a document, for tests and
// introspection. ok is false for unknown documents.
func (s *Station) Snapshot(docID string) (state State, collected int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[docID]; dead {
		return 0, 0, false
	}
	st, found := s.docs[docID]
	if !found {
		return 0, 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, len(st.children), true
}

func (s *Station) sweepTombstones(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.TombstoneWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			threshold := time.Now().Add(-s.cfg.TombstoneWindow)
			s.mu.Lock()
			for id, at := range s.tombstones {
				if at.Before(threshold) {
					delete(s.tombstones, id)
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
