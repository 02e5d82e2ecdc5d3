package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlfolio/converter/internal/models"
)

// EventLog persists a document's event history so a subscriber connecting
// after completion can still retrieve the terminal event, for at least the
// retention window.
type EventLog interface {
	Append(ctx context.Context, ev models.ConversionEvent) error
	History(ctx context.Context, docID string) ([]models.ConversionEvent, error)
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// MemoryLog is the in-process event log used by tests and single-node
// deployments.
type MemoryLog struct {
	mu      sync.RWMutex
	events  map[string][]models.ConversionEvent
	touched map[string]time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events:  make(map[string][]models.ConversionEvent),
		touched: make(map[string]time.Time),
	}
}

func (l *MemoryLog) Append(ctx context.Context, ev models.ConversionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[ev.DocumentID] = append(l.events[ev.DocumentID], ev)
	l.touched[ev.DocumentID] = time.Now()
	return nil
}

func (l *MemoryLog) History(ctx context.Context, docID string) ([]models.ConversionEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evs := l.events[docID]
	out := make([]models.ConversionEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (l *MemoryLog) CleanupBefore(ctx context.Context, threshold time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, at := range l.touched {
		if at.Before(threshold) {
			delete(l.events, id)
			delete(l.touched, id)
		}
	}
	return nil
}

// RedisLog keeps each document's events in a Redis list with a TTL, so the
// terminal event survives process restarts for the retention window.
type RedisLog struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisLog(client *redis.Client, retention time.Duration) *RedisLog {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLog{client: client, retention: retention}
}

func eventsKey(docID string) string {
	return fmt.Sprintf("conversion_events:%s", docID)
}

func (l *RedisLog) Append(ctx context.Context, ev models.ConversionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := eventsKey(ev.DocumentID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (l *RedisLog) History(ctx context.Context, docID string) ([]models.ConversionEvent, error) {
	items, err := l.client.LRange(ctx, eventsKey(docID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}

	events := make([]models.ConversionEvent, 0, len(items))
	for _, item := range items {
		var ev models.ConversionEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// CleanupBefore is a no-op for Redis: the per-key TTL already enforces the
// retention window.
func (l *RedisLog) CleanupBefore(ctx context.Context, threshold time.Time) error {
	return nil
}
