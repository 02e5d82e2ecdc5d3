package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

func init() {
	storage.Register(storage.StorageTypeMemory, func(log logger.Logger) (storage.Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore keeps objects in process memory. Used by tests and by the
// single-process mode; not a durable backend.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*object
}

type object struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*object)}
}

// Put implements Store.Put
func (m *MemoryStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}

	m.mu.Lock()
	m.objects[key] = &object{data: data, contentType: contentType, storedAt: time.Now()}
	m.mu.Unlock()

	return key, nil
}

// Get implements Store.Get
func (m *MemoryStore) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[location]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", location, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// ContentType returns the stored content type for a location.
func (m *MemoryStore) ContentType(location string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.objects[location]; ok {
		return obj.contentType
	}
	return ""
}

// Delete implements Store.Delete
func (m *MemoryStore) Delete(ctx context.Context, location string) error {
	m.mu.Lock()
	delete(m.objects, location)
	m.mu.Unlock()
	return nil
}

// CleanupBefore implements Store.CleanupBefore
func (m *MemoryStore) CleanupBefore(ctx context.Context, threshold time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, obj := range m.objects {
		if obj.storedAt.Before(threshold) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
