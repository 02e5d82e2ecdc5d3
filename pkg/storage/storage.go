package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nlfolio/converter/pkg/logger"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// ErrNotFound is returned by Get for an unknown location.
var ErrNotFound = errors.New("artifact not found")

// Store 接口定义. A pure persistence boundary: object keys are
// deterministic functions of the document id, so a retried write
// overwrites its previous attempt.
type Store interface {
	// Put stores the object and returns its location.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	// Get fetches the object at a location, failing with ErrNotFound.
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	// Delete removes an object.
	Delete(ctx context.Context, location string) error
	// CleanupBefore 清理过期文件
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// Factories are registered by the adapter packages to avoid an import
// cycle between this package and its implementations.
type Factory func(log logger.Logger) (Store, error)

var factories = map[StorageType]Factory{}

// Register installs an adapter factory. Called from adapter init funcs.
func Register(t StorageType, f Factory) {
	factories[t] = f
}

// NewStore 创建存储实例的工厂方法
func NewStore(storageType StorageType, log logger.Logger) (Store, error) {
	f, ok := factories[storageType]
	if !ok {
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
	return f(log)
}
