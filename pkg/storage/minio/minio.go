package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/nlfolio/converter/config"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/storage"
)

func init() {
	storage.Register(storage.StorageTypeMinio, func(log logger.Logger) (storage.Store, error) {
		return NewMinioStore(log)
	})
}

type MinioStore struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

// Put implements Store.Put
func (m *MinioStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucketName, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("Failed to store object to MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	return key, nil
}

// Get implements Store.Get
func (m *MinioStore) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.getError(location, err)
	}

	// GetObject is lazy; probe so unknown keys surface as ErrNotFound here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, m.getError(location, err)
	}

	return obj, nil
}

func (m *MinioStore) getError(location string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", location, storage.ErrNotFound)
	}
	m.logger.Error("Failed to get object from MinIO",
		logger.String("bucket", m.bucketName),
		logger.String("key", location),
		logger.Error(err),
	)
	return fmt.Errorf("failed to get object: %w", err)
}

// Delete implements Store.Delete
func (m *MinioStore) Delete(ctx context.Context, location string) error {
	err := m.client.RemoveObject(ctx, m.bucketName, location, minio.RemoveObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to delete object from MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", location),
			logger.Error(err),
		)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// CleanupBefore implements Store.CleanupBefore
func (m *MinioStore) CleanupBefore(ctx context.Context, threshold time.Time) error {
	objectCh := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Recursive: true})

	for obj := range objectCh {
		if obj.Err != nil {
			m.logger.Error("Error listing objects",
				logger.String("bucket", m.bucketName),
				logger.Error(obj.Err),
			)
			continue
		}

		if obj.LastModified.Before(threshold) {
			if err := m.Delete(ctx, obj.Key); err != nil {
				continue
			}
			m.logger.Info("Deleted expired object",
				logger.String("key", obj.Key),
				logger.Time("lastModified", obj.LastModified),
			)
		}
	}

	return nil
}

func NewMinioStore(log logger.Logger) (*MinioStore, error) {
	minioConfig := cfg.GetMinioConfig()
	client, err := minio.New(minioConfig.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioConfig.AccessKey, minioConfig.SecretKey, ""),
		Secure: minioConfig.UseSSL,
		Region: minioConfig.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), minioConfig.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(context.Background(), minioConfig.BucketName, minio.MakeBucketOptions{
			Region: minioConfig.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{
		client:     client,
		bucketName: minioConfig.BucketName,
		logger:     log,
	}, nil
}
