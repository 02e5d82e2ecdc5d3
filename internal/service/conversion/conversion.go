package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/internal/pipeline/notifier"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
	"github.com/nlfolio/converter/pkg/storage"
)

type ConversionService struct {
	router   router.Router
	storage  storage.Store
	notifier *notifier.Notifier
	logger   logger.Logger
	config   *ServiceConfig
}

type ServiceConfig struct {
	MaxFileSize   int64
	AllowedTypes  []string
	DefaultTarget models.ContentType
	MaxConcurrent int
}

func NewService(
	r router.Router,
	store storage.Store,
	n *notifier.Notifier,
	log logger.Logger,
	cfg *ServiceConfig,
) DocumentConverter {
	if cfg == nil {
		cfg = &ServiceConfig{
			MaxFileSize:   50 * 1024 * 1024, // 50MB
			AllowedTypes:  []string{".pdf"},
			DefaultTarget: models.ContentTypeHTML,
			MaxConcurrent: 5,
		}
	}
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = models.ContentTypeHTML
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}

	return &ConversionService{
		router:   r,
		storage:  store,
		notifier: n,
		logger:   log,
		config:   cfg,
	}
}

// Submit 提交转换任务. Stores the source, announces the document and
// schedules the first pipeline stage. The accepted event is published
// before the first job so a subscriber can never see progress first.
func (s *ConversionService) Submit(
	ctx context.Context,
	file multipart.File,
	header *multipart.FileHeader,
	target models.ContentType,
) (*models.Document, error) {
	s.logger.Info("Accepting document",
		logger.String("filename", header.Filename),
		logger.Int64("size", header.Size),
	)

	if err := s.validateFile(header); err != nil {
		s.logger.Error("File validation failed",
			logger.String("filename", header.Filename),
			logger.Error(err),
		)
		return nil, err
	}

	if target == "" {
		target = s.config.DefaultTarget
	}

	doc := &models.Document{
		ID:         uuid.New().String(),
		Filename:   header.Filename,
		SourceType: models.ContentTypePDF,
		TargetType: target,
		FileSize:   header.Size,
		CreatedAt:  time.Now().UTC(),
	}

	key := models.SourceKey(doc.ID, doc.SourceType)
	location, err := s.storage.Put(ctx, key, file, header.Size, string(doc.SourceType))
	if err != nil {
		s.logger.Error("Failed to store source",
			logger.String("documentId", doc.ID),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to store source: %w", err)
	}
	doc.SourceLocation = location

	submission, err := json.Marshal(models.SubmissionMessage{Document: *doc})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := s.router.Publish(ctx, models.SubmissionKey(doc.ID), submission); err != nil {
		return nil, fmt.Errorf("failed to announce document: %w", err)
	}

	job := models.JobMessage{
		DocumentID:    doc.ID,
		Stage:         models.StagePageCount,
		Ordinal:       -1,
		InputLocation: location,
		SourceType:    doc.SourceType,
		TargetType:    doc.TargetType,
		SubmittedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.router.Publish(ctx, models.JobKey(models.StagePageCount, doc.ID, -1), payload); err != nil {
		return nil, fmt.Errorf("failed to schedule conversion: %w", err)
	}

	s.logger.Info("Document accepted",
		logger.String("documentId", doc.ID),
		logger.String("filename", doc.Filename),
	)

	return doc, nil
}

// SubmitBatch 批量提交
func (s *ConversionService) SubmitBatch(
	ctx context.Context,
	files []*multipart.FileHeader,
	target models.ContentType,
) ([]*models.Document, error) {
	docs := make([]*models.Document, 0, len(files))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)

	for _, header := range files {
		header := header
		g.Go(func() error {
			file, err := header.Open()
			if err != nil {
				return fmt.Errorf("failed to open file %s: %w", header.Filename, err)
			}
			defer file.Close()

			doc, err := s.Submit(ctx, file, header, target)
			if err != nil {
				return fmt.Errorf("failed to submit file %s: %w", header.Filename, err)
			}

			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return docs, err
	}
	return docs, nil
}

// Events returns the document's ordered event stream, history first.
func (s *ConversionService) Events(ctx context.Context, documentID string) (<-chan models.ConversionEvent, func(), error) {
	return s.notifier.Subscribe(ctx, documentID)
}

// Status 获取转换状态: the most recent event, nil for unknown documents.
func (s *ConversionService) Status(ctx context.Context, documentID string) (*models.ConversionEvent, error) {
	return s.notifier.LastEvent(ctx, documentID)
}

// GetArtifact fetches a stored object by location.
func (s *ConversionService) GetArtifact(ctx context.Context, location string) (io.ReadCloser, error) {
	return s.storage.Get(ctx, location)
}

// validateFile 验证文件
func (s *ConversionService) validateFile(header *multipart.FileHeader) error {
	if header.Size <= 0 {
		return fmt.Errorf("empty file: %s", header.Filename)
	}
	if header.Size > s.config.MaxFileSize {
		return fmt.Errorf("file size exceeds maximum limit of %d bytes", s.config.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	for _, t := range s.config.AllowedTypes {
		if t == ext {
			return nil
		}
	}
	return fmt.Errorf("unsupported file type: %s", ext)
}
