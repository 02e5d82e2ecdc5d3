package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nlfolio/converter/config"
	"github.com/nlfolio/converter/internal/pipeline/notifier"
	"github.com/nlfolio/converter/internal/transform/page"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
	"github.com/nlfolio/converter/pkg/storage"

	// Storage adapters register themselves on import.
	_ "github.com/nlfolio/converter/pkg/storage/memory"
	_ "github.com/nlfolio/converter/pkg/storage/minio"
	_ "github.com/nlfolio/converter/pkg/storage/s3"
)

// NewRouter builds the configured router backend.
func NewRouter(log logger.Logger) (router.Router, error) {
	cfg := config.GetPipelineConfig()
	switch cfg.RouterBackend {
	case "memory":
		return router.NewMemory(log), nil
	case "redis":
		rc := config.GetRedisConfig()
		return router.NewRedisRouter(&router.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported router backend: %s", cfg.RouterBackend)
	}
}

// NewStore builds the configured storage backend.
func NewStore(log logger.Logger) (storage.Store, error) {
	cfg := config.GetPipelineConfig()
	return storage.NewStore(storage.StorageType(cfg.StorageBackend), log)
}

// NewEventLog builds the event retention log. The memory log only makes
// sense alongside the memory router, where everything runs in one process.
func NewEventLog(log logger.Logger) notifier.EventLog {
	cfg := config.GetPipelineConfig()
	if cfg.RouterBackend == "memory" {
		return notifier.NewMemoryLog()
	}
	rc := config.GetRedisConfig()
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	return notifier.NewRedisLog(client, cfg.EventRetention)
}

// NewExtractor builds the configured page extractor.
func NewExtractor(ctx context.Context, log logger.Logger) (page.Extractor, error) {
	cfg := config.GetPipelineConfig()
	switch cfg.OCRBackend {
	case "pdftext":
		return page.NewPDFTextExtractor(), nil
	case "tesseract":
		return page.NewTesseractExtractor(), nil
	case "textract":
		return page.NewTextractExtractor(ctx)
	default:
		return nil, fmt.Errorf("unsupported ocr backend: %s", cfg.OCRBackend)
	}
}
