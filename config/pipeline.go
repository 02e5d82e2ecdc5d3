package config

import (
	"sync"
	"time"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

// PipelineConfig 流水线配置. JoinTimeout bounds how long a station waits
// for page results before declaring the document failed.
type PipelineConfig struct {
	RouterBackend     string // "redis" or "memory"
	StorageBackend    string // "minio", "s3" or "memory"
	OCRBackend        string // "pdftext", "tesseract" or "textract"
	WorkerRetries     int
	RetryBaseDelay    time.Duration
	WorkerConcurrency int
	JoinTimeout       time.Duration
	EventRetention    time.Duration
	TombstoneWindow   time.Duration
}

func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		loadEnv()

		pipelineConfig = &PipelineConfig{
			RouterBackend:     getEnv("ROUTER_BACKEND", "redis"),
			StorageBackend:    getEnv("STORAGE_BACKEND", "minio"),
			OCRBackend:        getEnv("OCR_BACKEND", "pdftext"),
			WorkerRetries:     getEnvInt("WORKER_RETRIES", 3),
			RetryBaseDelay:    getEnvDuration("WORKER_RETRY_BASE_DELAY", time.Second),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			JoinTimeout:       getEnvDuration("JOIN_TIMEOUT", 10*time.Minute),
			EventRetention:    getEnvDuration("EVENT_RETENTION", 24*time.Hour),
			TombstoneWindow:   getEnvDuration("TOMBSTONE_WINDOW", time.Hour),
		}
	})
	return pipelineConfig
}
