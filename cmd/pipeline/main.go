package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nlfolio/converter/config"
	"github.com/nlfolio/converter/internal/bootstrap"
	"github.com/nlfolio/converter/internal/pipeline"
	"github.com/nlfolio/converter/internal/retention"
	"github.com/nlfolio/converter/pkg/logger"
)

func main() {
	// 初始化日志
	log, err := newLogger("logs/pipeline.log")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := bootstrap.NewRouter(log)
	if err != nil {
		log.Error("Failed to connect router", logger.Error(err))
		os.Exit(1)
	}
	defer r.Close()

	store, err := bootstrap.NewStore(log)
	if err != nil {
		log.Error("Failed to initialize storage", logger.Error(err))
		os.Exit(1)
	}

	extractor, err := bootstrap.NewExtractor(ctx, log)
	if err != nil {
		log.Error("Failed to initialize extractor", logger.Error(err))
		os.Exit(1)
	}

	cfg := config.GetPipelineConfig()
	p := pipeline.New(pipeline.Config{
		Extractor:       extractor,
		WorkerRetries:   cfg.WorkerRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		Concurrency:     cfg.WorkerConcurrency,
		JoinTimeout:     cfg.JoinTimeout,
		TombstoneWindow: cfg.TombstoneWindow,
		Instance:        hostname(),
	}, r, store, log)

	if err := p.Start(ctx); err != nil {
		log.Error("Failed to start pipeline", logger.Error(err))
		os.Exit(1)
	}

	// 启动清理任务
	redisCfg := config.GetRedisConfig()
	janitor := retention.NewJanitor(retention.Config{
		RedisAddr:     redisCfg.Addr,
		RedisPassword: redisCfg.Password,
		RedisDB:       redisCfg.DB,
		Period:        cfg.EventRetention,
	}, log, store, bootstrap.NewEventLog(log))
	if err := janitor.Start(); err != nil {
		log.Error("Failed to start retention janitor", logger.Error(err))
		p.Stop()
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down pipeline...")
	janitor.Stop()
	p.Stop()
	log.Info("Pipeline stopped")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "pipeline"
	}
	return name
}

// newLogger builds the process logger, honoring LOG_CONFIG when set.
func newLogger(defaultPath string) (logger.Logger, error) {
	opts := []logger.Option{
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", defaultPath}),
	}
	if path := os.Getenv("LOG_CONFIG"); path != "" {
		cfg, err := logger.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, logger.WithConfig(cfg))
	}
	return logger.NewLogger(opts...)
}
