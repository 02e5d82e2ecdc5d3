package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nlfolio/converter/api/handlers"
	"github.com/nlfolio/converter/api/routes"
	"github.com/nlfolio/converter/config"
	"github.com/nlfolio/converter/internal/bootstrap"
	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/internal/pipeline"
	"github.com/nlfolio/converter/internal/pipeline/notifier"
	"github.com/nlfolio/converter/internal/service/conversion"
	"github.com/nlfolio/converter/pkg/logger"
)

func main() {
	// init logger
	log, err := newLogger("logs/server.log")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := bootstrap.NewRouter(log)
	if err != nil {
		log.Fatal("Failed to connect router:", logger.Error(err))
	}
	defer r.Close()

	store, err := bootstrap.NewStore(log)
	if err != nil {
		log.Fatal("Failed to initialize storage:", logger.Error(err))
	}

	n := notifier.New(r, bootstrap.NewEventLog(log), log)
	if err := n.Start(ctx); err != nil {
		log.Fatal("Failed to start notifier:", logger.Error(err))
	}
	defer n.Stop()

	// 内存路由没有跨进程消费者, 流水线随服务一起跑
	pipelineCfg := config.GetPipelineConfig()
	if pipelineCfg.RouterBackend == "memory" {
		extractor, err := bootstrap.NewExtractor(ctx, log)
		if err != nil {
			log.Fatal("Failed to initialize extractor:", logger.Error(err))
		}
		p := pipeline.New(pipeline.Config{
			Extractor:       extractor,
			WorkerRetries:   pipelineCfg.WorkerRetries,
			RetryBaseDelay:  pipelineCfg.RetryBaseDelay,
			Concurrency:     pipelineCfg.WorkerConcurrency,
			JoinTimeout:     pipelineCfg.JoinTimeout,
			TombstoneWindow: pipelineCfg.TombstoneWindow,
			Instance:        "embedded",
		}, r, store, log)
		if err := p.Start(ctx); err != nil {
			log.Fatal("Failed to start embedded pipeline:", logger.Error(err))
		}
		defer p.Stop()
	}

	serverCfg := config.GetServerConfig()
	svc := conversion.NewService(r, store, n, log, &conversion.ServiceConfig{
		MaxFileSize:   serverCfg.MaxFileSize,
		AllowedTypes:  []string{".pdf"},
		DefaultTarget: models.ContentTypeHTML,
	})

	// init handlers
	h := handlers.NewHandlers(svc, log)
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.SetupRoutes(engine, h)

	srv := &http.Server{
		Addr:    serverCfg.Addr,
		Handler: engine,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", serverCfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error:", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", logger.Error(err))
	}
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
