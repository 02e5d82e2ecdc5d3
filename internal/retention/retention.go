package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nlfolio/converter/pkg/logger"
)

const TaskCleanup = "retention:cleanup"

// Target is anything retention can expire: the artifact store and the
// event notifier both qualify.
type Target interface {
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

// Config 保留策略配置
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Period is how long completed documents and their events are kept.
	Period time.Duration
	// Interval between cleanup runs; defaults to Period / 4.
	Interval time.Duration
}

// Janitor schedules and runs the periodic cleanup task over asynq, so in
// a multi-process deployment exactly one instance executes each run.
type Janitor struct {
	cfg       Config
	targets   []Target
	logger    logger.Logger
	scheduler *asynq.Scheduler
	server    *asynq.Server
}

func NewJanitor(cfg Config, log logger.Logger, targets ...Target) *Janitor {
	if cfg.Period <= 0 {
		cfg.Period = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Period / 4
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"maintenance": 1},
	})

	return &Janitor{
		cfg:       cfg,
		targets:   targets,
		logger:    log.Named("retention"),
		scheduler: scheduler,
		server:    server,
	}
}

// Start registers the periodic task and starts processing it.
func (j *Janitor) Start() error {
	entry := fmt.Sprintf("@every %s", j.cfg.Interval)
	task := asynq.NewTask(TaskCleanup, nil)
	if _, err := j.scheduler.Register(entry, task, asynq.Queue("maintenance")); err != nil {
		return fmt.Errorf("failed to register cleanup task: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskCleanup, j.handleCleanup)

	if err := j.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start retention server: %w", err)
	}
	if err := j.scheduler.Start(); err != nil {
		j.server.Shutdown()
		return fmt.Errorf("failed to start retention scheduler: %w", err)
	}

	j.logger.Info("Retention janitor started",
		logger.Duration("period", j.cfg.Period),
		logger.Duration("interval", j.cfg.Interval),
	)
	return nil
}

// Stop shuts the scheduler and the task server down.
func (j *Janitor) Stop() {
	j.scheduler.Shutdown()
	j.server.Shutdown()
}

func (j *Janitor) handleCleanup(ctx context.Context, _ *asynq.Task) error {
	threshold := time.Now().Add(-j.cfg.Period)
	return j.RunOnce(ctx, threshold)
}

// RunOnce sweeps all targets against the threshold. Exported so tests and
// operators can trigger a sweep directly.
func (j *Janitor) RunOnce(ctx context.Context, threshold time.Time) error {
	for _, t := range j.targets {
		if err := t.CleanupBefore(ctx, threshold); err != nil {
			j.logger.Error("Cleanup target failed", logger.Error(err))
			return err
		}
	}
	j.logger.Info("Cleanup completed", logger.Time("threshold", threshold))
	return nil
}
