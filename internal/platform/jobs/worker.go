package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type WorkerConfig struct {
	Concurrency int
	Schedule    ScheduleConfig
}

// Worker consumes queued calendar tasks and runs the periodic sweeps.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	schedule ScheduleConfig
	sweeper  Sweeper
	logger   zerolog.Logger
}

func NewWorker(redis asynq.RedisConnOpt, cfg WorkerConfig, handlers *Handlers, sweeper Sweeper, logger zerolog.Logger) *Worker {
	log := logger.With().Str("component", "worker").Logger()
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		Logger:      asynqLogger{log: log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn().Err(err).
				Str("type", task.Type()).
				Int("retry", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	handlers.Register(mux)
	return &Worker{server: srv, mux: mux, schedule: cfg.Schedule, sweeper: sweeper, logger: log}
}

// Run processes tasks until ctx is done, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	sched, err := NewScheduler(w.sweeper, w.schedule, w.logger)
	if err != nil {
		return err
	}
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	w.logger.Info().
		Dur("sync_interval", w.schedule.SyncInterval).
		Dur("renew_interval", w.schedule.RenewInterval).
		Msg("worker started")

	RunScheduler(ctx, sched)
	w.server.Shutdown()
	w.logger.Info().Msg("worker stopped")
	return nil
}
