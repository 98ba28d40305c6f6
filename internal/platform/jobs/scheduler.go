package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper performs the periodic maintenance passes. *calsync.Runner
// satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (synced, failed int, err error)
	RenewExpiring(ctx context.Context, lead time.Duration) (renewed, failed int, err error)
}

// ScheduleConfig sets the sweep cadence. A zero interval disables that sweep.
type ScheduleConfig struct {
	SyncInterval  time.Duration
	RenewInterval time.Duration
	RenewLead     time.Duration
}

// NewScheduler builds the cron instance running the sync sweep and channel
// renewal. Overlapping runs of the same job are skipped.
func NewScheduler(sweeper Sweeper, cfg ScheduleConfig, logger zerolog.Logger) (*cron.Cron, error) {
	log := logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.SyncInterval > 0 {
		err := every(c, cfg.SyncInterval, func(ctx context.Context) {
			if _, _, err := sweeper.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sync sweep failed")
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.RenewInterval > 0 {
		err := every(c, cfg.RenewInterval, func(ctx context.Context) {
			renewed, failed, err := sweeper.RenewExpiring(ctx, cfg.RenewLead)
			if err != nil {
				log.Error().Err(err).Msg("channel renewal failed")
				return
			}
			log.Info().Int("renewed", renewed).Int("failed", failed).Msg("channel renewal finished")
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// every schedules fn at a fixed interval, bounding each run by the interval.
func every(c *cron.Cron, interval time.Duration, fn func(ctx context.Context)) error {
	_, err := c.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule every %s: %w", interval, err)
	}
	return nil
}

// RunScheduler starts c and stops it once ctx is done, waiting for running
// jobs to return.
func RunScheduler(ctx context.Context, c *cron.Cron) {
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
