// Package worker runs the periodic sweeps that keep abandoned imports from running forever.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/jobs"
)

type SchedulerConfig struct {
	Queue    jobs.Queue
	Interval time.Duration
	// Sweeps are the job names enqueued on every tick.
	Sweeps []string
	Logger zerolog.Logger
}

type Scheduler struct {
	cfg    SchedulerConfig
	logger zerolog.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if len(cfg.Sweeps) == 0 {
		cfg.Sweeps = []string{jobs.StaleImportWorker, jobs.StuckImportWorker}
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger.With().Str("component", "scheduler").Logger()}
}

// Start enqueues the sweeps every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Strs("sweeps", s.cfg.Sweeps).Msg("Scheduler started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every sweep once. A failed enqueue is logged and retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, name := range s.cfg.Sweeps {
		id, err := s.cfg.Queue.Enqueue(ctx, name, jobs.SweepArgs{})
		if err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("Failed to enqueue sweep")
			continue
		}
		s.logger.Debug().Str("job", name).Str("job_id", id).Msg("Sweep enqueued")
	}
}
