package activities

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/temporal"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
)

type Activities struct {
	Registry          *jobs.Registry
	Logger            zerolog.Logger
	HeartbeatInterval time.Duration
}

// PerformJobActivity runs one attempt of a job, heartbeating until the handler returns.
func (a *Activities) PerformJobActivity(ctx context.Context, req temporal.JobRequest) error {
	logger := activity.GetLogger(ctx)

	h, ok := a.Registry.Get(req.Name)
	if !ok {
		return sdktemporal.NewNonRetryableApplicationError("unknown job "+req.Name, "UnknownJobError", nil)
	}

	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = temporal.DefaultHeartbeatTimeout / 3
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, req.JobID)
			}
		}
	}()

	ctx = jobs.WithCorrelationID(ctx, req.JobID)
	err := h.Perform(ctx, req.Args)
	if err == nil {
		return nil
	}

	class := jobs.ErrorClass(err)
	logger.Warn("Job attempt failed", "job", req.Name, "job_id", req.JobID, "class", class, "error", err)
	if jobs.IsPermanent(err) {
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), class, nil)
	}
	return sdktemporal.NewApplicationError(err.Error(), class)
}

// JobExhaustedActivity hands the final failure to the job's exhaustion hook, if it has one.
func (a *Activities) JobExhaustedActivity(ctx context.Context, req temporal.JobRequest, failure jobs.Failure) error {
	h, ok := a.Registry.Get(req.Name)
	if !ok {
		return nil
	}
	eh, ok := h.(jobs.ExhaustionHandler)
	if !ok {
		a.Logger.Error().
			Str("job", req.Name).
			Str("job_id", req.JobID).
			Str("class", failure.Class).
			Str("message", failure.Message).
			Msg("Job exhausted its retries")
		return nil
	}

	ctx = jobs.WithCorrelationID(ctx, req.JobID)
	if err := eh.Exhausted(ctx, req.Args, failure); err != nil {
		return errors.Wrapf(err, "exhaustion hook for job %s", req.Name)
	}
	return nil
}
