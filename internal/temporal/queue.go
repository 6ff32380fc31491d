package temporal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
)

// Starter is the part of client.Client the queue needs.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

type QueueOptions struct {
	TaskQueue   string
	MaxAttempts int32
	JobTimeout  time.Duration
}

// Queue implements jobs.Queue by starting one short workflow per job.
type Queue struct {
	client Starter
	opts   QueueOptions
	logger zerolog.Logger
}

func NewQueue(c Starter, opts QueueOptions, logger zerolog.Logger) *Queue {
	return &Queue{
		client: c,
		opts:   opts,
		logger: logger.With().Str("component", "job-queue").Logger(),
	}
}

func (q *Queue) Enqueue(ctx context.Context, name string, args any) (string, error) {
	return q.EnqueueAfter(ctx, 0, name, args)
}

func (q *Queue) EnqueueAfter(ctx context.Context, delay time.Duration, name string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode arguments for job %s", name)
	}

	req := JobRequest{
		JobID:       uuid.NewString(),
		Name:        name,
		Args:        raw,
		Delay:       delay,
		MaxAttempts: q.opts.MaxAttempts,
		Timeout:     q.opts.JobTimeout,
	}
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(name, req.JobID),
		TaskQueue: q.opts.TaskQueue,
	}

	if _, err := q.client.ExecuteWorkflow(ctx, opts, JobWorkflowName, req); err != nil {
		return "", errors.Wrapf(err, "failed to enqueue job %s", name)
	}

	q.logger.Debug().
		Str("job", name).
		Str("job_id", req.JobID).
		Dur("delay", delay).
		Msg("Job enqueued")
	return req.JobID, nil
}
