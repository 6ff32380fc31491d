package workflows

import (
	"errors"
	"time"

	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/temporal"
	"github.com/stanstork/stratum-transfer/internal/temporal/activities"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// JobWorkflow runs one background job: wait out its delay, attempt it under the retry budget,
// and run the exhaustion hook if every attempt failed.
func JobWorkflow(ctx workflow.Context, req temporal.JobRequest) error {
	logger := workflow.GetLogger(ctx)

	if req.Delay > 0 {
		if err := workflow.Sleep(ctx, req.Delay); err != nil {
			return err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    temporal.DefaultHeartbeatTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    req.MaxAttempts,
		},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	// The actual implementation is on the worker; this is just a proxy.
	var a *activities.Activities

	err := workflow.ExecuteActivity(actx, a.PerformJobActivity, req).Get(actx, nil)
	if err == nil {
		return nil
	}

	failure := classify(err)
	logger.Error("Job exhausted its retries", "job", req.Name, "job_id", req.JobID, "class", failure.Class)

	// Run the hook even if the workflow is being cancelled.
	hookCtx, _ := workflow.NewDisconnectedContext(ctx)
	hookCtx = workflow.WithActivityOptions(hookCtx, workflow.ActivityOptions{
		StartToCloseTimeout: temporal.ExhaustionActivityTimeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 3},
	})
	if hookErr := workflow.ExecuteActivity(hookCtx, a.JobExhaustedActivity, req, failure).Get(hookCtx, nil); hookErr != nil {
		logger.Error("Exhaustion hook failed", "job", req.Name, "job_id", req.JobID, "error", hookErr)
	}
	return err
}

func classify(err error) jobs.Failure {
	var timeoutErr *sdktemporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return jobs.Failure{Class: jobs.InterruptedClass, Message: timeoutErr.Error()}
	}
	var appErr *sdktemporal.ApplicationError
	if errors.As(err, &appErr) {
		return jobs.Failure{Class: appErr.Type(), Message: appErr.Message()}
	}
	return jobs.Failure{Class: jobs.ErrorClass(err), Message: err.Error()}
}
