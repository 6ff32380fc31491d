package workflows

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/temporal"
	"github.com/stanstork/stratum-transfer/internal/temporal/activities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

type scriptedHandler struct {
	mu        sync.Mutex
	attempts  int
	err       error
	exhausted []jobs.Failure
	seenIDs   []string
}

func (h *scriptedHandler) Name() string { return "scripted" }

func (h *scriptedHandler) Perform(ctx context.Context, _ json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	h.seenIDs = append(h.seenIDs, jobs.CorrelationID(ctx))
	return h.err
}

func (h *scriptedHandler) Exhausted(_ context.Context, _ json.RawMessage, f jobs.Failure) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = append(h.exhausted, f)
	return nil
}

func runJob(t *testing.T, h *scriptedHandler, req temporal.JobRequest) error {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(&activities.Activities{
		Registry:          jobs.NewRegistry(h),
		Logger:            zerolog.Nop(),
		HeartbeatInterval: time.Hour,
	})
	env.ExecuteWorkflow(JobWorkflow, req)
	require.True(t, env.IsWorkflowCompleted())
	return env.GetWorkflowError()
}

func TestJobWorkflowSucceeds(t *testing.T) {
	h := &scriptedHandler{}
	err := runJob(t, h, temporal.JobRequest{JobID: "job-1", Name: "scripted", Args: json.RawMessage(`{}`), Delay: time.Minute, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 1, h.attempts)
	assert.Equal(t, []string{"job-1"}, h.seenIDs)
	assert.Empty(t, h.exhausted)
}

func TestJobWorkflowRetriesThenRunsExhaustionHook(t *testing.T) {
	h := &scriptedHandler{err: errors.New("transient")}
	err := runJob(t, h, temporal.JobRequest{JobID: "job-2", Name: "scripted", Args: json.RawMessage(`{}`), MaxAttempts: 3})

	require.Error(t, err)
	assert.Equal(t, 3, h.attempts)
	require.Len(t, h.exhausted, 1)
	assert.Equal(t, "errors.fundamental", h.exhausted[0].Class)
	assert.Contains(t, h.exhausted[0].Message, "transient")
}

func TestJobWorkflowPermanentErrorSkipsRetries(t *testing.T) {
	h := &scriptedHandler{err: jobs.Permanent(errors.New("expired"))}
	err := runJob(t, h, temporal.JobRequest{JobID: "job-3", Name: "scripted", Args: json.RawMessage(`{}`), MaxAttempts: 5})

	require.Error(t, err)
	assert.Equal(t, 1, h.attempts)
	require.Len(t, h.exhausted, 1)
}

func TestClassifyTagsTimeoutsAsInterrupted(t *testing.T) {
	f := classify(errors.Wrap(sdktemporal.NewHeartbeatTimeoutError(), "activity"))
	assert.Equal(t, jobs.InterruptedClass, f.Class)

	f = classify(sdktemporal.NewApplicationError("remote export failed", "pipeline.FailedError"))
	assert.Equal(t, "pipeline.FailedError", f.Class)
	assert.Equal(t, "remote export failed", f.Message)

	f = classify(errors.New("plain"))
	assert.Equal(t, "errors.fundamental", f.Class)
}
