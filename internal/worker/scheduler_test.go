package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickEnqueuesBothSweeps(t *testing.T) {
	q := &testutil.Queue{}
	s := NewScheduler(SchedulerConfig{Queue: q, Interval: time.Minute, Logger: zerolog.Nop()})

	s.Tick(context.Background())

	assert.Len(t, q.Jobs(jobs.StaleImportWorker), 1)
	assert.Len(t, q.Jobs(jobs.StuckImportWorker), 1)
}

func TestTickSurvivesEnqueueErrors(t *testing.T) {
	q := &testutil.Queue{Err: errors.New("temporal unavailable")}
	s := NewScheduler(SchedulerConfig{Queue: q, Interval: time.Minute, Logger: zerolog.Nop()})

	assert.NotPanics(t, func() { s.Tick(context.Background()) })
	assert.Empty(t, q.Jobs(""))
}

func TestStartRunsUntilCanceled(t *testing.T) {
	q := &testutil.Queue{}
	s := NewScheduler(SchedulerConfig{Queue: q, Interval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(q.Jobs(jobs.StaleImportWorker)) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStartRejectsZeroInterval(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Queue: &testutil.Queue{}, Logger: zerolog.Nop()})
	assert.Error(t, s.Start(context.Background()))
}
