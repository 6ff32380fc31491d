package bulkimports

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportRequestResolvesSourceID(t *testing.T) {
	h := newHarness(t)
	e, _ := h.entity(models.SourceTypeGroup)
	h.src.IDs["top/app"] = 77

	require.NoError(t, h.perform(jobs.ExportRequestWorker, jobs.EntityArgs{EntityID: e.ID}))

	require.Len(t, h.src.Requests, 1)
	require.NotNil(t, h.src.Requests[0].ID)
	assert.Equal(t, int64(77), *h.src.Requests[0].ID)
	assert.Equal(t, []bool{true}, h.src.Batched)

	got := h.reload(e.ID)
	require.NotNil(t, got.SourceXID)
	assert.Equal(t, int64(77), *got.SourceXID)
}

func TestExportRequestFallsBackToFullPath(t *testing.T) {
	h := newHarness(t)
	e, _ := h.entity(models.SourceTypeGroup)
	h.src.LookupErr = errors.New("lookup endpoint unavailable")

	require.NoError(t, h.perform(jobs.ExportRequestWorker, jobs.EntityArgs{EntityID: e.ID}))

	require.Len(t, h.src.Requests, 1)
	assert.Nil(t, h.src.Requests[0].ID)
	assert.Equal(t, "top/app", h.src.Requests[0].FullPath)
	assert.Nil(t, h.reload(e.ID).SourceXID)
}

func TestExportRequestErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	e, _ := h.entity(models.SourceTypeGroup)
	h.src.RequestErr = errors.New("connection reset")

	err := h.perform(jobs.ExportRequestWorker, jobs.EntityArgs{EntityID: e.ID})
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
}

func TestExportRequestExhaustionFailsWaitingTrackers(t *testing.T) {
	h := newHarness(t)
	e, trackers := h.entity(models.SourceTypeGroup)

	f := jobs.Failure{Class: "source.StatusError", Message: "unexpected status code 503"}
	require.NoError(t, h.exhaust(h.ctx, jobs.ExportRequestWorker, jobs.EntityArgs{EntityID: e.ID}, f))

	assert.Equal(t, models.StatusFailed, h.tracker(trackers["labels"].ID).Status)
	assert.Equal(t, models.StatusCreated, h.tracker(trackers["namespace"].ID).Status)
	assert.Equal(t, models.StatusCreated, h.tracker(trackers["first"].ID).Status)

	failures := h.store.Failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, "export_request", failures[0].PipelineStep)

	// Trackers still polling the export read the failure from the cache.
	cached, ok, err := h.cache.Read(h.ctx, cache.ExportStatusKey(e.ID, "labels"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, cached, `"failed"`)
}

func TestBatchedSupported(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"16.2.0", true},
		{"16.4.1-ee", true},
		{"17.0.0+build", true},
		{"v16.10.0", true},
		{"16.1.9", false},
		{"15.11.3-ee", false},
		{"", false},
		{"not a version", false},
	}
	for _, c := range cases {
		t.Run(c.version, func(t *testing.T) {
			assert.Equal(t, c.want, batchedSupported(c.version, "16.2.0"))
		})
	}
}
