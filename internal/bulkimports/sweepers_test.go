package bulkimports

import (
	"testing"
	"time"

	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleSweepTimesOutIdleEntities(t *testing.T) {
	h := newHarness(t)
	idle, idleTrackers := h.entity(models.SourceTypeProject)
	h.clock.Advance(23 * time.Hour)
	busy, busyTrackers := h.entity(models.SourceTypeProject)
	h.clock.Advance(2 * time.Hour)

	require.NoError(t, h.perform(jobs.StaleImportWorker, nil))

	assert.Equal(t, models.StatusTimeout, h.reload(idle.ID).Status)
	for _, tr := range idleTrackers {
		assert.Equal(t, models.StatusTimeout, h.tracker(tr.ID).Status)
	}
	assert.Equal(t, models.StatusFailed, h.bulkImport(idle.BulkImportID).Status)

	assert.Equal(t, models.StatusCreated, h.reload(busy.ID).Status)
	for _, tr := range busyTrackers {
		assert.Equal(t, models.StatusCreated, h.tracker(tr.ID).Status)
	}
}

func TestStaleSweepSparesEntitiesWithRecentBatches(t *testing.T) {
	h := newHarness(t)
	e, trackers := h.entity(models.SourceTypeGroup)
	batches := h.batched(trackers["labels"], 1, 1)
	h.clock.Advance(25 * time.Hour)
	h.moveBatch(batches[0].ID, models.StatusStarted)

	require.NoError(t, h.perform(jobs.StaleImportWorker, nil))
	assert.Equal(t, models.StatusCreated, h.reload(e.ID).Status)
}

func TestStuckSweepTimesOutOldImports(t *testing.T) {
	h := newHarness(t)
	old, oldTrackers := h.entity(models.SourceTypeProject)
	h.clock.Advance(47 * time.Hour)
	recent, _ := h.entity(models.SourceTypeProject)
	h.clock.Advance(2 * time.Hour)

	require.NoError(t, h.perform(jobs.StuckImportWorker, nil))

	assert.Equal(t, models.StatusTimeout, h.bulkImport(old.BulkImportID).Status)
	assert.Equal(t, models.StatusTimeout, h.reload(old.ID).Status)
	for _, tr := range oldTrackers {
		assert.Equal(t, models.StatusTimeout, h.tracker(tr.ID).Status)
	}
	assert.Equal(t, models.StatusCreated, h.bulkImport(recent.BulkImportID).Status)
	assert.Equal(t, models.StatusCreated, h.reload(recent.ID).Status)
}

func TestStuckSweepLeavesFinishedEntities(t *testing.T) {
	h := newHarness(t)
	e, trackers := h.entity(models.SourceTypeProject)
	for _, tr := range trackers {
		h.move(tr.ID, models.StatusStarted, models.StatusFinished)
	}
	require.NoError(t, h.store.Entities.Transition(h.ctx, e.ID, models.StatusStarted))
	require.NoError(t, h.store.Entities.Transition(h.ctx, e.ID, models.StatusFinished))
	h.clock.Advance(49 * time.Hour)

	require.NoError(t, h.perform(jobs.StuckImportWorker, nil))

	assert.Equal(t, models.StatusTimeout, h.bulkImport(e.BulkImportID).Status)
	assert.Equal(t, models.StatusFinished, h.reload(e.ID).Status)
	for _, tr := range trackers {
		assert.Equal(t, models.StatusFinished, h.tracker(tr.ID).Status)
	}
}
