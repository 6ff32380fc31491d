package bulkimports

import (
	"testing"

	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCreatesEntitiesTrackersAndJobs(t *testing.T) {
	h := newHarness(t)
	h.src.SourceVersion = "16.8.0-ee"

	bi, err := h.svc.Start(h.ctx, "https://source.example", []EntityInput{
		{SourceType: models.SourceTypeGroup, SourceFullPath: "top", DestinationNamespace: "", DestinationName: "top"},
		{SourceType: models.SourceTypeProject, SourceFullPath: "top/app", DestinationNamespace: "imported", DestinationName: "app"},
	})
	require.NoError(t, err)
	assert.Equal(t, "16.8.0-ee", h.bulkImport(bi.ID).SourceVersion)

	entities, err := h.store.Entities.ListByBulkImport(h.ctx, bi.ID)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	group := h.trackers(entities[0].ID)
	assert.Len(t, group, 3)
	assert.Equal(t, 0, group["namespace"].Stage)
	assert.Equal(t, 0, group["labels"].Stage)
	assert.Equal(t, 1, group["first"].Stage)
	for _, tr := range group {
		assert.Equal(t, models.StatusCreated, tr.Status)
	}
	assert.Len(t, h.trackers(entities[1].ID), 2)

	assert.Len(t, h.queue.Jobs(jobs.ExportRequestWorker), 2)
	assert.Len(t, h.queue.Jobs(jobs.EntityWorker), 2)
}

func TestStartRequiresEntities(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(h.ctx, "https://source.example", nil)
	require.Error(t, err)
	assert.Empty(t, h.queue.Jobs(""))
}

func TestStartEntityRejectsTypesWithoutStages(t *testing.T) {
	h := newHarness(t)
	err := h.svc.StartEntity(h.ctx, &models.Entity{BulkImportID: 1, SourceType: "snippet", SourceFullPath: "x"})
	require.Error(t, err)
}
