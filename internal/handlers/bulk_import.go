package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

type BulkImportHandler struct {
	imports  repository.BulkImportRepository
	entities repository.EntityRepository
	trackers repository.TrackerRepository
	failures repository.FailureRepository
}

func NewBulkImportHandler(imports repository.BulkImportRepository, entities repository.EntityRepository,
	trackers repository.TrackerRepository, failures repository.FailureRepository) *BulkImportHandler {
	return &BulkImportHandler{imports: imports, entities: entities, trackers: trackers, failures: failures}
}

type entityView struct {
	models.Entity
	DestinationFullPath string           `json:"destination_full_path"`
	Trackers            []models.Tracker `json:"trackers"`
	Failures            []models.Failure `json:"failures"`
}

type bulkImportView struct {
	models.BulkImport
	Entities []entityView `json:"entities"`
}

// GetBulkImport returns one migration run with its entities, trackers and failures.
func (h *BulkImportHandler) GetBulkImport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid bulk import id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	bi, err := h.imports.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Bulk import not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get bulk import: "+err.Error(), http.StatusInternalServerError)
		return
	}
	entities, err := h.entities.ListByBulkImport(ctx, id)
	if err != nil {
		http.Error(w, "Failed to list entities: "+err.Error(), http.StatusInternalServerError)
		return
	}

	view := bulkImportView{BulkImport: bi, Entities: make([]entityView, 0, len(entities))}
	for _, e := range entities {
		trackers, err := h.trackers.ListByEntity(ctx, e.ID)
		if err != nil {
			http.Error(w, "Failed to list trackers: "+err.Error(), http.StatusInternalServerError)
			return
		}
		failures, err := h.failures.ListByEntity(ctx, e.ID)
		if err != nil {
			http.Error(w, "Failed to list failures: "+err.Error(), http.StatusInternalServerError)
			return
		}
		view.Entities = append(view.Entities, entityView{
			Entity:              e,
			DestinationFullPath: e.DestinationFullPath(),
			Trackers:            trackers,
			Failures:            failures,
		})
	}
	writeJSON(w, http.StatusOK, view)
}
