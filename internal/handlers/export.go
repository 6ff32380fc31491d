package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/export"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/source"
)

// ExportHandler serves the export API a destination instance migrates from.
type ExportHandler struct {
	exports   *export.Service
	portables repository.PortableRepository
	version   string
	logger    zerolog.Logger
}

func NewExportHandler(exports *export.Service, portables repository.PortableRepository, version string, logger zerolog.Logger) *ExportHandler {
	return &ExportHandler{
		exports:   exports,
		portables: portables,
		version:   version,
		logger:    logger.With().Str("component", "export-api").Logger(),
	}
}

func (h *ExportHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func (h *ExportHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portable(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p.ID, "full_path": p.FullPath})
}

func (h *ExportHandler) RequestExports(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portable(w, r)
	if !ok {
		return
	}
	batched, _ := strconv.ParseBool(r.URL.Query().Get("batched"))
	if err := h.exports.RequestExports(r.Context(), p, batched); err != nil {
		h.logger.Error().Err(err).Int64("portable_id", p.ID).Msg("Failed to request exports")
		http.Error(w, "Failed to start export: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ExportHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portable(w, r)
	if !ok {
		return
	}
	statuses, err := h.exports.Status(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to read export status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	ready, err := h.exports.Ready(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to read export readiness: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(source.ExportsReadyHeader, strconv.FormatBool(ready))
	writeJSON(w, http.StatusOK, statuses)
}

func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portable(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	relation := q.Get("relation")
	if relation == "" {
		http.Error(w, "Missing relation", http.StatusBadRequest)
		return
	}
	batchNumber := 0
	if b := q.Get("batch_number"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil || n < 1 {
			http.Error(w, "Invalid batch_number", http.StatusBadRequest)
			return
		}
		batchNumber = n
	}

	data, err := h.exports.Download(r.Context(), p, relation, batchNumber)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Export file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read export file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Write(data)
}

func (h *ExportHandler) Descendants(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portable(w, r)
	if !ok {
		return
	}
	children, err := h.portables.ListChildren(r.Context(), p.FullPath)
	if err != nil {
		http.Error(w, "Failed to list descendants: "+err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]source.Descendant, 0, len(children))
	for _, c := range children {
		out = append(out, source.Descendant{ID: c.ID, Type: c.Type, FullPath: c.FullPath})
	}
	writeJSON(w, http.StatusOK, out)
}

// portable resolves the {id} route variable, a numeric id or an escaped full path, and checks
// it against the {resource} segment.
func (h *ExportHandler) portable(w http.ResponseWriter, r *http.Request) (models.Portable, bool) {
	vars := mux.Vars(r)
	ref, err := url.PathUnescape(vars["id"])
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return models.Portable{}, false
	}

	var p models.Portable
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		p, err = h.portables.Get(r.Context(), id)
	} else {
		p, err = h.portables.GetByFullPath(r.Context(), ref)
	}
	if errors.Is(err, repository.ErrNotFound) || (err == nil && p.Type.Resource() != vars["resource"]) {
		http.Error(w, "Not found", http.StatusNotFound)
		return models.Portable{}, false
	}
	if err != nil {
		http.Error(w, "Failed to load "+ref+": "+err.Error(), http.StatusInternalServerError)
		return models.Portable{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
