package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/stratum-transfer/internal/handlers"
)

// NewRouter wires the health probe, the export API and the bulk import read endpoint.
// Paths are matched encoded so a full path like top%2Fapp stays one segment.
func NewRouter(health *handlers.HealthHandler, exports *handlers.ExportHandler, imports *handlers.BulkImportHandler) *mux.Router {
	router := mux.NewRouter().UseEncodedPath()

	router.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v4").Subrouter()
	api.HandleFunc("/version", exports.Version).Methods(http.MethodGet)
	api.HandleFunc("/{resource:groups|projects}/{id}", exports.Lookup).Methods(http.MethodGet)
	api.HandleFunc("/{resource:groups|projects}/{id}/export_relations", exports.RequestExports).Methods(http.MethodPost)
	api.HandleFunc("/{resource:groups|projects}/{id}/export_relations/status", exports.Status).Methods(http.MethodGet)
	api.HandleFunc("/{resource:groups|projects}/{id}/export_relations/download", exports.Download).Methods(http.MethodGet)
	api.HandleFunc("/{resource:groups}/{id}/descendants", exports.Descendants).Methods(http.MethodGet)

	router.HandleFunc("/api/bulk_imports/{id:[0-9]+}", imports.GetBulkImport).Methods(http.MethodGet)

	return router
}
