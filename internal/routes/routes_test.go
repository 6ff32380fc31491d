package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/export"
	"github.com/stanstork/stratum-transfer/internal/handlers"
	"github.com/stanstork/stratum-transfer/internal/health"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *testutil.Store) {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewStore(clock)
	c, _ := testutil.NewCache(t)
	exports := export.NewService(export.ServiceConfig{
		Store: export.Store{
			Portables: store.Portables,
			Records:   store.Records,
			Exports:   store.Exports,
			Batches:   store.ExportBatches,
			Uploads:   store.Uploads,
		},
		Queue:     &testutil.Queue{},
		Cache:     c,
		Export:    config.ExportConfig{BatchSize: 100, StaleAfter: time.Hour, ReadyTTL: time.Hour},
		Relations: func(models.SourceType) []string { return []string{"labels"} },
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	})
	router := NewRouter(
		handlers.NewHealthHandler(health.NewGate(zerolog.Nop(), 0)),
		handlers.NewExportHandler(exports, store.Portables, "16.2.0", zerolog.Nop()),
		handlers.NewBulkImportHandler(store.BulkImports, store.Entities, store.Trackers, store.Failures),
	)
	return router, store
}

func TestRouterKeepsEncodedFullPathsInOneSegment(t *testing.T) {
	router, store := newTestRouter(t)
	app, err := store.Portables.Upsert(context.Background(), models.SourceTypeProject, "top/sub/app")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v4/projects/top%2Fsub%2Fapp", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		ID       int64  `json:"id"`
		FullPath string `json:"full_path"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, app.ID, got.ID)
	assert.Equal(t, "top/sub/app", got.FullPath)
}

func TestRouterMatchesMethodsAndResources(t *testing.T) {
	router, store := newTestRouter(t)
	ctx := context.Background()
	group, err := store.Portables.Upsert(ctx, models.SourceTypeGroup, "top")
	require.NoError(t, err)
	bi := &models.BulkImport{SourceURL: "https://source.example", Status: models.StatusCreated}
	require.NoError(t, store.BulkImports.Create(ctx, bi))
	gid := strconv.FormatInt(group.ID, 10)

	tests := []struct {
		method string
		target string
		code   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/v4/version", http.StatusOK},
		{http.MethodGet, "/api/v4/groups/" + gid, http.StatusOK},
		{http.MethodPost, "/api/v4/groups/top/export_relations", http.StatusAccepted},
		{http.MethodGet, "/api/v4/groups/top/export_relations/status", http.StatusOK},
		{http.MethodGet, "/api/v4/groups/top/descendants", http.StatusOK},
		{http.MethodGet, "/api/v4/projects/top/descendants", http.StatusNotFound},
		{http.MethodGet, "/api/v4/users/1", http.StatusNotFound},
		{http.MethodPut, "/api/v4/groups/top/export_relations", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/bulk_imports/" + strconv.FormatInt(bi.ID, 10), http.StatusOK},
		{http.MethodGet, "/api/bulk_imports/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
