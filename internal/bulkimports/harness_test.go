package bulkimports

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/health"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/testutil"
	"github.com/stretchr/testify/require"
)

type plainStep struct {
	name  string
	err   error
	runs  int
	abort bool
}

func (p *plainStep) Name() string                                 { return p.name }
func (p *plainStep) Run(context.Context, *pipeline.Context) error { p.runs++; return p.err }
func (p *plainStep) AbortOnFailure() bool                         { return p.abort }

type relationStep struct {
	plainStep
	relation string
	batches  []int
	batchErr error
	finished int
}

func (p *relationStep) Relation() string { return p.relation }

func (p *relationStep) RunBatch(_ context.Context, _ *pipeline.Context, n int) error {
	p.batches = append(p.batches, n)
	return p.batchErr
}

func (p *relationStep) OnFinish(context.Context, *pipeline.Context) error {
	p.finished++
	return nil
}

type stopIndicator struct{}

func (stopIndicator) Name() string { return "always_stop" }

func (stopIndicator) Check(context.Context) (health.Signal, error) {
	return health.Signal{Stop: true, Reason: "overloaded"}, nil
}

func newStoppedGate() *health.Gate {
	return health.NewGate(zerolog.Nop(), 0, stopIndicator{})
}

func testImportConfig() config.ImportConfig {
	return config.ImportConfig{
		EntityPollInterval:      5 * time.Second,
		ExportPollInterval:      10 * time.Second,
		ExportStatusTTL:         30 * time.Second,
		ExportExpiry:            time.Hour,
		FinishPollInterval:      5 * time.Second,
		BatchConcurrency:        2,
		BatchStaleTimeout:       time.Hour,
		LockTTL:                 time.Minute,
		StaleAfter:              24 * time.Hour,
		StuckAfter:              48 * time.Hour,
		SweepInterval:           time.Minute,
		SweepBatchSize:          100,
		ReferencesBatchSize:     100,
		BatchedMinSourceVersion: "16.2.0",
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *testutil.Clock
	store *testutil.Store
	queue *testutil.Queue
	cache *cache.RedisCache
	mr    *miniredis.Miniredis
	src   *testutil.Source
	svc   *Service

	namespace *plainStep
	first     *plainStep
	second    *plainStep
	labels    *relationStep
}

// newHarness wires a service whose projects run first then second, and whose groups run
// namespace and labels together before first.
func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewStore(clock)
	c, mr := testutil.NewCache(t)
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clock,
		store:     store,
		queue:     &testutil.Queue{},
		cache:     c,
		mr:        mr,
		src:       testutil.NewSource(),
		namespace: &plainStep{name: "namespace", abort: true},
		first:     &plainStep{name: "first"},
		second:    &plainStep{name: "second"},
		labels:    &relationStep{plainStep: plainStep{name: "labels"}, relation: "labels"},
	}

	reg := pipeline.NewRegistry()
	for _, p := range []pipeline.Pipeline{h.namespace, h.first, h.second, h.labels} {
		reg.Register(p)
	}
	require.NoError(t, reg.DefineStages(models.SourceTypeProject,
		pipeline.Stage{Number: 0, Pipelines: []string{"first"}},
		pipeline.Stage{Number: 1, Pipelines: []string{"second"}},
	))
	require.NoError(t, reg.DefineStages(models.SourceTypeGroup,
		pipeline.Stage{Number: 0, Pipelines: []string{"namespace", "labels"}},
		pipeline.Stage{Number: 1, Pipelines: []string{"first"}},
	))

	h.svc = NewService(ServiceConfig{
		Store: Store{
			BulkImports: store.BulkImports,
			Entities:    store.Entities,
			Trackers:    store.Trackers,
			Batches:     store.Batches,
			Failures:    store.Failures,
			Records:     store.Records,
		},
		Queue:       h.queue,
		Cache:       c,
		Pipelines:   reg,
		Sources:     h.src,
		Import:      testImportConfig(),
		InstanceURL: "https://dest.example",
		DeferDelay:  90 * time.Second,
		Logger:      zerolog.Nop(),
		Now:         clock.Now,
	})
	return h
}

// entity starts a fresh bulk import with one entity and returns its trackers by pipeline name.
func (h *harness) entity(typ models.SourceType) (models.Entity, map[string]models.Tracker) {
	h.t.Helper()
	bi := &models.BulkImport{SourceURL: "https://source.example", SourceVersion: "16.4.0"}
	require.NoError(h.t, h.store.BulkImports.Create(h.ctx, bi))
	e := &models.Entity{
		BulkImportID:         bi.ID,
		SourceType:           typ,
		SourceFullPath:       "top/app",
		DestinationNamespace: "imported",
		DestinationName:      "app",
	}
	require.NoError(h.t, h.svc.StartEntity(h.ctx, e))
	h.queue.Reset()
	return h.reload(e.ID), h.trackers(e.ID)
}

func (h *harness) reload(entityID int64) models.Entity {
	h.t.Helper()
	e, err := h.store.Entities.Get(h.ctx, entityID)
	require.NoError(h.t, err)
	return e
}

func (h *harness) trackers(entityID int64) map[string]models.Tracker {
	h.t.Helper()
	list, err := h.store.Trackers.ListByEntity(h.ctx, entityID)
	require.NoError(h.t, err)
	out := make(map[string]models.Tracker, len(list))
	for _, t := range list {
		out[t.Pipeline] = t
	}
	return out
}

func (h *harness) tracker(id int64) models.Tracker {
	h.t.Helper()
	t, err := h.store.Trackers.Get(h.ctx, id)
	require.NoError(h.t, err)
	return t
}

func (h *harness) bulkImport(id int64) models.BulkImport {
	h.t.Helper()
	bi, err := h.store.BulkImports.Get(h.ctx, id)
	require.NoError(h.t, err)
	return bi
}

// move walks a tracker through the given statuses.
func (h *harness) move(trackerID int64, statuses ...models.Status) {
	h.t.Helper()
	for _, st := range statuses {
		require.NoError(h.t, h.store.Trackers.Transition(h.ctx, trackerID, st))
	}
}

// batched puts a tracker in the started, batched state with n batches already created.
func (h *harness) batched(tracker models.Tracker, count, created int) []models.BatchTracker {
	h.t.Helper()
	h.move(tracker.ID, models.StatusStarted)
	require.NoError(h.t, h.store.Trackers.SetBatched(h.ctx, tracker.ID, count))
	var out []models.BatchTracker
	for n := 1; n <= created; n++ {
		b := &models.BatchTracker{TrackerID: tracker.ID, BatchNumber: n}
		ok, err := h.store.Batches.Create(h.ctx, b)
		require.NoError(h.t, err)
		require.True(h.t, ok)
		out = append(out, *b)
	}
	return out
}

func (h *harness) moveBatch(batchID int64, statuses ...models.Status) {
	h.t.Helper()
	for _, st := range statuses {
		require.NoError(h.t, h.store.Batches.Transition(h.ctx, batchID, st))
	}
}

func (h *harness) handler(name string) jobs.Handler {
	h.t.Helper()
	for _, hd := range h.svc.Handlers() {
		if hd.Name() == name {
			return hd
		}
	}
	h.t.Fatalf("no handler %s", name)
	return nil
}

func (h *harness) perform(name string, args any) error {
	h.t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(h.t, err)
	return h.handler(name).Perform(h.ctx, raw)
}

func (h *harness) exhaust(ctx context.Context, name string, args any, f jobs.Failure) error {
	h.t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(h.t, err)
	eh, ok := h.handler(name).(jobs.ExhaustionHandler)
	require.True(h.t, ok, "%s has no exhaustion hook", name)
	return eh.Exhausted(ctx, raw, f)
}
