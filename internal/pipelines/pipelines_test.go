package pipelines

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/source"
	"github.com/stanstork/stratum-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type starter struct {
	entities *testutil.Entities
	started  []models.Entity
}

func (s *starter) StartEntity(ctx context.Context, e *models.Entity) error {
	if err := s.entities.Create(ctx, e); err != nil {
		return err
	}
	s.started = append(s.started, *e)
	return nil
}

type fixture struct {
	store    *testutil.Store
	queue    *testutil.Queue
	cache    *cache.RedisCache
	src      *testutil.Source
	starter  *starter
	registry *pipeline.Registry
	deps     *Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore(testutil.NewClock())
	c, _ := testutil.NewCache(t)
	f := &fixture{
		store:    store,
		queue:    &testutil.Queue{},
		cache:    c,
		src:      testutil.NewSource(),
		starter:  &starter{entities: store.Entities},
		registry: pipeline.NewRegistry(),
	}
	f.deps = &Deps{
		Portables:           store.Portables,
		Records:             store.Records,
		Users:               store.Users,
		Entities:            store.Entities,
		Starter:             f.starter,
		Queue:               f.queue,
		Cache:               c,
		ReferencesBatchSize: 2,
	}
	require.NoError(t, Register(f.registry, f.deps))
	return f
}

func (f *fixture) context(t *testing.T, typ models.SourceType, pipelineName string) *pipeline.Context {
	t.Helper()
	ctx := context.Background()
	bi := &models.BulkImport{SourceURL: "https://source.example"}
	require.NoError(t, f.store.BulkImports.Create(ctx, bi))
	e := &models.Entity{
		BulkImportID:         bi.ID,
		SourceType:           typ,
		SourceFullPath:       "top",
		DestinationNamespace: "imported",
		DestinationName:      "top",
	}
	require.NoError(t, f.store.Entities.Create(ctx, e))
	tr := &models.Tracker{EntityID: e.ID, Pipeline: pipelineName}
	require.NoError(t, f.store.Trackers.Create(ctx, tr))
	return &pipeline.Context{BulkImport: *bi, Entity: *e, Tracker: *tr, Source: f.src, Logger: zerolog.Nop()}
}

func (f *fixture) run(t *testing.T, pc *pipeline.Context, name string) error {
	t.Helper()
	p, err := f.registry.Get(name)
	require.NoError(t, err)
	return p.Run(context.Background(), pc)
}

func TestRegisterDefinesStageTables(t *testing.T) {
	f := newFixture(t)

	project := f.registry.Stages(models.SourceTypeProject)
	require.Len(t, project, 5)
	assert.Equal(t, []string{Namespace}, project[0].Pipelines)
	assert.Equal(t, []string{References}, project[len(project)-1].Pipelines)

	group := f.registry.Stages(models.SourceTypeGroup)
	require.Len(t, group, 3)
	assert.Contains(t, group[1].Pipelines, Descendants)

	ns, err := f.registry.Get(Namespace)
	require.NoError(t, err)
	assert.True(t, pipeline.AbortsOnFailure(ns))

	for _, rel := range ExportableRelations(models.SourceTypeProject) {
		p, err := f.registry.Get(rel)
		require.NoError(t, err)
		got, ok := pipeline.RelationOf(p)
		assert.True(t, ok)
		assert.Equal(t, rel, got)
		_, ok = p.(pipeline.BatchRunner)
		assert.True(t, ok, rel)
	}
}

func TestRelationPipelineUpsertsRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pc := f.context(t, models.SourceTypeProject, Labels)
	f.src.SetPayload(Labels, 0, `{"id":1,"title":"bug","description":"see @alice"}
{"id":2,"title":"feature"}
`)

	require.NoError(t, f.run(t, pc, Labels))
	// Redelivery must not duplicate records.
	require.NoError(t, f.run(t, pc, Labels))

	portable, err := f.store.Portables.GetByFullPath(ctx, "imported/top")
	require.NoError(t, err)
	n, err := f.store.Records.Count(ctx, portable.ID, Labels)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := f.store.Records.List(ctx, portable.ID, Labels, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "1", recs[0].SourceIID)
	assert.Equal(t, "see @alice", recs[0].Body)
	assert.Empty(t, recs[1].Body)
}

func TestRelationPipelineImportsOneBatch(t *testing.T) {
	f := newFixture(t)
	pc := f.context(t, models.SourceTypeProject, Issues)
	f.src.SetPayload(Issues, 2, `{"iid":7,"description":"body"}`)

	p, err := f.registry.Get(Issues)
	require.NoError(t, err)
	require.NoError(t, p.(pipeline.BatchRunner).RunBatch(context.Background(), pc, 2))
	assert.Equal(t, []string{"issues/2"}, f.src.Downloads)
}

func TestRelationPipelineMissingFileIsFatal(t *testing.T) {
	f := newFixture(t)
	pc := f.context(t, models.SourceTypeProject, Notes)

	err := f.run(t, pc, Notes)
	require.Error(t, err)
	assert.True(t, pipeline.IsFatal(err))
}

func TestMembersPipelineMapsUsernamesBothWays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Users.Create(ctx, &models.User{Username: "alice.dest", Email: "Alice@Example.com"}))
	pc := f.context(t, models.SourceTypeGroup, Members)
	f.src.SetPayload(Members, 0, `{"id":10,"username":"alice","email":"alice@example.com"}
{"id":11,"username":"ghost","email":"ghost@example.com"}`)

	require.NoError(t, f.run(t, pc, Members))

	forward, err := f.cache.HashRead(ctx, cache.UsernameMapKey(pc.BulkImport.ID, cache.SourceToDestination))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "alice.dest"}, forward)

	backward, err := f.cache.HashRead(ctx, cache.UsernameMapKey(pc.BulkImport.ID, cache.DestinationToSource))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice.dest": "alice"}, backward)
}

func TestDescendantsStartsDirectChildrenOnce(t *testing.T) {
	f := newFixture(t)
	pc := f.context(t, models.SourceTypeGroup, Descendants)
	f.src.Descendants = []source.Descendant{
		{ID: 21, Type: models.SourceTypeGroup, FullPath: "top/sub"},
		{ID: 22, Type: models.SourceTypeProject, FullPath: "top/app"},
		{ID: 23, Type: models.SourceTypeProject, FullPath: "top/sub/deep"},
	}

	require.NoError(t, f.run(t, pc, Descendants))
	require.NoError(t, f.run(t, pc, Descendants))

	require.Len(t, f.starter.started, 2)
	sub := f.starter.started[0]
	assert.Equal(t, "top/sub", sub.SourceFullPath)
	assert.Equal(t, "imported/top", sub.DestinationNamespace)
	assert.Equal(t, "sub", sub.DestinationName)
	require.NotNil(t, sub.ParentID)
	assert.Equal(t, pc.Entity.ID, *sub.ParentID)
	require.NotNil(t, sub.SourceXID)
	assert.Equal(t, int64(21), *sub.SourceXID)
}

func TestReferencesPipelinePagesByRelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pc := f.context(t, models.SourceTypeProject, References)
	portable, err := f.store.Portables.Upsert(ctx, models.SourceTypeProject, "imported/top")
	require.NoError(t, err)

	for i, r := range []struct{ rel, body string }{
		{Issues, "a"}, {Notes, "b"}, {Notes, ""}, {Notes, "c"},
	} {
		rec := &models.Record{PortableID: portable.ID, Relation: r.rel, SourceIID: string(rune('1' + i)), Body: r.body}
		require.NoError(t, f.store.Records.Upsert(ctx, rec))
	}

	require.NoError(t, f.run(t, pc, References))

	queued := f.queue.Jobs(jobs.TransformReferencesWorker)
	require.Len(t, queued, 3)
	var first, second, third jobs.TransformReferencesArgs
	queued[0].Decode(t, &first)
	queued[1].Decode(t, &second)
	queued[2].Decode(t, &third)
	assert.Equal(t, Issues, first.Relation)
	assert.Len(t, first.RecordIDs, 1)
	assert.Equal(t, Notes, second.Relation)
	assert.Len(t, second.RecordIDs, 1)
	assert.Equal(t, Notes, third.Relation)
	assert.Len(t, third.RecordIDs, 1)
	assert.Equal(t, pc.Tracker.ID, third.TrackerID)
}
