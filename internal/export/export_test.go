package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/source"
	"github.com/stanstork/stratum-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *testutil.Clock
	store    *testutil.Store
	queue    *testutil.Queue
	cache    *cache.RedisCache
	mr       *miniredis.Miniredis
	svc      *Service
	portable models.Portable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	store := testutil.NewStore(clock)
	c, mr := testutil.NewCache(t)
	f := &fixture{t: t, ctx: context.Background(), clock: clock, store: store, queue: &testutil.Queue{}, cache: c, mr: mr}
	f.svc = NewService(ServiceConfig{
		Store: Store{
			Portables: store.Portables,
			Records:   store.Records,
			Exports:   store.Exports,
			Batches:   store.ExportBatches,
			Uploads:   store.Uploads,
		},
		Queue: f.queue,
		Cache: c,
		Export: config.ExportConfig{
			BatchSize:              2,
			ConcurrentBatchLimit:   2,
			BatchStartTimeout:      time.Hour,
			AdmissionRetryInterval: time.Minute,
			FinishPollInterval:     5 * time.Second,
			StaleAfter:             24 * time.Hour,
			ReadyTTL:               24 * time.Hour,
		},
		Relations: func(models.SourceType) []string { return []string{"labels", "notes"} },
		BodyField: func(relation string) string {
			if relation == "notes" {
				return "note"
			}
			return "description"
		},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})

	p, err := store.Portables.Upsert(f.ctx, models.SourceTypeGroup, "top")
	require.NoError(t, err)
	f.portable = p
	return f
}

func (f *fixture) seed(relation string, n int) {
	f.t.Helper()
	for i := 1; i <= n; i++ {
		rec := &models.Record{
			PortableID: f.portable.ID,
			Relation:   relation,
			SourceIID:  fmt.Sprint(i),
			Body:       fmt.Sprintf("%s %d", relation, i),
		}
		require.NoError(f.t, f.store.Records.Upsert(f.ctx, rec))
	}
}

func (f *fixture) perform(name string, args any) error {
	f.t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(f.t, err)
	for _, h := range f.svc.Handlers() {
		if h.Name() == name {
			return h.Perform(f.ctx, raw)
		}
	}
	f.t.Fatalf("no handler %s", name)
	return nil
}

func (f *fixture) exhaust(name string, args any, failure jobs.Failure) error {
	f.t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(f.t, err)
	for _, h := range f.svc.Handlers() {
		if h.Name() == name {
			return h.(jobs.ExhaustionHandler).Exhausted(f.ctx, raw, failure)
		}
	}
	f.t.Fatalf("no handler %s", name)
	return nil
}

func (f *fixture) export(relation string) models.Export {
	f.t.Helper()
	exp, err := f.store.Exports.GetByRelation(f.ctx, f.portable.ID, relation)
	require.NoError(f.t, err)
	return exp
}

// drain runs every queued job of name once, in order, and returns how many ran.
func (f *fixture) drain(name string) int {
	f.t.Helper()
	queued := f.queue.Jobs(name)
	f.queue.Reset()
	for _, j := range queued {
		require.NoError(f.t, f.perform(name, j.Args))
	}
	return len(queued)
}

func TestRequestExportsIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))

	assert.Len(t, f.queue.Jobs(jobs.RelationExportWorker), 2)
	pending, ok, err := f.cache.Read(f.ctx, cache.PendingExportsKey(f.portable.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", pending)
}

func TestRequestExportsRestartsFailedExports(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	labels := f.export("labels")
	require.NoError(t, f.store.Exports.Transition(f.ctx, labels.ID, models.StatusFailed, "boom"))
	f.queue.Reset()

	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))

	queued := f.queue.Jobs(jobs.RelationExportWorker)
	require.Len(t, queued, 1)
	var args jobs.ExportArgs
	queued[0].Decode(t, &args)
	assert.Equal(t, labels.ID, args.ExportID)
	assert.Equal(t, models.StatusStarted, f.export("labels").Status)
	assert.Empty(t, f.export("labels").Error)
}

func TestRelationExportWritesWholeFile(t *testing.T) {
	f := newFixture(t)
	f.seed("notes", 3)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))

	assert.Equal(t, 2, f.drain(jobs.RelationExportWorker))

	notes := f.export("notes")
	assert.Equal(t, models.StatusFinished, notes.Status)
	assert.False(t, notes.Batched)
	assert.Equal(t, 3, notes.TotalObjectsCount)

	data, err := f.svc.Download(f.ctx, f.portable, "notes", 0)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"iid":"1","note":"notes 1"}`, lines[0])

	statuses, err := f.svc.Status(f.ctx, f.portable)
	require.NoError(t, err)
	assert.Equal(t, source.StateEmpty, source.FindRelation(statuses, "labels").State())
	assert.Equal(t, source.StateFinished, source.FindRelation(statuses, "notes").State())

	ready, err := f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.True(t, ready, "both exports settled")
}

func TestBatchedExportSplitsAndFinishes(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 5)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)

	labels := f.export("labels")
	assert.True(t, labels.Batched)
	assert.Equal(t, 3, labels.BatchesCount)
	assert.Equal(t, models.StatusStarted, labels.Status)
	assert.Len(t, f.queue.Jobs(jobs.RelationBatchExportWorker), 3)
	assert.Len(t, f.queue.Jobs(jobs.FinishBatchedRelationExportWorker), 1)

	// Drop the polling finisher and run the batches; each completion notifies the finisher.
	batchJobs := f.queue.Jobs(jobs.RelationBatchExportWorker)
	f.queue.Reset()
	for _, j := range batchJobs {
		require.NoError(t, f.perform(jobs.RelationBatchExportWorker, j.Args))
	}
	notifications := f.queue.Jobs(jobs.FinishBatchedRelationExportWorker)
	require.Len(t, notifications, 3)
	for _, j := range notifications {
		require.NoError(t, f.perform(jobs.FinishBatchedRelationExportWorker, j.Args))
	}

	assert.Equal(t, models.StatusFinished, f.export("labels").Status)
	statuses, err := f.svc.Status(f.ctx, f.portable)
	require.NoError(t, err)
	st := source.FindRelation(statuses, "labels")
	assert.Equal(t, source.StateBatched, st.State())
	require.Len(t, st.Batches, 3)
	assert.Equal(t, 1, st.Batches[2].ObjectsCount)

	data, err := f.svc.Download(f.ctx, f.portable, "labels", 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iid":"5","description":"labels 5"}`, strings.TrimSpace(string(data)))
}

func TestBatchAdmissionIsBounded(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 8)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	labels := f.export("labels")

	batches, err := f.store.ExportBatches.ListByExport(f.ctx, labels.ID)
	require.NoError(t, err)
	require.Len(t, batches, 4)
	// Two batches hold the only slots.
	for _, b := range batches[:2] {
		require.NoError(t, f.store.ExportBatches.Transition(f.ctx, b.ID, models.StatusStarted, ""))
	}
	f.queue.Reset()

	require.NoError(t, f.perform(jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: batches[2].ID}))

	retries := f.queue.Jobs(jobs.RelationBatchExportWorker)
	require.Len(t, retries, 1)
	assert.Equal(t, time.Minute, retries[0].Delay)
	b, err := f.store.ExportBatches.Get(f.ctx, batches[2].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, b.Status)
	active, err := f.store.ExportBatches.CountActive(f.ctx, f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.LessOrEqual(t, active, 2)
}

func TestBatchAdmissionIgnoresAbandonedBatches(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 8)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	batches, err := f.store.ExportBatches.ListByExport(f.ctx, f.export("labels").ID)
	require.NoError(t, err)
	for _, b := range batches[:2] {
		require.NoError(t, f.store.ExportBatches.Transition(f.ctx, b.ID, models.StatusStarted, ""))
	}
	f.clock.Advance(2 * time.Hour)
	f.queue.Reset()

	require.NoError(t, f.perform(jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: batches[2].ID}))

	b, err := f.store.ExportBatches.Get(f.ctx, batches[2].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, b.Status)
	assert.Empty(t, f.queue.Jobs(jobs.RelationBatchExportWorker))
}

func TestInterruptedBatchOverridesAdmission(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 8)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	batches, err := f.store.ExportBatches.ListByExport(f.ctx, f.export("labels").ID)
	require.NoError(t, err)
	for _, b := range batches[:2] {
		require.NoError(t, f.store.ExportBatches.Transition(f.ctx, b.ID, models.StatusStarted, ""))
	}
	f.queue.Reset()

	// Batch 1 is started, so its redelivery resumes instead of waiting for a slot.
	require.NoError(t, f.perform(jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: batches[0].ID}))

	b, err := f.store.ExportBatches.Get(f.ctx, batches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, b.Status)
}

func TestFinisherFailsExportWhenABatchFails(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 3)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	batches, err := f.store.ExportBatches.ListByExport(f.ctx, f.export("labels").ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	require.NoError(t, f.perform(jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: batches[0].ID}))
	require.NoError(t, f.exhaust(jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: batches[1].ID},
		jobs.Failure{Class: jobs.InterruptedClass, Message: "worker shut down"}))

	require.NoError(t, f.perform(jobs.FinishBatchedRelationExportWorker, jobs.ExportArgs{ExportID: batches[0].ExportID}))

	labels := f.export("labels")
	assert.Equal(t, models.StatusFailed, labels.Status)
	assert.Contains(t, labels.Error, "1 of 2 batches failed")
	_, err = f.svc.Download(f.ctx, f.portable, "labels", 1)
	assert.Error(t, err, "files of a failed export are not served")
}

func TestFinisherFailsStaleBatches(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 3)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	labels := f.export("labels")
	batches, err := f.store.ExportBatches.ListByExport(f.ctx, labels.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.ExportBatches.Transition(f.ctx, batches[0].ID, models.StatusStarted, ""))
	f.clock.Advance(2 * time.Hour)
	f.queue.Reset()

	require.NoError(t, f.perform(jobs.FinishBatchedRelationExportWorker, jobs.ExportArgs{ExportID: labels.ID, Poll: true}))

	assert.Equal(t, models.StatusFailed, f.export("labels").Status)
	batches, err = f.store.ExportBatches.ListByExport(f.ctx, labels.ID)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, models.StatusFailed, b.Status)
	}
	assert.Empty(t, f.queue.Jobs(""))
}

func TestFinisherPollsWhileBatchesRun(t *testing.T) {
	f := newFixture(t)
	f.seed("labels", 3)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, true))
	f.drain(jobs.RelationExportWorker)
	f.queue.Reset()
	labels := f.export("labels")

	require.NoError(t, f.perform(jobs.FinishBatchedRelationExportWorker, jobs.ExportArgs{ExportID: labels.ID}))
	assert.Empty(t, f.queue.Jobs(""))

	require.NoError(t, f.perform(jobs.FinishBatchedRelationExportWorker, jobs.ExportArgs{ExportID: labels.ID, Poll: true}))
	polls := f.queue.Jobs(jobs.FinishBatchedRelationExportWorker)
	require.Len(t, polls, 1)
	assert.Equal(t, 5*time.Second, polls[0].Delay)
}

func TestRelationExportExhaustionSettlesCountdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	f.drain(jobs.RelationExportWorker)
	ready, err := f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	require.True(t, ready)

	f.clock.Advance(25 * time.Hour)
	f.queue.Reset()
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	assert.Len(t, f.queue.Jobs(jobs.RelationExportWorker), 2, "stale exports are restarted")
	ready, err = f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.False(t, ready, "a restart clears the flag")

	labels, notes := f.export("labels"), f.export("notes")
	require.NoError(t, f.exhaust(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: labels.ID},
		jobs.Failure{Class: "pq.Error", Message: "connection refused"}))
	assert.Equal(t, models.StatusFailed, f.export("labels").Status)
	assert.Equal(t, "connection refused", f.export("labels").Error)
	ready, err = f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, f.perform(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: notes.ID}))
	ready, err = f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestEncodeKeepsPayloadAndCurrentBody(t *testing.T) {
	data, err := encode([]models.Record{{
		ID:        1,
		SourceIID: "7",
		Body:      "rewritten",
		Payload:   json.RawMessage(`{"iid":7,"title":"Bug","description":"original"}`),
	}}, "description")
	require.NoError(t, err)
	assert.JSONEq(t, `{"iid":7,"title":"Bug","description":"rewritten"}`, strings.TrimSpace(string(data)))
}

func TestPartialRestartKeepsRunningExportsPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	labels, notes := f.export("labels"), f.export("notes")

	// labels fails while notes is still running, then labels alone is restarted.
	require.NoError(t, f.exhaust(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: labels.ID},
		jobs.Failure{Class: "pq.Error", Message: "connection refused"}))
	f.queue.Reset()
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	require.Len(t, f.queue.Jobs(jobs.RelationExportWorker), 1)
	pending, _, err := f.cache.Read(f.ctx, cache.PendingExportsKey(f.portable.ID))
	require.NoError(t, err)
	assert.Equal(t, "2", pending)

	require.NoError(t, f.perform(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: notes.ID}))
	ready, err := f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.False(t, ready, "the restarted export is still running")

	require.NoError(t, f.perform(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: labels.ID}))
	ready, err = f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestLostCountdownDoesNotRaiseReadinessEarly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RequestExports(f.ctx, f.portable, false))
	require.NoError(t, f.cache.Expire(f.ctx, cache.PendingExportsKey(f.portable.ID)))

	require.NoError(t, f.perform(jobs.RelationExportWorker, jobs.ExportArgs{ExportID: f.export("labels").ID}))
	ready, err := f.svc.Ready(f.ctx, f.portable)
	require.NoError(t, err)
	assert.False(t, ready, "notes is still running")
}
