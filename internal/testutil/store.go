package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type uploadKey struct {
	exportID    int64
	batchNumber int
}

type memDB struct {
	mu     sync.Mutex
	clock  *Clock
	nextID int64

	bulkImports   map[int64]*models.BulkImport
	entities      map[int64]*models.Entity
	trackers      map[int64]*models.Tracker
	batches       map[int64]*models.BatchTracker
	failures      []models.Failure
	exports       map[int64]*models.Export
	exportBatches map[int64]*models.ExportBatch
	uploads       map[uploadKey][]byte
	portables     map[int64]*models.Portable
	records       map[int64]*models.Record
	users         map[int64]*models.User
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

// Store is an in-memory state store applying the same guarded transitions as PostgreSQL.
type Store struct {
	Clock         *Clock
	db            *memDB
	BulkImports   *BulkImports
	Entities      *Entities
	Trackers      *Trackers
	Batches       *Batches
	Failures      *Failures
	Exports       *Exports
	ExportBatches *ExportBatches
	Uploads       *Uploads
	Portables     *Portables
	Records       *Records
	Users         *Users
}

func NewStore(clock *Clock) *Store {
	db := &memDB{
		clock:         clock,
		bulkImports:   make(map[int64]*models.BulkImport),
		entities:      make(map[int64]*models.Entity),
		trackers:      make(map[int64]*models.Tracker),
		batches:       make(map[int64]*models.BatchTracker),
		exports:       make(map[int64]*models.Export),
		exportBatches: make(map[int64]*models.ExportBatch),
		uploads:       make(map[uploadKey][]byte),
		portables:     make(map[int64]*models.Portable),
		records:       make(map[int64]*models.Record),
		users:         make(map[int64]*models.User),
	}
	return &Store{
		Clock:         clock,
		db:            db,
		BulkImports:   &BulkImports{db},
		Entities:      &Entities{db},
		Trackers:      &Trackers{db},
		Batches:       &Batches{db},
		Failures:      &Failures{db},
		Exports:       &Exports{db},
		ExportBatches: &ExportBatches{db},
		Uploads:       &Uploads{db},
		Portables:     &Portables{db},
		Records:       &Records{db},
		Users:         &Users{db},
	}
}

func refuse(table string, id int64, from, to models.Status) error {
	return fmt.Errorf("%w: %s %d from %s to %s", repository.ErrInvalidTransition, table, id, from, to)
}

// ---- bulk imports

type BulkImports struct{ db *memDB }

var _ repository.BulkImportRepository = (*BulkImports)(nil)

func (r *BulkImports) Create(_ context.Context, bi *models.BulkImport) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	bi.ID = r.db.id()
	if bi.Status == "" {
		bi.Status = models.StatusCreated
	}
	now := r.db.clock.Now()
	if bi.CreatedAt.IsZero() {
		bi.CreatedAt = now
	}
	bi.UpdatedAt = now
	cp := *bi
	r.db.bulkImports[bi.ID] = &cp
	return nil
}

func (r *BulkImports) Get(_ context.Context, id int64) (models.BulkImport, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	bi, ok := r.db.bulkImports[id]
	if !ok {
		return models.BulkImport{}, repository.ErrNotFound
	}
	return *bi, nil
}

func (r *BulkImports) Transition(_ context.Context, id int64, to models.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	bi, ok := r.db.bulkImports[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionBulkImport(bi.Status, to) {
		return refuse("bulk_imports", id, bi.Status, to)
	}
	bi.Status = to
	bi.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *BulkImports) ListStuck(_ context.Context, createdBefore time.Time, limit int) ([]models.BulkImport, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.BulkImport
	for _, bi := range r.db.bulkImports {
		if !bi.IsTerminal() && bi.CreatedAt.Before(createdBefore) {
			out = append(out, *bi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BulkImports) TimeoutIfStuck(_ context.Context, id int64, createdBefore time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	bi, ok := r.db.bulkImports[id]
	if !ok || bi.IsTerminal() || !bi.CreatedAt.Before(createdBefore) {
		return false, nil
	}
	bi.Status = models.StatusTimeout
	bi.UpdatedAt = r.db.clock.Now()
	return true, nil
}

// ---- entities

type Entities struct{ db *memDB }

var _ repository.EntityRepository = (*Entities)(nil)

func (r *Entities) Create(_ context.Context, e *models.Entity) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e.ID = r.db.id()
	if e.Status == "" {
		e.Status = models.StatusCreated
	}
	now := r.db.clock.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	r.db.entities[e.ID] = &cp
	return nil
}

func (r *Entities) Get(_ context.Context, id int64) (models.Entity, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entities[id]
	if !ok {
		return models.Entity{}, repository.ErrNotFound
	}
	return *e, nil
}

func (r *Entities) ListByBulkImport(_ context.Context, bulkImportID int64) ([]models.Entity, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Entity
	for _, e := range r.db.entities {
		if e.BulkImportID == bulkImportID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Entities) Transition(_ context.Context, id int64, to models.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entities[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionEntity(e.Status, to) {
		return refuse("bulk_import_entities", id, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Entities) TransitionByBulkImport(_ context.Context, bulkImportID int64, to models.Status) ([]int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []int64
	for _, e := range r.db.entities {
		if e.BulkImportID == bulkImportID && models.CanTransitionEntity(e.Status, to) {
			e.Status = to
			e.UpdatedAt = r.db.clock.Now()
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Entities) SetSourceXID(_ context.Context, id, xid int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entities[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.SourceXID = &xid
	e.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Entities) SetHasFailures(_ context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entities[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.HasFailures = true
	e.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Entities) staleLocked(e *models.Entity, cutoff time.Time) bool {
	if e.IsTerminal() || !e.UpdatedAt.Before(cutoff) {
		return false
	}
	for _, t := range r.db.trackers {
		if t.EntityID != e.ID {
			continue
		}
		if !t.UpdatedAt.Before(cutoff) {
			return false
		}
		for _, b := range r.db.batches {
			if b.TrackerID == t.ID && !b.UpdatedAt.Before(cutoff) {
				return false
			}
		}
	}
	return true
}

func (r *Entities) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.Entity, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Entity
	for _, e := range r.db.entities {
		if r.staleLocked(e, cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Entities) TimeoutIfStale(_ context.Context, id int64, cutoff time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.entities[id]
	if !ok || !r.staleLocked(e, cutoff) {
		return false, nil
	}
	e.Status = models.StatusTimeout
	e.UpdatedAt = r.db.clock.Now()
	return true, nil
}

// ---- trackers

type Trackers struct{ db *memDB }

var _ repository.TrackerRepository = (*Trackers)(nil)

func (r *Trackers) Create(_ context.Context, t *models.Tracker) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.trackers {
		if existing.EntityID == t.EntityID && existing.Pipeline == t.Pipeline {
			return fmt.Errorf("insert tracker: duplicate pipeline %s for entity %d", t.Pipeline, t.EntityID)
		}
	}
	t.ID = r.db.id()
	if t.Status == "" {
		t.Status = models.StatusCreated
	}
	now := r.db.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	r.db.trackers[t.ID] = &cp
	return nil
}

func (r *Trackers) Get(_ context.Context, id int64) (models.Tracker, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.trackers[id]
	if !ok {
		return models.Tracker{}, repository.ErrNotFound
	}
	return *t, nil
}

func (r *Trackers) ListByEntity(_ context.Context, entityID int64) ([]models.Tracker, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Tracker
	for _, t := range r.db.trackers {
		if t.EntityID == entityID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Trackers) Transition(_ context.Context, id int64, to models.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.trackers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionTracker(t.Status, to) {
		return refuse("bulk_import_trackers", id, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Trackers) Enqueue(_ context.Context, id int64, jobID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.trackers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionTracker(t.Status, models.StatusEnqueued) {
		return refuse("bulk_import_trackers", id, t.Status, models.StatusEnqueued)
	}
	t.Status = models.StatusEnqueued
	t.JobID = jobID
	t.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Trackers) TransitionByEntity(_ context.Context, entityID int64, to models.Status) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, t := range r.db.trackers {
		if t.EntityID == entityID && models.CanTransitionTracker(t.Status, to) {
			t.Status = to
			t.UpdatedAt = r.db.clock.Now()
			n++
		}
	}
	return n, nil
}

func (r *Trackers) SetBatched(_ context.Context, id int64, batchesCount int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.trackers[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Batched = true
	t.BatchesCount = batchesCount
	t.UpdatedAt = r.db.clock.Now()
	return nil
}

// ---- batch trackers

type Batches struct{ db *memDB }

var _ repository.BatchTrackerRepository = (*Batches)(nil)

func (r *Batches) Create(_ context.Context, b *models.BatchTracker) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if b.BatchNumber <= 0 {
		return false, fmt.Errorf("insert batch tracker: batch number must be positive")
	}
	for _, existing := range r.db.batches {
		if existing.TrackerID == b.TrackerID && existing.BatchNumber == b.BatchNumber {
			return false, nil
		}
	}
	b.ID = r.db.id()
	if b.Status == "" {
		b.Status = models.StatusCreated
	}
	now := r.db.clock.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	r.db.batches[b.ID] = &cp
	return true, nil
}

func (r *Batches) Get(_ context.Context, id int64) (models.BatchTracker, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.batches[id]
	if !ok {
		return models.BatchTracker{}, repository.ErrNotFound
	}
	return *b, nil
}

func (r *Batches) ListByTracker(_ context.Context, trackerID int64) ([]models.BatchTracker, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.BatchTracker
	for _, b := range r.db.batches {
		if b.TrackerID == trackerID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (r *Batches) Transition(_ context.Context, id int64, to models.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.batches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionBatch(b.Status, to) {
		return refuse("bulk_import_batch_trackers", id, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Batches) FailNonTerminal(_ context.Context, trackerID int64) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, b := range r.db.batches {
		if b.TrackerID == trackerID && !b.IsTerminal() {
			b.Status = models.StatusFailed
			b.UpdatedAt = r.db.clock.Now()
			n++
		}
	}
	return n, nil
}

// ---- failures

type Failures struct{ db *memDB }

var _ repository.FailureRepository = (*Failures)(nil)

func (r *Failures) Create(_ context.Context, f *models.Failure) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f.ID = r.db.id()
	f.CreatedAt = r.db.clock.Now()
	r.db.failures = append(r.db.failures, *f)
	return nil
}

func (r *Failures) ListByEntity(_ context.Context, entityID int64) ([]models.Failure, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Failure
	for _, f := range r.db.failures {
		if f.EntityID == entityID {
			out = append(out, f)
		}
	}
	return out, nil
}

// All returns every recorded failure.
func (r *Failures) All() []models.Failure {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return append([]models.Failure(nil), r.db.failures...)
}

// ---- exports

type Exports struct{ db *memDB }

var _ repository.ExportRepository = (*Exports)(nil)

func (r *Exports) FindOrStart(_ context.Context, portableID int64, relation string, staleBefore time.Time) (models.Export, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.clock.Now()
	for _, e := range r.db.exports {
		if e.PortableID != portableID || e.Relation != relation {
			continue
		}
		if e.Status == models.StatusFailed || e.UpdatedAt.Before(staleBefore) {
			e.Status = models.StatusStarted
			e.Batched, e.BatchesCount, e.TotalObjectsCount, e.Error = false, 0, 0, ""
			e.UpdatedAt = now
			return *e, true, nil
		}
		return *e, false, nil
	}
	e := &models.Export{
		ID:         r.db.id(),
		PortableID: portableID,
		Relation:   relation,
		Status:     models.StatusStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.db.exports[e.ID] = e
	return *e, true, nil
}

func (r *Exports) Get(_ context.Context, id int64) (models.Export, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.exports[id]
	if !ok {
		return models.Export{}, repository.ErrNotFound
	}
	return *e, nil
}

func (r *Exports) ListByPortable(_ context.Context, portableID int64) ([]models.Export, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.Export
	for _, e := range r.db.exports {
		if e.PortableID == portableID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relation < out[j].Relation })
	return out, nil
}

func (r *Exports) GetByRelation(_ context.Context, portableID int64, relation string) (models.Export, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.exports {
		if e.PortableID == portableID && e.Relation == relation {
			return *e, nil
		}
	}
	return models.Export{}, repository.ErrNotFound
}

func (r *Exports) Transition(_ context.Context, id int64, to models.Status, errMsg string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.exports[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionExport(e.Status, to) {
		return refuse("relation_exports", id, e.Status, to)
	}
	e.Status = to
	e.Error = errMsg
	e.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Exports) SetCounts(_ context.Context, id int64, batched bool, batchesCount, totalObjects int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.exports[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Batched, e.BatchesCount, e.TotalObjectsCount = batched, batchesCount, totalObjects
	e.UpdatedAt = r.db.clock.Now()
	return nil
}

// ---- export batches

type ExportBatches struct{ db *memDB }

var _ repository.ExportBatchRepository = (*ExportBatches)(nil)

func (r *ExportBatches) Create(_ context.Context, b *models.ExportBatch) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.clock.Now()
	for _, existing := range r.db.exportBatches {
		if existing.ExportID == b.ExportID && existing.BatchNumber == b.BatchNumber {
			existing.UpdatedAt = now
			*b = *existing
			return nil
		}
	}
	b.ID = r.db.id()
	b.Status = models.StatusCreated
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	r.db.exportBatches[b.ID] = &cp
	return nil
}

func (r *ExportBatches) Get(_ context.Context, id int64) (models.ExportBatch, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.exportBatches[id]
	if !ok {
		return models.ExportBatch{}, repository.ErrNotFound
	}
	return *b, nil
}

func (r *ExportBatches) ListByExport(_ context.Context, exportID int64) ([]models.ExportBatch, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []models.ExportBatch
	for _, b := range r.db.exportBatches {
		if b.ExportID == exportID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (r *ExportBatches) Transition(_ context.Context, id int64, to models.Status, errMsg string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.exportBatches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !models.CanTransitionExportBatch(b.Status, to) {
		return refuse("relation_export_batches", id, b.Status, to)
	}
	b.Status = to
	b.Error = errMsg
	b.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *ExportBatches) Touch(_ context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.exportBatches[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *ExportBatches) SetObjectsCount(_ context.Context, id int64, count int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	b, ok := r.db.exportBatches[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.ObjectsCount = count
	b.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *ExportBatches) CountActive(_ context.Context, since time.Time) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, b := range r.db.exportBatches {
		if b.Status == models.StatusStarted && !b.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *ExportBatches) FailNonTerminal(_ context.Context, exportID int64, errMsg string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, b := range r.db.exportBatches {
		if b.ExportID == exportID && !b.IsTerminal() {
			b.Status = models.StatusFailed
			b.Error = errMsg
			b.UpdatedAt = r.db.clock.Now()
			n++
		}
	}
	return n, nil
}

func (r *ExportBatches) DeleteByExport(_ context.Context, exportID int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, b := range r.db.exportBatches {
		if b.ExportID == exportID {
			delete(r.db.exportBatches, id)
		}
	}
	return nil
}

// ---- uploads

type Uploads struct{ db *memDB }

var _ repository.UploadRepository = (*Uploads)(nil)

func (r *Uploads) Put(_ context.Context, exportID int64, batchNumber int, data []byte) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.uploads[uploadKey{exportID, batchNumber}] = append([]byte(nil), data...)
	return nil
}

func (r *Uploads) Get(_ context.Context, exportID int64, batchNumber int) ([]byte, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	data, ok := r.db.uploads[uploadKey{exportID, batchNumber}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return data, nil
}

func (r *Uploads) DeleteByExport(_ context.Context, exportID int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k := range r.db.uploads {
		if k.exportID == exportID {
			delete(r.db.uploads, k)
		}
	}
	return nil
}

// ---- portables

type Portables struct{ db *memDB }

var _ repository.PortableRepository = (*Portables)(nil)

func (r *Portables) Upsert(_ context.Context, typ models.SourceType, fullPath string) (models.Portable, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range r.db.portables {
		if p.FullPath == fullPath {
			p.Type = typ
			return *p, nil
		}
	}
	p := &models.Portable{ID: r.db.id(), Type: typ, FullPath: fullPath, CreatedAt: r.db.clock.Now()}
	r.db.portables[p.ID] = p
	return *p, nil
}

func (r *Portables) Get(_ context.Context, id int64) (models.Portable, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.portables[id]
	if !ok {
		return models.Portable{}, repository.ErrNotFound
	}
	return *p, nil
}

func (r *Portables) GetByFullPath(_ context.Context, fullPath string) (models.Portable, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range r.db.portables {
		if p.FullPath == fullPath {
			return *p, nil
		}
	}
	return models.Portable{}, repository.ErrNotFound
}

func (r *Portables) ListChildren(_ context.Context, fullPath string) ([]models.Portable, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	prefix := fullPath + "/"
	var out []models.Portable
	for _, p := range r.db.portables {
		if strings.HasPrefix(p.FullPath, prefix) && !strings.Contains(p.FullPath[len(prefix):], "/") {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out, nil
}

// ---- records

type Records struct {
	db *memDB
}

var _ repository.RecordRepository = (*Records)(nil)

func (r *Records) Upsert(_ context.Context, rec *models.Record) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.clock.Now()
	for _, existing := range r.db.records {
		if existing.PortableID == rec.PortableID && existing.Relation == rec.Relation && existing.SourceIID == rec.SourceIID {
			existing.Body = rec.Body
			existing.Payload = rec.Payload
			existing.UpdatedAt = now
			rec.ID, rec.CreatedAt, rec.UpdatedAt = existing.ID, existing.CreatedAt, now
			return nil
		}
	}
	rec.ID = r.db.id()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	r.db.records[rec.ID] = &cp
	return nil
}

func (r *Records) Get(_ context.Context, id int64) (models.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.records[id]
	if !ok {
		return models.Record{}, repository.ErrNotFound
	}
	return *rec, nil
}

func (r *Records) UpdateBody(_ context.Context, id int64, body string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Body = body
	rec.UpdatedAt = r.db.clock.Now()
	return nil
}

func (r *Records) sortedLocked(match func(*models.Record) bool) []models.Record {
	var out []models.Record
	for _, rec := range r.db.records {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Records) Count(_ context.Context, portableID int64, relation string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return len(r.sortedLocked(func(rec *models.Record) bool {
		return rec.PortableID == portableID && rec.Relation == relation
	})), nil
}

func (r *Records) List(_ context.Context, portableID int64, relation string, offset, limit int) ([]models.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	all := r.sortedLocked(func(rec *models.Record) bool {
		return rec.PortableID == portableID && rec.Relation == relation
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *Records) ListWithText(_ context.Context, portableID, afterID int64, limit int) ([]models.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	all := r.sortedLocked(func(rec *models.Record) bool {
		return rec.PortableID == portableID && rec.ID > afterID && rec.Body != ""
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// UpdatedAt exposes the last write time of a record, used to assert write avoidance.
func (r *Records) UpdatedAt(id int64) time.Time {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if rec, ok := r.db.records[id]; ok {
		return rec.UpdatedAt
	}
	return time.Time{}
}

// ---- users

type Users struct{ db *memDB }

var _ repository.UserRepository = (*Users)(nil)

func (r *Users) Create(_ context.Context, u *models.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u.ID = r.db.id()
	u.Email = strings.ToLower(u.Email)
	cp := *u
	r.db.users[u.ID] = &cp
	return nil
}

func (r *Users) FindByEmail(_ context.Context, email string) (models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Email == strings.ToLower(email) {
			return *u, nil
		}
	}
	return models.User{}, repository.ErrNotFound
}
