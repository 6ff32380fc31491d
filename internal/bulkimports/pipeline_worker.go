package bulkimports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/source"
)

// ownerStatus maps an entity that was stopped from outside to what its trackers become.
var ownerStatus = map[models.Status]models.Status{
	models.StatusFailed:   models.StatusSkipped,
	models.StatusCanceled: models.StatusCanceled,
	models.StatusTimeout:  models.StatusTimeout,
}

// PipelineWorker runs one tracker's pipeline, or fans a batched export out to batch workers.
type PipelineWorker struct {
	s *Service
}

func (w *PipelineWorker) Name() string { return jobs.PipelineWorker }

func (w *PipelineWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.PipelineArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	tracker, err := s.store.Trackers.Get(ctx, args.TrackerID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn().Int64("tracker_id", args.TrackerID).Msg("Tracker no longer exists")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load tracker")
	}
	entity, err := s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}

	if to, stopped := ownerStatus[entity.Status]; stopped {
		if err := ignoreRace(s.store.Trackers.Transition(ctx, tracker.ID, to)); err != nil {
			return errors.Wrap(err, "failed to stop tracker")
		}
		s.logger.Info().Int64("tracker_id", tracker.ID).Str("entity_status", string(entity.Status)).Msg("Entity stopped, pipeline not run")
		return nil
	}
	if tracker.IsTerminal() {
		return nil
	}

	open, err := w.stageOpen(ctx, tracker)
	if err != nil {
		return err
	}
	if !open {
		return w.reschedule(ctx, s.cfg.Import.EntityPollInterval, args)
	}

	lease, err := s.cache.ObtainLease(ctx, cache.TrackerLockKey(tracker.ID), s.cfg.Import.LockTTL)
	if errors.Is(err, cache.ErrLeaseTaken) {
		s.logger.Debug().Int64("tracker_id", tracker.ID).Msg("Pipeline already running elsewhere")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to obtain tracker lease")
	}
	defer lease.Release(context.Background())

	if tracker.Status != models.StatusStarted {
		if err := s.store.Trackers.Transition(ctx, tracker.ID, models.StatusStarted); err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				return nil
			}
			return errors.Wrap(err, "failed to start tracker")
		}
		tracker.Status = models.StatusStarted
	}

	p, err := s.cfg.Pipelines.Get(tracker.Pipeline)
	if err != nil {
		return jobs.Permanent(err)
	}
	pc, err := s.pipelineContext(ctx, entity, tracker)
	if err != nil {
		return err
	}

	err = w.run(ctx, pc, p)
	if err == nil {
		return nil
	}
	if re, ok := pipeline.AsRetryable(err); ok {
		pc.Logger.Debug().Err(re.Err).Dur("delay", re.Delay).Msg("Pipeline rescheduled")
		return w.reschedule(ctx, re.Delay, args)
	}
	if pipeline.IsFatal(err) {
		return jobs.Permanent(err)
	}
	return errors.Wrapf(err, "pipeline %s failed", tracker.Pipeline)
}

// Exhausted is the failure path once the queue gives up on the job.
func (w *PipelineWorker) Exhausted(ctx context.Context, raw json.RawMessage, f jobs.Failure) error {
	var args jobs.PipelineArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	tracker, err := w.s.store.Trackers.Get(ctx, args.TrackerID)
	if err != nil {
		return errors.Wrap(err, "failed to load tracker")
	}
	if tracker.IsTerminal() {
		return nil
	}
	entity, err := w.s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	return w.s.failTracker(ctx, entity, tracker, failure{step: "run", class: f.Class, message: f.Message})
}

// stageOpen reports whether every tracker of a lower stage is terminal.
func (w *PipelineWorker) stageOpen(ctx context.Context, tracker models.Tracker) (bool, error) {
	trackers, err := w.s.store.Trackers.ListByEntity(ctx, tracker.EntityID)
	if err != nil {
		return false, errors.Wrap(err, "failed to list trackers")
	}
	for _, t := range trackers {
		if t.Stage < tracker.Stage && !t.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (w *PipelineWorker) reschedule(ctx context.Context, delay time.Duration, args jobs.PipelineArgs) error {
	if _, err := w.s.queue.EnqueueAfter(ctx, delay, jobs.PipelineWorker, args); err != nil {
		return errors.Wrap(err, "failed to reschedule pipeline")
	}
	return nil
}

func (w *PipelineWorker) run(ctx context.Context, pc *pipeline.Context, p pipeline.Pipeline) error {
	s := w.s
	relation, ok := pipeline.RelationOf(p)
	if !ok {
		if err := p.Run(ctx, pc); err != nil {
			return err
		}
		return s.finishTracker(ctx, pc, p)
	}

	status, err := s.exportStatus(ctx, pc, relation)
	if err != nil {
		return err
	}

	switch status.State() {
	case source.StateNotStarted, source.StateStarted:
		if s.now().Sub(pc.Tracker.CreatedAt) > s.cfg.Import.ExportExpiry {
			return &pipeline.ExpiredError{Message: "Empty relation export file or export never finished for " + relation}
		}
		return pipeline.Retry(s.cfg.Import.ExportPollInterval, nil)
	case source.StateFailed:
		return &pipeline.FailedError{Message: "Export from source instance failed: " + status.Error}
	case source.StateEmpty:
		pc.Logger.Info().Str("relation", relation).Msg("Relation export is empty")
		return s.finishTracker(ctx, pc, p)
	case source.StateBatched:
		if _, ok := p.(pipeline.BatchRunner); !ok {
			return &pipeline.FailedError{Message: "pipeline " + p.Name() + " cannot import a batched export"}
		}
		return w.fanOut(ctx, pc, status.BatchesCount)
	}

	if err := p.Run(ctx, pc); err != nil {
		return err
	}
	return s.finishTracker(ctx, pc, p)
}

// fanOut creates and enqueues missing batches without exceeding the concurrency cap, counting
// batches already in flight. The tracker stays started until the finisher closes it.
func (w *PipelineWorker) fanOut(ctx context.Context, pc *pipeline.Context, batchesCount int) error {
	s := w.s
	tracker := pc.Tracker
	if !tracker.Batched || tracker.BatchesCount != batchesCount {
		if err := s.store.Trackers.SetBatched(ctx, tracker.ID, batchesCount); err != nil {
			return errors.Wrap(err, "failed to mark tracker batched")
		}
	}

	if open, sig := s.cfg.Gate.Open(ctx); !open {
		pc.Logger.Warn().Str("indicator", sig.Indicator).Str("reason", sig.Reason).Msg("Health gate closed, deferring batches")
		return pipeline.Retry(s.cfg.DeferDelay, nil)
	}

	existing, err := s.store.Batches.ListByTracker(ctx, tracker.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list batches")
	}
	have := make(map[int]struct{}, len(existing))
	inFlight := 0
	for _, b := range existing {
		have[b.BatchNumber] = struct{}{}
		if b.InFlight() {
			inFlight++
		}
	}

	slots := s.cfg.Import.BatchConcurrency - inFlight
	created := 0
	for n := 1; n <= batchesCount && slots > 0; n++ {
		if _, ok := have[n]; ok {
			continue
		}
		b := &models.BatchTracker{TrackerID: tracker.ID, BatchNumber: n}
		ok, err := s.store.Batches.Create(ctx, b)
		if err != nil {
			return errors.Wrapf(err, "failed to create batch %d", n)
		}
		if !ok {
			// Created concurrently by a redelivered job.
			have[n] = struct{}{}
			continue
		}
		if _, err := s.queue.Enqueue(ctx, jobs.PipelineBatchWorker, jobs.BatchArgs{BatchID: b.ID}); err != nil {
			return errors.Wrapf(err, "failed to enqueue batch %d", n)
		}
		have[n] = struct{}{}
		slots--
		created++
	}

	pc.Logger.Info().Int("batches_count", batchesCount).Int("created", created).Int("in_flight", inFlight).Msg("Batches dispatched")
	if len(have) < batchesCount {
		return pipeline.Retry(s.cfg.Import.ExportPollInterval, nil)
	}
	return s.enqueueFinisher(ctx, tracker.ID, s.cfg.Import.FinishPollInterval, true)
}

// finishTracker closes a non-batched tracker and runs its completion hook.
func (s *Service) finishTracker(ctx context.Context, pc *pipeline.Context, p pipeline.Pipeline) error {
	if err := s.store.Trackers.Transition(ctx, pc.Tracker.ID, models.StatusFinished); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return errors.Wrap(err, "failed to finish tracker")
	}
	pc.Logger.Info().Msg("Pipeline finished")
	return s.onFinish(ctx, pc, p)
}

// onFinish runs the completion hook. A hook error is recorded but the tracker stays finished.
func (s *Service) onFinish(ctx context.Context, pc *pipeline.Context, p pipeline.Pipeline) error {
	f, ok := p.(pipeline.Finisher)
	if !ok {
		return nil
	}
	if err := f.OnFinish(ctx, pc); err != nil {
		pc.Logger.Error().Err(err).Msg("Completion hook failed")
		return s.recordFailure(ctx, pc.Entity, pc.Tracker.Pipeline, failureOf("on_finish", err))
	}
	return nil
}

// exportStatus reads a relation's export state, served from the cache while it is fresh.
func (s *Service) exportStatus(ctx context.Context, pc *pipeline.Context, relation string) (*source.RelationStatus, error) {
	key := cache.ExportStatusKey(pc.Entity.ID, relation)
	if cached, ok, err := s.cache.Read(ctx, key); err == nil && ok {
		var st *source.RelationStatus
		if err := json.Unmarshal([]byte(cached), &st); err == nil {
			return st, nil
		}
	}

	statuses, err := pc.Source.ExportStatus(ctx, pc.Target())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read export status")
	}
	for i := range statuses {
		s.cacheExportStatus(ctx, pc.Entity.ID, statuses[i].Relation, &statuses[i])
	}
	st := source.FindRelation(statuses, relation)
	if st == nil {
		s.cacheExportStatus(ctx, pc.Entity.ID, relation, nil)
	}
	return st, nil
}

func (s *Service) cacheExportStatus(ctx context.Context, entityID int64, relation string, st *source.RelationStatus) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.cache.Write(ctx, cache.ExportStatusKey(entityID, relation), string(data), s.cfg.Import.ExportStatusTTL); err != nil {
		s.logger.Warn().Err(err).Int64("entity_id", entityID).Msg("Failed to cache export status")
	}
}
