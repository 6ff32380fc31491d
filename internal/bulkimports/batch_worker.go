package bulkimports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// PipelineBatchWorker imports one numbered batch of a batched tracker.
type PipelineBatchWorker struct {
	s *Service
}

func (w *PipelineBatchWorker) Name() string { return jobs.PipelineBatchWorker }

func (w *PipelineBatchWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.BatchArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	batch, err := s.store.Batches.Get(ctx, args.BatchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load batch")
	}
	if batch.IsTerminal() {
		return nil
	}

	tracker, err := s.store.Trackers.Get(ctx, batch.TrackerID)
	if err != nil {
		return errors.Wrap(err, "failed to load tracker")
	}
	log := s.logger.With().Int64("tracker_id", tracker.ID).Int("batch_number", batch.BatchNumber).Logger()

	if tracker.IsTerminal() {
		to := models.StatusSkipped
		if tracker.Status == models.StatusCanceled {
			to = models.StatusCanceled
		}
		if err := ignoreRace(s.store.Batches.Transition(ctx, batch.ID, to)); err != nil {
			return errors.Wrap(err, "failed to stop batch")
		}
		log.Info().Str("tracker_status", string(tracker.Status)).Msg("Tracker finished before batch ran")
		return nil
	}

	if open, sig := s.cfg.Gate.Open(ctx); !open {
		log.Warn().Str("indicator", sig.Indicator).Str("reason", sig.Reason).Msg("Health gate closed, deferring batch")
		return w.reschedule(ctx, args, s.cfg.DeferDelay)
	}

	lease, err := s.cache.ObtainLease(ctx, cache.BatchLockKey(tracker.ID, batch.BatchNumber), s.cfg.Import.LockTTL)
	if errors.Is(err, cache.ErrLeaseTaken) {
		log.Debug().Msg("Batch already running elsewhere")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to obtain batch lease")
	}
	defer lease.Release(context.Background())

	if batch.Status == models.StatusCreated {
		if err := s.store.Batches.Transition(ctx, batch.ID, models.StatusStarted); err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				return nil
			}
			return errors.Wrap(err, "failed to start batch")
		}
	}

	entity, err := s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	p, err := s.cfg.Pipelines.Get(tracker.Pipeline)
	if err != nil {
		return jobs.Permanent(err)
	}
	runner, ok := p.(pipeline.BatchRunner)
	if !ok {
		return jobs.Permanent(errors.Errorf("pipeline %s cannot run batches", tracker.Pipeline))
	}
	pc, err := s.pipelineContext(ctx, entity, tracker)
	if err != nil {
		return err
	}

	if err := runner.RunBatch(ctx, pc, batch.BatchNumber); err != nil {
		if re, ok := pipeline.AsRetryable(err); ok {
			return w.reschedule(ctx, args, re.Delay)
		}
		if err := s.failBatch(ctx, entity, tracker, batch, failureOf("run", err)); err != nil {
			return err
		}
		return s.enqueueFinisher(ctx, tracker.ID, 0, false)
	}

	if err := ignoreRace(s.store.Batches.Transition(ctx, batch.ID, models.StatusFinished)); err != nil {
		return errors.Wrap(err, "failed to finish batch")
	}
	log.Info().Msg("Batch finished")
	return s.enqueueFinisher(ctx, tracker.ID, 0, false)
}

// Exhausted fails the batch when the queue gives up on it, then lets the finisher decide.
func (w *PipelineBatchWorker) Exhausted(ctx context.Context, raw json.RawMessage, f jobs.Failure) error {
	var args jobs.BatchArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s
	batch, err := s.store.Batches.Get(ctx, args.BatchID)
	if err != nil {
		return errors.Wrap(err, "failed to load batch")
	}
	if batch.IsTerminal() {
		return nil
	}
	tracker, err := s.store.Trackers.Get(ctx, batch.TrackerID)
	if err != nil {
		return errors.Wrap(err, "failed to load tracker")
	}
	entity, err := s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	if err := s.failBatch(ctx, entity, tracker, batch, failure{step: "run", class: f.Class, message: f.Message}); err != nil {
		return err
	}
	return s.enqueueFinisher(ctx, tracker.ID, 0, false)
}

func (w *PipelineBatchWorker) reschedule(ctx context.Context, args jobs.BatchArgs, delay time.Duration) error {
	if _, err := w.s.queue.EnqueueAfter(ctx, delay, jobs.PipelineBatchWorker, args); err != nil {
		return errors.Wrap(err, "failed to reschedule batch")
	}
	return nil
}

// enqueueFinisher notifies the finisher; a polling finisher also watches for stale batches.
func (s *Service) enqueueFinisher(ctx context.Context, trackerID int64, delay time.Duration, poll bool) error {
	args := jobs.TrackerArgs{TrackerID: trackerID, Poll: poll}
	if _, err := s.queue.EnqueueAfter(ctx, delay, jobs.FinishBatchedPipelineWorker, args); err != nil {
		return errors.Wrap(err, "failed to enqueue batch finisher")
	}
	return nil
}

// FinishBatchedPipelineWorker closes a batched tracker once every batch is terminal.
type FinishBatchedPipelineWorker struct {
	s *Service
}

func (w *FinishBatchedPipelineWorker) Name() string { return jobs.FinishBatchedPipelineWorker }

func (w *FinishBatchedPipelineWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.TrackerArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	tracker, err := s.store.Trackers.Get(ctx, args.TrackerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load tracker")
	}
	if !tracker.Batched || tracker.Status != models.StatusStarted {
		return nil
	}
	entity, err := s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}

	batches, err := s.store.Batches.ListByTracker(ctx, tracker.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list batches")
	}

	now := s.now()
	for _, b := range batches {
		if !b.IsTerminal() && now.Sub(b.UpdatedAt) > s.cfg.Import.BatchStaleTimeout {
			return w.failStale(ctx, entity, tracker, b)
		}
	}

	failed, inFlight := 0, false
	for _, b := range batches {
		if b.InFlight() {
			inFlight = true
		}
		if b.Status == models.StatusFailed {
			failed++
		}
	}
	if inFlight || len(batches) < tracker.BatchesCount {
		if !args.Poll {
			return nil
		}
		return s.enqueueFinisher(ctx, tracker.ID, s.cfg.Import.FinishPollInterval, true)
	}

	if failed > 0 {
		msg := fmt.Sprintf("%d of %d batches failed", failed, len(batches))
		return s.failTracker(ctx, entity, tracker, failure{step: "finish", class: "BatchFailedError", message: msg})
	}

	// Only the job whose transition lands runs the completion hook.
	if err := s.store.Trackers.Transition(ctx, tracker.ID, models.StatusFinished); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return errors.Wrap(err, "failed to finish tracker")
	}

	p, err := s.cfg.Pipelines.Get(tracker.Pipeline)
	if err != nil {
		return jobs.Permanent(err)
	}
	pc, err := s.pipelineContext(ctx, entity, tracker)
	if err != nil {
		return err
	}
	pc.Logger.Info().Int("batches_count", len(batches)).Msg("Batched pipeline finished")
	return s.onFinish(ctx, pc, p)
}

// failStale fails every open batch and the tracker; nothing is rescheduled.
func (w *FinishBatchedPipelineWorker) failStale(ctx context.Context, entity models.Entity, tracker models.Tracker, stale models.BatchTracker) error {
	s := w.s
	n, err := s.store.Batches.FailNonTerminal(ctx, tracker.ID)
	if err != nil {
		return errors.Wrap(err, "failed to fail stale batches")
	}
	msg := fmt.Sprintf("batch %d made no progress for %s", stale.BatchNumber, s.cfg.Import.BatchStaleTimeout)
	s.logger.Warn().Int64("tracker_id", tracker.ID).Int64("batches_failed", n).Msg(msg)
	return s.failTracker(ctx, entity, tracker, failure{step: "finish", class: "BatchStaleError", message: msg})
}
