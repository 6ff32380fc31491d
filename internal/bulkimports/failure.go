package bulkimports

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
)

// failure is what the failure path records about one unrecoverable error.
type failure struct {
	step    string
	class   string
	message string
}

func failureOf(step string, err error) failure {
	return failure{step: step, class: jobs.ErrorClass(err), message: err.Error()}
}

func (s *Service) recordFailure(ctx context.Context, entity models.Entity, pipelineName string, f failure) error {
	rec := &models.Failure{
		BulkImportID:     entity.BulkImportID,
		EntityID:         entity.ID,
		PipelineClass:    pipelineName,
		PipelineStep:     f.step,
		ExceptionClass:   f.class,
		ExceptionMessage: f.message,
		CorrelationID:    jobs.CorrelationID(ctx),
	}
	if err := s.store.Failures.Create(ctx, rec); err != nil {
		return errors.Wrap(err, "failed to record failure")
	}
	return nil
}

// failTracker logs f, records it, and fails the tracker. Pipelines that abort on failure take
// their entity down with them and skip its remaining trackers.
func (s *Service) failTracker(ctx context.Context, entity models.Entity, tracker models.Tracker, f failure) error {
	s.logger.Error().
		Int64("entity_id", entity.ID).
		Int64("tracker_id", tracker.ID).
		Str("pipeline", tracker.Pipeline).
		Str("step", f.step).
		Str("exception_class", f.class).
		Str("correlation_id", jobs.CorrelationID(ctx)).
		Msg(f.message)

	if err := s.recordFailure(ctx, entity, tracker.Pipeline, f); err != nil {
		return err
	}
	if err := ignoreRace(s.store.Trackers.Transition(ctx, tracker.ID, models.StatusFailed)); err != nil {
		return errors.Wrap(err, "failed to fail tracker")
	}
	if err := s.store.Entities.SetHasFailures(ctx, entity.ID); err != nil {
		return errors.Wrap(err, "failed to flag entity failures")
	}

	p, err := s.cfg.Pipelines.Get(tracker.Pipeline)
	if err != nil || !pipeline.AbortsOnFailure(p) {
		return nil
	}
	return s.abortEntity(ctx, entity)
}

func (s *Service) abortEntity(ctx context.Context, entity models.Entity) error {
	if err := ignoreRace(s.store.Entities.Transition(ctx, entity.ID, models.StatusFailed)); err != nil {
		return errors.Wrap(err, "failed to fail entity")
	}
	skipped, err := s.store.Trackers.TransitionByEntity(ctx, entity.ID, models.StatusSkipped)
	if err != nil {
		return errors.Wrap(err, "failed to skip trackers")
	}
	s.logger.Warn().Int64("entity_id", entity.ID).Int64("skipped_trackers", skipped).Msg("Entity aborted")
	return s.finishBulkImport(ctx, entity.BulkImportID)
}

// failBatch records f against one batch and fails it. The tracker is left to the finisher.
func (s *Service) failBatch(ctx context.Context, entity models.Entity, tracker models.Tracker, batch models.BatchTracker, f failure) error {
	s.logger.Error().
		Int64("entity_id", entity.ID).
		Int64("tracker_id", tracker.ID).
		Int("batch_number", batch.BatchNumber).
		Str("exception_class", f.class).
		Str("correlation_id", jobs.CorrelationID(ctx)).
		Msg(f.message)

	f.step = fmt.Sprintf("%s batch %d", f.step, batch.BatchNumber)
	if err := s.recordFailure(ctx, entity, tracker.Pipeline, f); err != nil {
		return err
	}
	if err := ignoreRace(s.store.Batches.Transition(ctx, batch.ID, models.StatusFailed)); err != nil {
		return errors.Wrap(err, "failed to fail batch")
	}
	return nil
}
