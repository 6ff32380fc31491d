package bulkimports

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// EntityWorker is the per-entity scheduler. Each run dispatches the lowest stage that still has
// work and polls again; once every tracker is terminal it settles the entity.
type EntityWorker struct {
	s *Service
}

func (w *EntityWorker) Name() string { return jobs.EntityWorker }

func (w *EntityWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.EntityArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s
	log := s.logger.With().Int64("entity_id", args.EntityID).Logger()

	entity, err := s.store.Entities.Get(ctx, args.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn().Msg("Entity no longer exists")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	if entity.IsTerminal() {
		return nil
	}

	if entity.Status == models.StatusCreated {
		if err := ignoreRace(s.store.Entities.Transition(ctx, entity.ID, models.StatusStarted)); err != nil {
			return errors.Wrap(err, "failed to start entity")
		}
		if err := ignoreRace(s.store.BulkImports.Transition(ctx, entity.BulkImportID, models.StatusStarted)); err != nil {
			return errors.Wrap(err, "failed to start bulk import")
		}
		entity.Status = models.StatusStarted
	}

	trackers, err := s.store.Trackers.ListByEntity(ctx, entity.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list trackers")
	}

	stage, pending := currentStage(trackers)
	if pending == nil {
		return w.complete(ctx, entity, trackers)
	}

	dispatched := 0
	for _, t := range pending {
		if t.Status != models.StatusCreated {
			continue
		}
		jobID, err := s.queue.Enqueue(ctx, jobs.PipelineWorker, jobs.PipelineArgs{TrackerID: t.ID, Stage: t.Stage, EntityID: entity.ID})
		if err != nil {
			return errors.Wrapf(err, "failed to enqueue %s", t.Pipeline)
		}
		if err := ignoreRace(s.store.Trackers.Enqueue(ctx, t.ID, jobID)); err != nil {
			return errors.Wrapf(err, "failed to mark %s enqueued", t.Pipeline)
		}
		dispatched++
	}
	if dispatched > 0 {
		log.Info().Int("stage", stage).Int("pipelines", dispatched).Msg("Stage dispatched")
	}

	if _, err := s.queue.EnqueueAfter(ctx, s.cfg.Import.EntityPollInterval, jobs.EntityWorker, args); err != nil {
		return errors.Wrap(err, "failed to reschedule entity worker")
	}
	return nil
}

// currentStage returns the lowest stage with a non-terminal tracker and that stage's trackers.
func currentStage(trackers []models.Tracker) (int, []models.Tracker) {
	stage, found := 0, false
	for _, t := range trackers {
		if t.IsTerminal() {
			continue
		}
		if !found || t.Stage < stage {
			stage, found = t.Stage, true
		}
	}
	if !found {
		return 0, nil
	}
	var out []models.Tracker
	for _, t := range trackers {
		if t.Stage == stage {
			out = append(out, t)
		}
	}
	return stage, out
}

// complete settles the entity: finished only when every tracker finished.
func (w *EntityWorker) complete(ctx context.Context, entity models.Entity, trackers []models.Tracker) error {
	s := w.s
	to := models.StatusFinished
	for _, t := range trackers {
		if t.Status != models.StatusFinished {
			to = models.StatusFailed
			break
		}
	}

	if to == models.StatusFailed {
		if err := s.store.Entities.SetHasFailures(ctx, entity.ID); err != nil {
			return errors.Wrap(err, "failed to flag entity failures")
		}
	}
	if err := ignoreRace(s.store.Entities.Transition(ctx, entity.ID, to)); err != nil {
		return errors.Wrap(err, "failed to complete entity")
	}
	s.logger.Info().Int64("entity_id", entity.ID).Str("status", string(to)).Msg("Entity completed")
	return s.finishBulkImport(ctx, entity.BulkImportID)
}
