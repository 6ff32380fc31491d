package bulkimports

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// StaleImportWorker times out entities that have made no progress for import.stale_after.
type StaleImportWorker struct {
	s *Service
}

func (w *StaleImportWorker) Name() string { return jobs.StaleImportWorker }

func (w *StaleImportWorker) Perform(ctx context.Context, _ json.RawMessage) error {
	s := w.s
	cutoff := s.now().Add(-s.cfg.Import.StaleAfter)

	entities, err := s.store.Entities.ListStale(ctx, cutoff, s.cfg.Import.SweepBatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to list stale entities")
	}

	timedOut := 0
	for _, e := range entities {
		// The repository re-checks staleness, so an entity that moved since the scan is left alone.
		ok, err := s.store.Entities.TimeoutIfStale(ctx, e.ID, cutoff)
		if err != nil {
			return errors.Wrapf(err, "failed to time out entity %d", e.ID)
		}
		if !ok {
			continue
		}
		if _, err := s.store.Trackers.TransitionByEntity(ctx, e.ID, models.StatusTimeout); err != nil {
			return errors.Wrapf(err, "failed to time out trackers of entity %d", e.ID)
		}
		timedOut++
		s.logger.Warn().Int64("entity_id", e.ID).Time("last_update", e.UpdatedAt).Msg("Entity timed out")
		if err := s.finishBulkImport(ctx, e.BulkImportID); err != nil {
			return err
		}
	}

	if timedOut > 0 {
		s.logger.Info().Int("entities", timedOut).Msg("Stale import sweep finished")
	}
	return nil
}

// StuckImportWorker times out bulk imports older than import.stuck_after, with everything under them.
type StuckImportWorker struct {
	s *Service
}

func (w *StuckImportWorker) Name() string { return jobs.StuckImportWorker }

func (w *StuckImportWorker) Perform(ctx context.Context, _ json.RawMessage) error {
	s := w.s
	createdBefore := s.now().Add(-s.cfg.Import.StuckAfter)

	imports, err := s.store.BulkImports.ListStuck(ctx, createdBefore, s.cfg.Import.SweepBatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to list stuck imports")
	}

	for _, bi := range imports {
		ok, err := s.store.BulkImports.TimeoutIfStuck(ctx, bi.ID, createdBefore)
		if err != nil {
			return errors.Wrapf(err, "failed to time out bulk import %d", bi.ID)
		}
		if !ok {
			continue
		}
		ids, err := s.store.Entities.TransitionByBulkImport(ctx, bi.ID, models.StatusTimeout)
		if err != nil {
			return errors.Wrapf(err, "failed to time out entities of bulk import %d", bi.ID)
		}
		for _, id := range ids {
			if _, err := s.store.Trackers.TransitionByEntity(ctx, id, models.StatusTimeout); err != nil {
				return errors.Wrapf(err, "failed to time out trackers of entity %d", id)
			}
		}
		s.logger.Warn().Int64("bulk_import_id", bi.ID).Int("entities", len(ids)).Time("created_at", bi.CreatedAt).Msg("Bulk import timed out")
	}
	return nil
}
