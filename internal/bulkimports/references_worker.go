package bulkimports

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/references"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// TransformReferencesWorker rewrites source URLs and @mentions in one batch of imported objects.
type TransformReferencesWorker struct {
	s *Service
}

func (w *TransformReferencesWorker) Name() string { return jobs.TransformReferencesWorker }

func (w *TransformReferencesWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.TransformReferencesArgs
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
	entity, err := s.store.Entities.Get(ctx, tracker.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	// The references stage finishes once it has fanned out, so a finished entity still owns
	// its transform backlog.
	if entity.IsTerminal() && entity.Status != models.StatusFinished {
		return nil
	}
	bi, err := s.store.BulkImports.Get(ctx, entity.BulkImportID)
	if err != nil {
		return errors.Wrap(err, "failed to load bulk import")
	}

	usernames, err := s.cache.HashRead(ctx, cache.UsernameMapKey(bi.ID, cache.SourceToDestination))
	if err != nil {
		return errors.Wrap(err, "failed to read username map")
	}
	rw := references.NewRewriter(
		references.Prefix(bi.SourceURL, entity.SourceFullPath),
		references.Prefix(s.cfg.InstanceURL, entity.DestinationFullPath()),
		usernames,
	)

	log := s.logger.With().Int64("entity_id", entity.ID).Str("relation", args.Relation).Logger()
	updated := 0
	for _, id := range args.RecordIDs {
		rec, err := s.store.Records.Get(ctx, id)
		if err == nil {
			out, changed := rw.Rewrite(rec.Body)
			if !changed {
				continue
			}
			if err = s.store.Records.UpdateBody(ctx, id, out); err == nil {
				updated++
				continue
			}
		}

		// One bad object must not stop the rest of the batch.
		log.Error().Err(err).Int64("record_id", id).Msg("Failed to transform references")
		f := failureOf("transform "+args.Relation, err)
		if ferr := s.recordFailure(ctx, entity, tracker.Pipeline, f); ferr != nil {
			return ferr
		}
	}

	log.Info().Int("records", len(args.RecordIDs)).Int("updated", updated).Msg("References transformed")
	return nil
}
