package bulkimports

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/source"
	"golang.org/x/mod/semver"
)

// ExportRequestWorker asks the source to export every relation of an entity.
type ExportRequestWorker struct {
	s *Service
}

func (w *ExportRequestWorker) Name() string { return jobs.ExportRequestWorker }

func (w *ExportRequestWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.EntityArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	entity, err := s.store.Entities.Get(ctx, args.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	if entity.IsTerminal() {
		return nil
	}
	bi, err := s.store.BulkImports.Get(ctx, entity.BulkImportID)
	if err != nil {
		return errors.Wrap(err, "failed to load bulk import")
	}

	api := s.cfg.Sources.For(bi.SourceURL)
	target := w.resolveTarget(ctx, api, entity)
	batched := batchedSupported(bi.SourceVersion, s.cfg.Import.BatchedMinSourceVersion)

	if err := api.RequestExports(ctx, target, batched); err != nil {
		return errors.Wrapf(err, "failed to request export of %s", entity.SourceFullPath)
	}
	s.logger.Info().
		Int64("entity_id", entity.ID).
		Str("source_full_path", entity.SourceFullPath).
		Bool("batched", batched).
		Bool("by_id", target.ID != nil).
		Msg("Export requested")
	return nil
}

// resolveTarget addresses the source by numeric id when it can be found. A failed lookup only
// costs us the nicer URL, so it falls back to the full path.
func (w *ExportRequestWorker) resolveTarget(ctx context.Context, api source.API, entity models.Entity) source.Target {
	s := w.s
	target := source.TargetFor(entity)
	if target.ID != nil {
		return target
	}

	key := cache.SourceXIDKey(entity.ID)
	if cached, ok, err := s.cache.Read(ctx, key); err == nil && ok {
		if id, err := strconv.ParseInt(cached, 10, 64); err == nil {
			target.ID = &id
			return target
		}
	}

	id, err := api.LookupSourceID(ctx, entity.SourceType, entity.SourceFullPath)
	if err != nil {
		s.logger.Warn().Err(err).Int64("entity_id", entity.ID).Str("source_full_path", entity.SourceFullPath).
			Msg("Source id lookup failed, addressing export by full path")
		return target
	}
	if err := s.cache.Write(ctx, key, strconv.FormatInt(id, 10), s.cfg.Import.ExportExpiry); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache source id")
	}
	if err := s.store.Entities.SetSourceXID(ctx, entity.ID, id); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist source id")
	}
	target.ID = &id
	return target
}

// Exhausted marks every relation export of the entity failed and fails the trackers that
// were waiting on it.
func (w *ExportRequestWorker) Exhausted(ctx context.Context, raw json.RawMessage, f jobs.Failure) error {
	var args jobs.EntityArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	entity, err := s.store.Entities.Get(ctx, args.EntityID)
	if err != nil {
		return errors.Wrap(err, "failed to load entity")
	}
	trackers, err := s.store.Trackers.ListByEntity(ctx, entity.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list trackers")
	}

	for _, t := range trackers {
		p, err := s.cfg.Pipelines.Get(t.Pipeline)
		if err != nil {
			continue
		}
		relation, ok := pipeline.RelationOf(p)
		if !ok {
			continue
		}
		// Trackers polling the export see the failure on their next run.
		s.cacheExportStatus(ctx, entity.ID, relation, &source.RelationStatus{
			Relation: relation,
			Status:   models.StatusFailed,
			Error:    f.Message,
		})
		if t.IsTerminal() {
			continue
		}
		if err := s.failTracker(ctx, entity, t, failure{step: "export_request", class: f.Class, message: f.Message}); err != nil {
			return err
		}
		if pipeline.AbortsOnFailure(p) {
			return nil
		}
	}
	return nil
}

// batchedSupported reports whether sourceVersion is at least minVersion. Edition suffixes
// such as "-ee" are ignored.
func batchedSupported(sourceVersion, minVersion string) bool {
	v, floor := canonicalVersion(sourceVersion), canonicalVersion(minVersion)
	if v == "" || floor == "" {
		return false
	}
	return semver.Compare(v, floor) >= 0
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
