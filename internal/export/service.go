// Package export is the source side of a migration: it serialises the relations of a group or
// project into downloadable NDJSON files, optionally split into batches.
package export

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/source"
)

type Store struct {
	Portables repository.PortableRepository
	Records   repository.RecordRepository
	Exports   repository.ExportRepository
	Batches   repository.ExportBatchRepository
	Uploads   repository.UploadRepository
}

type ServiceConfig struct {
	Store  Store
	Queue  jobs.Queue
	Cache  cache.Cache
	Export config.ExportConfig
	// Relations lists what is exported for a portable type.
	Relations func(models.SourceType) []string
	// BodyField names the JSON field that carries a relation's free text.
	BodyField func(relation string) string
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	cfg    ServiceConfig
	store  Store
	queue  jobs.Queue
	cache  cache.Cache
	logger zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BodyField == nil {
		cfg.BodyField = func(string) string { return "description" }
	}
	return &Service{
		cfg:    cfg,
		store:  cfg.Store,
		queue:  cfg.Queue,
		cache:  cfg.Cache,
		logger: cfg.Logger.With().Str("component", "exports").Logger(),
	}
}

func (s *Service) Handlers() []jobs.Handler {
	return []jobs.Handler{
		&RelationExportWorker{s},
		&RelationBatchExportWorker{s},
		&FinishBatchedRelationExportWorker{s},
	}
}

func (s *Service) now() time.Time {
	return s.cfg.Now()
}

// RequestExports starts an export of every relation of portable. Exports that are running or
// recently finished are reused; failed or stale ones are restarted from scratch.
func (s *Service) RequestExports(ctx context.Context, portable models.Portable, batched bool) error {
	relations := s.cfg.Relations(portable.Type)
	if len(relations) == 0 {
		return errors.Errorf("nothing to export for %s", portable.Type)
	}
	staleBefore := s.now().Add(-s.cfg.Export.StaleAfter)

	var started []models.Export
	for _, relation := range relations {
		exp, restart, err := s.store.Exports.FindOrStart(ctx, portable.ID, relation, staleBefore)
		if err != nil {
			return errors.Wrapf(err, "failed to start %s export", relation)
		}
		if !restart {
			continue
		}
		if err := s.store.Batches.DeleteByExport(ctx, exp.ID); err != nil {
			return errors.Wrapf(err, "failed to clear %s batches", relation)
		}
		if err := s.store.Uploads.DeleteByExport(ctx, exp.ID); err != nil {
			return errors.Wrapf(err, "failed to clear %s uploads", relation)
		}
		started = append(started, exp)
	}
	if len(started) == 0 {
		return nil
	}

	if err := s.cache.Expire(ctx, cache.ExportsReadyKey(portable.ID)); err != nil {
		return errors.Wrap(err, "failed to reset readiness flag")
	}
	// Exports still running from an earlier request keep their place in the countdown, so each
	// restart adds to it instead of resetting it.
	for range started {
		if _, err := s.cache.Increment(ctx, cache.PendingExportsKey(portable.ID), s.cfg.Export.ReadyTTL); err != nil {
			return errors.Wrap(err, "failed to count pending exports")
		}
	}

	for _, exp := range started {
		args := jobs.ExportArgs{ExportID: exp.ID, Batched: batched}
		if _, err := s.queue.Enqueue(ctx, jobs.RelationExportWorker, args); err != nil {
			return errors.Wrapf(err, "failed to enqueue %s export", exp.Relation)
		}
	}
	s.logger.Info().
		Int64("portable_id", portable.ID).
		Str("full_path", portable.FullPath).
		Int("relations", len(started)).
		Bool("batched", batched).
		Msg("Exports requested")
	return nil
}

// Status reports every export of portable in the shape the importer polls for.
func (s *Service) Status(ctx context.Context, portable models.Portable) ([]source.RelationStatus, error) {
	exports, err := s.store.Exports.ListByPortable(ctx, portable.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list exports")
	}
	out := make([]source.RelationStatus, 0, len(exports))
	for _, exp := range exports {
		st := source.RelationStatus{
			Relation:          exp.Relation,
			Status:            exp.Status,
			Error:             exp.Error,
			Batched:           exp.Batched,
			BatchesCount:      exp.BatchesCount,
			TotalObjectsCount: exp.TotalObjectsCount,
			UpdatedAt:         exp.UpdatedAt,
		}
		if exp.Batched {
			batches, err := s.store.Batches.ListByExport(ctx, exp.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to list %s batches", exp.Relation)
			}
			for _, b := range batches {
				st.Batches = append(st.Batches, source.BatchStatus{
					BatchNumber:  b.BatchNumber,
					Status:       b.Status,
					ObjectsCount: b.ObjectsCount,
					Error:        b.Error,
				})
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// Ready reports whether every export requested for portable has settled.
func (s *Service) Ready(ctx context.Context, portable models.Portable) (bool, error) {
	_, ok, err := s.cache.Read(ctx, cache.ExportsReadyKey(portable.ID))
	return ok, err
}

// Download returns one export file; batch 0 is the whole relation of a non-batched export.
func (s *Service) Download(ctx context.Context, portable models.Portable, relation string, batchNumber int) ([]byte, error) {
	exp, err := s.store.Exports.GetByRelation(ctx, portable.ID, relation)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.StatusFinished {
		return nil, repository.ErrNotFound
	}
	return s.store.Uploads.Get(ctx, exp.ID, batchNumber)
}

// settle counts down the pending exports of the portable and raises the readiness flag at zero.
// Callers only settle after their own terminal transition landed, so each export counts once.
func (s *Service) settle(ctx context.Context, exp models.Export) error {
	left, err := s.cache.Decrement(ctx, cache.PendingExportsKey(exp.PortableID))
	if err != nil {
		return errors.Wrap(err, "failed to count down pending exports")
	}
	if left > 0 {
		return nil
	}
	// The counter lives in the cache and may have been lost; the state store has the last word.
	exports, err := s.store.Exports.ListByPortable(ctx, exp.PortableID)
	if err != nil {
		return errors.Wrap(err, "failed to list exports")
	}
	for _, other := range exports {
		if !other.IsTerminal() {
			return nil
		}
	}
	if err := s.cache.Write(ctx, cache.ExportsReadyKey(exp.PortableID), "1", s.cfg.Export.ReadyTTL); err != nil {
		return errors.Wrap(err, "failed to write readiness flag")
	}
	s.logger.Info().Int64("portable_id", exp.PortableID).Msg("All exports settled")
	return nil
}

func (s *Service) finishExport(ctx context.Context, exp models.Export) error {
	err := s.store.Exports.Transition(ctx, exp.ID, models.StatusFinished, "")
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to finish export")
	}
	s.logger.Info().Int64("export_id", exp.ID).Str("relation", exp.Relation).Msg("Export finished")
	return s.settle(ctx, exp)
}

func (s *Service) failExport(ctx context.Context, exp models.Export, msg string) error {
	err := s.store.Exports.Transition(ctx, exp.ID, models.StatusFailed, msg)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to fail export")
	}
	s.logger.Error().Int64("export_id", exp.ID).Str("relation", exp.Relation).Msg(msg)
	return s.settle(ctx, exp)
}
