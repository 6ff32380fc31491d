// Package bulkimports runs the destination side of a migration: the entity scheduler, the
// pipeline and batch workers, export requests, reference rewriting and the sweepers.
package bulkimports

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/health"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/source"
)

// Store groups the repositories the import workers read and write.
type Store struct {
	BulkImports repository.BulkImportRepository
	Entities    repository.EntityRepository
	Trackers    repository.TrackerRepository
	Batches     repository.BatchTrackerRepository
	Failures    repository.FailureRepository
	Records     repository.RecordRepository
}

type ServiceConfig struct {
	Store       Store
	Queue       jobs.Queue
	Cache       cache.Cache
	Gate        *health.Gate
	Pipelines   *pipeline.Registry
	Sources     source.Provider
	Import      config.ImportConfig
	InstanceURL string
	// DeferDelay is how long a job waits when the health gate is closed.
	DeferDelay time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Service owns every import worker. All state is re-read from the store on each job.
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
	if cfg.Pipelines == nil {
		cfg.Pipelines = pipeline.NewRegistry()
	}
	return &Service{
		cfg:    cfg,
		store:  cfg.Store,
		queue:  cfg.Queue,
		cache:  cfg.Cache,
		logger: cfg.Logger.With().Str("component", "bulk-imports").Logger(),
	}
}

// EntityInput describes one top-level group or project to migrate.
type EntityInput struct {
	SourceType           models.SourceType `json:"source_type"`
	SourceFullPath       string            `json:"source_full_path"`
	DestinationNamespace string            `json:"destination_namespace"`
	DestinationName      string            `json:"destination_name"`
}

// Start records a new bulk import for sourceURL and schedules each of its entities.
func (s *Service) Start(ctx context.Context, sourceURL string, inputs []EntityInput) (models.BulkImport, error) {
	if len(inputs) == 0 {
		return models.BulkImport{}, errors.New("a bulk import needs at least one entity")
	}

	version, err := s.cfg.Sources.For(sourceURL).Version(ctx)
	if err != nil {
		return models.BulkImport{}, errors.Wrap(err, "failed to read source version")
	}

	bi := &models.BulkImport{SourceURL: sourceURL, SourceVersion: version}
	if err := s.store.BulkImports.Create(ctx, bi); err != nil {
		return models.BulkImport{}, errors.Wrap(err, "failed to create bulk import")
	}

	for _, in := range inputs {
		e := &models.Entity{
			BulkImportID:         bi.ID,
			SourceType:           in.SourceType,
			SourceFullPath:       in.SourceFullPath,
			DestinationNamespace: in.DestinationNamespace,
			DestinationName:      in.DestinationName,
		}
		if err := s.StartEntity(ctx, e); err != nil {
			return *bi, err
		}
	}

	s.logger.Info().Int64("bulk_import_id", bi.ID).Str("source_url", sourceURL).Int("entities", len(inputs)).Msg("Bulk import started")
	return *bi, nil
}

// StartEntity creates e with one tracker per pipeline of its stage table, then requests the
// source export and starts the entity scheduler.
func (s *Service) StartEntity(ctx context.Context, e *models.Entity) error {
	stages := s.cfg.Pipelines.Stages(e.SourceType)
	if len(stages) == 0 {
		return errors.Errorf("no pipelines defined for %s entities", e.SourceType)
	}
	if err := s.store.Entities.Create(ctx, e); err != nil {
		return errors.Wrapf(err, "failed to create entity for %s", e.SourceFullPath)
	}

	for _, st := range stages {
		for _, name := range st.Pipelines {
			t := &models.Tracker{EntityID: e.ID, Pipeline: name, Stage: st.Number}
			if err := s.store.Trackers.Create(ctx, t); err != nil {
				return errors.Wrapf(err, "failed to create %s tracker", name)
			}
		}
	}

	args := jobs.EntityArgs{EntityID: e.ID}
	if _, err := s.queue.Enqueue(ctx, jobs.ExportRequestWorker, args); err != nil {
		return errors.Wrap(err, "failed to enqueue export request")
	}
	if _, err := s.queue.Enqueue(ctx, jobs.EntityWorker, args); err != nil {
		return errors.Wrap(err, "failed to enqueue entity worker")
	}
	return nil
}

// Handlers returns every job handler this service implements.
func (s *Service) Handlers() []jobs.Handler {
	return []jobs.Handler{
		&EntityWorker{s},
		&PipelineWorker{s},
		&PipelineBatchWorker{s},
		&FinishBatchedPipelineWorker{s},
		&ExportRequestWorker{s},
		&TransformReferencesWorker{s},
		&StaleImportWorker{s},
		&StuckImportWorker{s},
	}
}

func (s *Service) now() time.Time {
	return s.cfg.Now()
}

// pipelineContext rebuilds the pipeline view of a tracker from persisted rows.
func (s *Service) pipelineContext(ctx context.Context, entity models.Entity, tracker models.Tracker) (*pipeline.Context, error) {
	bi, err := s.store.BulkImports.Get(ctx, entity.BulkImportID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load bulk import")
	}
	return &pipeline.Context{
		BulkImport: bi,
		Entity:     entity,
		Tracker:    tracker,
		Source:     s.cfg.Sources.For(bi.SourceURL),
		Logger: s.logger.With().
			Int64("bulk_import_id", bi.ID).
			Int64("entity_id", entity.ID).
			Int64("tracker_id", tracker.ID).
			Str("pipeline", tracker.Pipeline).
			Str("correlation_id", jobs.CorrelationID(ctx)).
			Logger(),
	}, nil
}

// finishBulkImport closes the bulk import once all of its entities are terminal.
func (s *Service) finishBulkImport(ctx context.Context, bulkImportID int64) error {
	entities, err := s.store.Entities.ListByBulkImport(ctx, bulkImportID)
	if err != nil {
		return errors.Wrap(err, "failed to list entities")
	}
	anyFinished := false
	for _, e := range entities {
		if !e.IsTerminal() {
			return nil
		}
		if e.Status == models.StatusFinished {
			anyFinished = true
		}
	}

	to := models.StatusFailed
	if anyFinished {
		to = models.StatusFinished
	}
	err = s.store.BulkImports.Transition(ctx, bulkImportID, to)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to finish bulk import")
	}
	s.logger.Info().Int64("bulk_import_id", bulkImportID).Str("status", string(to)).Msg("Bulk import completed")
	return nil
}

// ignoreRace treats a refused transition as someone else having got there first.
func ignoreRace(err error) error {
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	return err
}
