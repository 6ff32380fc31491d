package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// RelationExportWorker serialises one relation, or splits it into batches when it is large.
type RelationExportWorker struct {
	s *Service
}

func (w *RelationExportWorker) Name() string { return jobs.RelationExportWorker }

func (w *RelationExportWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.ExportArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	exp, err := s.store.Exports.Get(ctx, args.ExportID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load export")
	}
	if exp.Status != models.StatusStarted {
		return nil
	}
	log := s.logger.With().Int64("export_id", exp.ID).Int64("portable_id", exp.PortableID).Str("relation", exp.Relation).Logger()

	count, err := s.store.Records.Count(ctx, exp.PortableID, exp.Relation)
	if err != nil {
		return errors.Wrap(err, "failed to count records")
	}

	size := s.cfg.Export.BatchSize
	if args.Batched && size > 0 && count > size {
		n := (count + size - 1) / size
		if err := s.store.Exports.SetCounts(ctx, exp.ID, true, n, count); err != nil {
			return errors.Wrap(err, "failed to record batch counts")
		}
		for i := 1; i <= n; i++ {
			b := &models.ExportBatch{ExportID: exp.ID, BatchNumber: i}
			if err := s.store.Batches.Create(ctx, b); err != nil {
				return errors.Wrapf(err, "failed to create batch %d", i)
			}
			if b.Status != models.StatusCreated {
				continue
			}
			if _, err := s.queue.Enqueue(ctx, jobs.RelationBatchExportWorker, jobs.ExportBatchArgs{BatchID: b.ID}); err != nil {
				return errors.Wrapf(err, "failed to enqueue batch %d", i)
			}
		}
		finisher := jobs.ExportArgs{ExportID: exp.ID, Poll: true}
		if _, err := s.queue.EnqueueAfter(ctx, s.cfg.Export.FinishPollInterval, jobs.FinishBatchedRelationExportWorker, finisher); err != nil {
			return errors.Wrap(err, "failed to enqueue export finisher")
		}
		log.Info().Int("objects", count).Int("batches_count", n).Msg("Batched export dispatched")
		return nil
	}

	records, err := s.store.Records.List(ctx, exp.PortableID, exp.Relation, 0, count)
	if err != nil {
		return errors.Wrap(err, "failed to list records")
	}
	data, err := encode(records, s.cfg.BodyField(exp.Relation))
	if err != nil {
		return jobs.Permanent(err)
	}
	if err := s.store.Uploads.Put(ctx, exp.ID, 0, data); err != nil {
		return errors.Wrap(err, "failed to store export file")
	}
	if err := s.store.Exports.SetCounts(ctx, exp.ID, false, 0, len(records)); err != nil {
		return errors.Wrap(err, "failed to record counts")
	}
	log.Info().Int("objects", len(records)).Msg("Relation exported")
	return s.finishExport(ctx, exp)
}

func (w *RelationExportWorker) Exhausted(ctx context.Context, raw json.RawMessage, f jobs.Failure) error {
	var args jobs.ExportArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	exp, err := w.s.store.Exports.Get(ctx, args.ExportID)
	if err != nil {
		return errors.Wrap(err, "failed to load export")
	}
	return w.s.failExport(ctx, exp, f.Message)
}

// RelationBatchExportWorker serialises one batch. At most export.concurrent_batch_limit batches
// run at once across the instance.
type RelationBatchExportWorker struct {
	s *Service
}

func (w *RelationBatchExportWorker) Name() string { return jobs.RelationBatchExportWorker }

func (w *RelationBatchExportWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.ExportBatchArgs
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
	exp, err := s.store.Exports.Get(ctx, batch.ExportID)
	if err != nil {
		return errors.Wrap(err, "failed to load export")
	}
	if exp.Status != models.StatusStarted {
		return nil
	}
	log := s.logger.With().Int64("export_id", exp.ID).Str("relation", exp.Relation).Int("batch_number", batch.BatchNumber).Logger()

	admitted, err := w.admit(ctx, batch)
	if err != nil {
		return err
	}
	if !admitted {
		log.Debug().Msg("Concurrent batch limit reached, batch deferred")
		if _, err := s.queue.EnqueueAfter(ctx, s.cfg.Export.AdmissionRetryInterval, jobs.RelationBatchExportWorker, args); err != nil {
			return errors.Wrap(err, "failed to reschedule batch")
		}
		return nil
	}
	if batch.Status == models.StatusCreated {
		if err := s.store.Batches.Transition(ctx, batch.ID, models.StatusStarted, ""); err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				return nil
			}
			return errors.Wrap(err, "failed to start batch")
		}
	} else {
		log.Warn().Time("last_heartbeat", batch.UpdatedAt).Msg("Resuming interrupted batch")
		if err := s.store.Batches.Touch(ctx, batch.ID); err != nil {
			return errors.Wrap(err, "failed to touch batch")
		}
	}

	size := s.cfg.Export.BatchSize
	records, err := s.store.Records.List(ctx, exp.PortableID, exp.Relation, (batch.BatchNumber-1)*size, size)
	if err != nil {
		return errors.Wrap(err, "failed to list records")
	}
	data, err := encode(records, s.cfg.BodyField(exp.Relation))
	if err != nil {
		return jobs.Permanent(err)
	}
	if err := s.store.Uploads.Put(ctx, exp.ID, batch.BatchNumber, data); err != nil {
		return errors.Wrap(err, "failed to store batch file")
	}
	if err := s.store.Batches.SetObjectsCount(ctx, batch.ID, len(records)); err != nil {
		return errors.Wrap(err, "failed to record batch size")
	}
	if err := s.store.Batches.Transition(ctx, batch.ID, models.StatusFinished, ""); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return errors.Wrap(err, "failed to finish batch")
	}
	log.Info().Int("objects", len(records)).Msg("Batch exported")
	return w.notify(ctx, exp.ID)
}

// admit applies the instance-wide batch limit. Started batches whose heartbeat is older than
// export.batch_start_timeout are abandoned and do not count. A batch that is itself already
// started was interrupted mid-flight and keeps its slot.
func (w *RelationBatchExportWorker) admit(ctx context.Context, batch models.ExportBatch) (bool, error) {
	s := w.s
	if batch.Status == models.StatusStarted {
		return true, nil
	}
	limit := s.cfg.Export.ConcurrentBatchLimit
	if limit <= 0 {
		return true, nil
	}
	active, err := s.store.Batches.CountActive(ctx, s.now().Add(-s.cfg.Export.BatchStartTimeout))
	if err != nil {
		return false, errors.Wrap(err, "failed to count active batches")
	}
	return active < limit, nil
}

func (w *RelationBatchExportWorker) notify(ctx context.Context, exportID int64) error {
	if _, err := w.s.queue.Enqueue(ctx, jobs.FinishBatchedRelationExportWorker, jobs.ExportArgs{ExportID: exportID}); err != nil {
		return errors.Wrap(err, "failed to notify export finisher")
	}
	return nil
}

func (w *RelationBatchExportWorker) Exhausted(ctx context.Context, raw json.RawMessage, f jobs.Failure) error {
	var args jobs.ExportBatchArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	batch, err := w.s.store.Batches.Get(ctx, args.BatchID)
	if err != nil {
		return errors.Wrap(err, "failed to load batch")
	}
	if batch.IsTerminal() {
		return nil
	}
	if err := w.s.store.Batches.Transition(ctx, batch.ID, models.StatusFailed, f.Message); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return errors.Wrap(err, "failed to fail batch")
	}
	return w.notify(ctx, batch.ExportID)
}

// FinishBatchedRelationExportWorker closes a batched export once every batch settled.
type FinishBatchedRelationExportWorker struct {
	s *Service
}

func (w *FinishBatchedRelationExportWorker) Name() string {
	return jobs.FinishBatchedRelationExportWorker
}

func (w *FinishBatchedRelationExportWorker) Perform(ctx context.Context, raw json.RawMessage) error {
	var args jobs.ExportArgs
	if err := jobs.Decode(raw, &args); err != nil {
		return err
	}
	s := w.s

	exp, err := s.store.Exports.Get(ctx, args.ExportID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load export")
	}
	if exp.Status != models.StatusStarted || !exp.Batched {
		return nil
	}
	batches, err := s.store.Batches.ListByExport(ctx, exp.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list batches")
	}

	now := s.now()
	for _, b := range batches {
		if b.Status == models.StatusStarted && now.Sub(b.UpdatedAt) > s.cfg.Export.BatchStartTimeout {
			msg := fmt.Sprintf("batch %d made no progress for %s", b.BatchNumber, s.cfg.Export.BatchStartTimeout)
			if _, err := s.store.Batches.FailNonTerminal(ctx, exp.ID, msg); err != nil {
				return errors.Wrap(err, "failed to fail stale batches")
			}
			return s.failExport(ctx, exp, msg)
		}
	}

	failed, open := 0, false
	for _, b := range batches {
		if !b.IsTerminal() {
			open = true
		}
		if b.Status == models.StatusFailed {
			failed++
		}
	}
	if open || len(batches) < exp.BatchesCount {
		if !args.Poll {
			return nil
		}
		return w.reschedule(ctx, args, s.cfg.Export.FinishPollInterval)
	}
	if failed > 0 {
		return s.failExport(ctx, exp, fmt.Sprintf("%d of %d batches failed", failed, len(batches)))
	}
	return s.finishExport(ctx, exp)
}

func (w *FinishBatchedRelationExportWorker) reschedule(ctx context.Context, args jobs.ExportArgs, delay time.Duration) error {
	if _, err := w.s.queue.EnqueueAfter(ctx, delay, jobs.FinishBatchedRelationExportWorker, args); err != nil {
		return errors.Wrap(err, "failed to reschedule export finisher")
	}
	return nil
}
