package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type BulkImportRepository interface {
	Create(ctx context.Context, bi *models.BulkImport) error
	Get(ctx context.Context, id int64) (models.BulkImport, error)
	Transition(ctx context.Context, id int64, to models.Status) error
	ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]models.BulkImport, error)
	// TimeoutIfStuck re-checks status and age in the same statement.
	TimeoutIfStuck(ctx context.Context, id int64, createdBefore time.Time) (bool, error)
}

type EntityRepository interface {
	Create(ctx context.Context, e *models.Entity) error
	Get(ctx context.Context, id int64) (models.Entity, error)
	ListByBulkImport(ctx context.Context, bulkImportID int64) ([]models.Entity, error)
	Transition(ctx context.Context, id int64, to models.Status) error
	TransitionByBulkImport(ctx context.Context, bulkImportID int64, to models.Status) ([]int64, error)
	SetSourceXID(ctx context.Context, id, xid int64) error
	SetHasFailures(ctx context.Context, id int64) error
	// ListStale returns non-terminal entities with no entity, tracker or batch write since cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Entity, error)
	TimeoutIfStale(ctx context.Context, id int64, cutoff time.Time) (bool, error)
}

type TrackerRepository interface {
	Create(ctx context.Context, t *models.Tracker) error
	Get(ctx context.Context, id int64) (models.Tracker, error)
	ListByEntity(ctx context.Context, entityID int64) ([]models.Tracker, error)
	Transition(ctx context.Context, id int64, to models.Status) error
	// Enqueue moves a created tracker to enqueued and records the job id.
	Enqueue(ctx context.Context, id int64, jobID string) error
	TransitionByEntity(ctx context.Context, entityID int64, to models.Status) (int64, error)
	SetBatched(ctx context.Context, id int64, batchesCount int) error
}

type BatchTrackerRepository interface {
	// Create returns false when the batch number already exists for the tracker.
	Create(ctx context.Context, b *models.BatchTracker) (bool, error)
	Get(ctx context.Context, id int64) (models.BatchTracker, error)
	ListByTracker(ctx context.Context, trackerID int64) ([]models.BatchTracker, error)
	Transition(ctx context.Context, id int64, to models.Status) error
	FailNonTerminal(ctx context.Context, trackerID int64) (int64, error)
}

type FailureRepository interface {
	Create(ctx context.Context, f *models.Failure) error
	ListByEntity(ctx context.Context, entityID int64) ([]models.Failure, error)
}

type ExportRepository interface {
	// FindOrStart creates the export, or restarts it when failed or last written before staleBefore.
	// started reports whether the caller must (re)run the export.
	FindOrStart(ctx context.Context, portableID int64, relation string, staleBefore time.Time) (export models.Export, started bool, err error)
	Get(ctx context.Context, id int64) (models.Export, error)
	ListByPortable(ctx context.Context, portableID int64) ([]models.Export, error)
	GetByRelation(ctx context.Context, portableID int64, relation string) (models.Export, error)
	Transition(ctx context.Context, id int64, to models.Status, errMsg string) error
	SetCounts(ctx context.Context, id int64, batched bool, batchesCount, totalObjects int) error
}

type ExportBatchRepository interface {
	Create(ctx context.Context, b *models.ExportBatch) error
	Get(ctx context.Context, id int64) (models.ExportBatch, error)
	ListByExport(ctx context.Context, exportID int64) ([]models.ExportBatch, error)
	Transition(ctx context.Context, id int64, to models.Status, errMsg string) error
	Touch(ctx context.Context, id int64) error
	SetObjectsCount(ctx context.Context, id int64, count int) error
	// CountActive counts started batches heartbeating at or after since.
	CountActive(ctx context.Context, since time.Time) (int, error)
	FailNonTerminal(ctx context.Context, exportID int64, errMsg string) (int64, error)
	DeleteByExport(ctx context.Context, exportID int64) error
}

type UploadRepository interface {
	Put(ctx context.Context, exportID int64, batchNumber int, data []byte) error
	Get(ctx context.Context, exportID int64, batchNumber int) ([]byte, error)
	DeleteByExport(ctx context.Context, exportID int64) error
}

type PortableRepository interface {
	Upsert(ctx context.Context, typ models.SourceType, fullPath string) (models.Portable, error)
	Get(ctx context.Context, id int64) (models.Portable, error)
	GetByFullPath(ctx context.Context, fullPath string) (models.Portable, error)
	ListChildren(ctx context.Context, fullPath string) ([]models.Portable, error)
}

type RecordRepository interface {
	Upsert(ctx context.Context, r *models.Record) error
	Get(ctx context.Context, id int64) (models.Record, error)
	UpdateBody(ctx context.Context, id int64, body string) error
	Count(ctx context.Context, portableID int64, relation string) (int, error)
	List(ctx context.Context, portableID int64, relation string, offset, limit int) ([]models.Record, error)
	// ListWithText pages through records whose body may hold references, ordered by id.
	ListWithText(ctx context.Context, portableID, afterID int64, limit int) ([]models.Record, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// transition applies a guarded status change and tells missing rows apart from refused ones.
func transition(ctx context.Context, db *sql.DB, table string, id int64, to models.Status, from []models.Status) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`, table)
	res, err := db.ExecContext(ctx, query, string(to), id, pq.Array(models.Strings(from)))
	if err != nil {
		return fmt.Errorf("update %s status: %w", table, err)
	}
	return checkTransition(ctx, db, res, table, id, to)
}

func checkTransition(ctx context.Context, db *sql.DB, res sql.Result, table string, id int64, to models.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s status: %w", table, err)
	}
	return fmt.Errorf("%w: %s %d from %s to %s", ErrInvalidTransition, table, id, current, to)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
