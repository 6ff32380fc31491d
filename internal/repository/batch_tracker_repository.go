package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

type batchTrackerRepository struct {
	db *sql.DB
}

func NewBatchTrackerRepository(db *sql.DB) BatchTrackerRepository {
	return &batchTrackerRepository{db: db}
}

const batchColumns = `id, tracker_id, batch_number, status, created_at, updated_at`

func scanBatch(row scanner) (models.BatchTracker, error) {
	var b models.BatchTracker
	err := row.Scan(&b.ID, &b.TrackerID, &b.BatchNumber, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *batchTrackerRepository) Create(ctx context.Context, b *models.BatchTracker) (bool, error) {
	query := `
		INSERT INTO bulk_import_batch_trackers (tracker_id, batch_number, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (tracker_id, batch_number) DO NOTHING
		RETURNING id, status, created_at, updated_at
	`
	if b.Status == "" {
		b.Status = models.StatusCreated
	}
	err := r.db.QueryRowContext(ctx, query, b.TrackerID, b.BatchNumber, string(b.Status)).
		Scan(&b.ID, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert batch tracker: %w", err)
	}
	return true, nil
}

func (r *batchTrackerRepository) Get(ctx context.Context, id int64) (models.BatchTracker, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM bulk_import_batch_trackers WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err != nil {
		return b, notFound(err)
	}
	return b, nil
}

func (r *batchTrackerRepository) ListByTracker(ctx context.Context, trackerID int64) ([]models.BatchTracker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM bulk_import_batch_trackers WHERE tracker_id = $1 ORDER BY batch_number`, trackerID)
	if err != nil {
		return nil, fmt.Errorf("list batch trackers: %w", err)
	}
	defer rows.Close()

	var batches []models.BatchTracker
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *batchTrackerRepository) Transition(ctx context.Context, id int64, to models.Status) error {
	return transition(ctx, r.db, "bulk_import_batch_trackers", id, to, models.BatchSources(to))
}

func (r *batchTrackerRepository) FailNonTerminal(ctx context.Context, trackerID int64) (int64, error) {
	query := `
		UPDATE bulk_import_batch_trackers
		   SET status = $1, updated_at = NOW()
		 WHERE tracker_id = $2 AND status = ANY($3)
	`
	res, err := r.db.ExecContext(ctx, query, string(models.StatusFailed), trackerID,
		pq.Array(models.Strings(models.BatchNonTerminal)))
	if err != nil {
		return 0, fmt.Errorf("fail batch trackers: %w", err)
	}
	return res.RowsAffected()
}
