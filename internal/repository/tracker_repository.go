package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

type trackerRepository struct {
	db *sql.DB
}

func NewTrackerRepository(db *sql.DB) TrackerRepository {
	return &trackerRepository{db: db}
}

const trackerColumns = `id, entity_id, pipeline, stage, status, batched, batches_count, job_id, created_at, updated_at`

func scanTracker(row scanner) (models.Tracker, error) {
	var t models.Tracker
	err := row.Scan(&t.ID, &t.EntityID, &t.Pipeline, &t.Stage, &t.Status, &t.Batched, &t.BatchesCount,
		&t.JobID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *trackerRepository) Create(ctx context.Context, t *models.Tracker) error {
	query := `
		INSERT INTO bulk_import_trackers (entity_id, pipeline, stage, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, created_at, updated_at
	`
	if t.Status == "" {
		t.Status = models.StatusCreated
	}
	err := r.db.QueryRowContext(ctx, query, t.EntityID, t.Pipeline, t.Stage, string(t.Status)).
		Scan(&t.ID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tracker: %w", err)
	}
	return nil
}

func (r *trackerRepository) Get(ctx context.Context, id int64) (models.Tracker, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM bulk_import_trackers WHERE id = $1`, id)
	t, err := scanTracker(row)
	if err != nil {
		return t, notFound(err)
	}
	return t, nil
}

func (r *trackerRepository) ListByEntity(ctx context.Context, entityID int64) ([]models.Tracker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trackerColumns+` FROM bulk_import_trackers WHERE entity_id = $1 ORDER BY stage, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var trackers []models.Tracker
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, t)
	}
	return trackers, rows.Err()
}

func (r *trackerRepository) Transition(ctx context.Context, id int64, to models.Status) error {
	return transition(ctx, r.db, "bulk_import_trackers", id, to, models.TrackerSources(to))
}

func (r *trackerRepository) Enqueue(ctx context.Context, id int64, jobID string) error {
	query := `
		UPDATE bulk_import_trackers
		   SET status = $1, job_id = $2, updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)
	`
	res, err := r.db.ExecContext(ctx, query, string(models.StatusEnqueued), jobID, id,
		pq.Array(models.Strings(models.TrackerSources(models.StatusEnqueued))))
	if err != nil {
		return fmt.Errorf("enqueue tracker: %w", err)
	}
	return checkTransition(ctx, r.db, res, "bulk_import_trackers", id, models.StatusEnqueued)
}

func (r *trackerRepository) TransitionByEntity(ctx context.Context, entityID int64, to models.Status) (int64, error) {
	query := `
		UPDATE bulk_import_trackers
		   SET status = $1, updated_at = NOW()
		 WHERE entity_id = $2 AND status = ANY($3)
	`
	res, err := r.db.ExecContext(ctx, query, string(to), entityID, pq.Array(models.Strings(models.TrackerSources(to))))
	if err != nil {
		return 0, fmt.Errorf("transition trackers of entity %d: %w", entityID, err)
	}
	return res.RowsAffected()
}

func (r *trackerRepository) SetBatched(ctx context.Context, id int64, batchesCount int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bulk_import_trackers SET batched = TRUE, batches_count = $1, updated_at = NOW() WHERE id = $2`,
		batchesCount, id)
	if err != nil {
		return fmt.Errorf("set tracker batched: %w", err)
	}
	return nil
}
