package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

type exportBatchRepository struct {
	db *sql.DB
}

func NewExportBatchRepository(db *sql.DB) ExportBatchRepository {
	return &exportBatchRepository{db: db}
}

const exportBatchColumns = `id, export_id, batch_number, status, objects_count, error, created_at, updated_at`

func scanExportBatch(row scanner) (models.ExportBatch, error) {
	var b models.ExportBatch
	err := row.Scan(&b.ID, &b.ExportID, &b.BatchNumber, &b.Status, &b.ObjectsCount, &b.Error, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *exportBatchRepository) Create(ctx context.Context, b *models.ExportBatch) error {
	query := `
		INSERT INTO relation_export_batches (export_id, batch_number, status)
		VALUES ($1, $2, 'created')
		ON CONFLICT (export_id, batch_number) DO UPDATE SET updated_at = NOW()
		RETURNING ` + exportBatchColumns
	created, err := scanExportBatch(r.db.QueryRowContext(ctx, query, b.ExportID, b.BatchNumber))
	if err != nil {
		return fmt.Errorf("insert export batch: %w", err)
	}
	*b = created
	return nil
}

func (r *exportBatchRepository) Get(ctx context.Context, id int64) (models.ExportBatch, error) {
	b, err := scanExportBatch(r.db.QueryRowContext(ctx,
		`SELECT `+exportBatchColumns+` FROM relation_export_batches WHERE id = $1`, id))
	if err != nil {
		return b, notFound(err)
	}
	return b, nil
}

func (r *exportBatchRepository) ListByExport(ctx context.Context, exportID int64) ([]models.ExportBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+exportBatchColumns+` FROM relation_export_batches WHERE export_id = $1 ORDER BY batch_number`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list export batches: %w", err)
	}
	defer rows.Close()

	var batches []models.ExportBatch
	for rows.Next() {
		b, err := scanExportBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *exportBatchRepository) Transition(ctx context.Context, id int64, to models.Status, errMsg string) error {
	query := `
		UPDATE relation_export_batches
		   SET status = $1, error = $2, updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)
	`
	res, err := r.db.ExecContext(ctx, query, string(to), errMsg, id, pq.Array(models.Strings(models.ExportBatchSources(to))))
	if err != nil {
		return fmt.Errorf("update export batch status: %w", err)
	}
	return checkTransition(ctx, r.db, res, "relation_export_batches", id, to)
}

func (r *exportBatchRepository) Touch(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE relation_export_batches SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch export batch: %w", err)
	}
	return nil
}

func (r *exportBatchRepository) SetObjectsCount(ctx context.Context, id int64, count int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE relation_export_batches SET objects_count = $1, updated_at = NOW() WHERE id = $2`, count, id)
	if err != nil {
		return fmt.Errorf("set export batch objects count: %w", err)
	}
	return nil
}

func (r *exportBatchRepository) CountActive(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relation_export_batches WHERE status = 'started' AND updated_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active export batches: %w", err)
	}
	return n, nil
}

func (r *exportBatchRepository) FailNonTerminal(ctx context.Context, exportID int64, errMsg string) (int64, error) {
	query := `
		UPDATE relation_export_batches
		   SET status = 'failed', error = $1, updated_at = NOW()
		 WHERE export_id = $2 AND status IN ('created', 'started')
	`
	res, err := r.db.ExecContext(ctx, query, errMsg, exportID)
	if err != nil {
		return 0, fmt.Errorf("fail export batches: %w", err)
	}
	return res.RowsAffected()
}

func (r *exportBatchRepository) DeleteByExport(ctx context.Context, exportID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM relation_export_batches WHERE export_id = $1`, exportID); err != nil {
		return fmt.Errorf("delete export batches: %w", err)
	}
	return nil
}
