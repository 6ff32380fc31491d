package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stanstork/stratum-transfer/internal/models"
)

type failureRepository struct {
	db *sql.DB
}

func NewFailureRepository(db *sql.DB) FailureRepository {
	return &failureRepository{db: db}
}

func (r *failureRepository) Create(ctx context.Context, f *models.Failure) error {
	query := `
		INSERT INTO bulk_import_failures
			(bulk_import_id, entity_id, pipeline_class, pipeline_step, exception_class, exception_message, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		f.BulkImportID,
		f.EntityID,
		f.PipelineClass,
		f.PipelineStep,
		f.ExceptionClass,
		f.ExceptionMessage,
		f.CorrelationID,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

func (r *failureRepository) ListByEntity(ctx context.Context, entityID int64) ([]models.Failure, error) {
	query := `
		SELECT id, bulk_import_id, entity_id, pipeline_class, pipeline_step,
		       exception_class, exception_message, correlation_id, created_at
		FROM bulk_import_failures
		WHERE entity_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var failures []models.Failure
	for rows.Next() {
		var f models.Failure
		if err := rows.Scan(&f.ID, &f.BulkImportID, &f.EntityID, &f.PipelineClass, &f.PipelineStep,
			&f.ExceptionClass, &f.ExceptionMessage, &f.CorrelationID, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
