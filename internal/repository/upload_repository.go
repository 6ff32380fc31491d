package repository

import (
	"context"
	"database/sql"
	"fmt"
)

type uploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) UploadRepository {
	return &uploadRepository{db: db}
}

func (r *uploadRepository) Put(ctx context.Context, exportID int64, batchNumber int, data []byte) error {
	query := `
		INSERT INTO relation_export_uploads (export_id, batch_number, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (export_id, batch_number) DO UPDATE SET data = EXCLUDED.data, created_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, exportID, batchNumber, data); err != nil {
		return fmt.Errorf("put upload: %w", err)
	}
	return nil
}

func (r *uploadRepository) Get(ctx context.Context, exportID int64, batchNumber int) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM relation_export_uploads WHERE export_id = $1 AND batch_number = $2`,
		exportID, batchNumber).Scan(&data)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

func (r *uploadRepository) DeleteByExport(ctx context.Context, exportID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM relation_export_uploads WHERE export_id = $1`, exportID); err != nil {
		return fmt.Errorf("delete uploads: %w", err)
	}
	return nil
}
