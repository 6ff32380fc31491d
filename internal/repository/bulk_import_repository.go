package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

type bulkImportRepository struct {
	db *sql.DB
}

func NewBulkImportRepository(db *sql.DB) BulkImportRepository {
	return &bulkImportRepository{db: db}
}

const bulkImportColumns = `id, source_url, source_version, status, created_at, updated_at`

func scanBulkImport(row scanner) (models.BulkImport, error) {
	var bi models.BulkImport
	err := row.Scan(&bi.ID, &bi.SourceURL, &bi.SourceVersion, &bi.Status, &bi.CreatedAt, &bi.UpdatedAt)
	return bi, err
}

func (r *bulkImportRepository) Create(ctx context.Context, bi *models.BulkImport) error {
	query := `
		INSERT INTO bulk_imports (source_url, source_version, status)
		VALUES ($1, $2, $3)
		RETURNING id, status, created_at, updated_at
	`
	if bi.Status == "" {
		bi.Status = models.StatusCreated
	}
	err := r.db.QueryRowContext(ctx, query, bi.SourceURL, bi.SourceVersion, string(bi.Status)).
		Scan(&bi.ID, &bi.Status, &bi.CreatedAt, &bi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bulk import: %w", err)
	}
	return nil
}

func (r *bulkImportRepository) Get(ctx context.Context, id int64) (models.BulkImport, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bulkImportColumns+` FROM bulk_imports WHERE id = $1`, id)
	bi, err := scanBulkImport(row)
	if err != nil {
		return bi, notFound(err)
	}
	return bi, nil
}

func (r *bulkImportRepository) Transition(ctx context.Context, id int64, to models.Status) error {
	return transition(ctx, r.db, "bulk_imports", id, to, models.BulkImportSources(to))
}

func (r *bulkImportRepository) ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]models.BulkImport, error) {
	query := `
		SELECT ` + bulkImportColumns + `
		FROM bulk_imports
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(models.Strings(models.BulkImportNonTerminal)), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck bulk imports: %w", err)
	}
	defer rows.Close()

	var imports []models.BulkImport
	for rows.Next() {
		bi, err := scanBulkImport(rows)
		if err != nil {
			return nil, err
		}
		imports = append(imports, bi)
	}
	return imports, rows.Err()
}

func (r *bulkImportRepository) TimeoutIfStuck(ctx context.Context, id int64, createdBefore time.Time) (bool, error) {
	query := `
		UPDATE bulk_imports
		   SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = ANY($3) AND created_at < $4
	`
	res, err := r.db.ExecContext(ctx, query, string(models.StatusTimeout), id,
		pq.Array(models.Strings(models.BulkImportNonTerminal)), createdBefore)
	if err != nil {
		return false, fmt.Errorf("timeout bulk import: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
