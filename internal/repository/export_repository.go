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

type exportRepository struct {
	db *sql.DB
}

func NewExportRepository(db *sql.DB) ExportRepository {
	return &exportRepository{db: db}
}

const exportColumns = `id, portable_id, relation, status, batched, batches_count, total_objects_count, error, created_at, updated_at`

func scanExport(row scanner) (models.Export, error) {
	var e models.Export
	err := row.Scan(&e.ID, &e.PortableID, &e.Relation, &e.Status, &e.Batched, &e.BatchesCount,
		&e.TotalObjectsCount, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (r *exportRepository) FindOrStart(ctx context.Context, portableID int64, relation string, staleBefore time.Time) (models.Export, bool, error) {
	query := `
		INSERT INTO relation_exports (portable_id, relation, status)
		VALUES ($1, $2, 'started')
		ON CONFLICT (portable_id, relation) DO UPDATE
		   SET status = 'started',
		       batched = FALSE,
		       batches_count = 0,
		       total_objects_count = 0,
		       error = '',
		       updated_at = NOW()
		 WHERE relation_exports.status = 'failed' OR relation_exports.updated_at < $3
		RETURNING ` + exportColumns
	e, err := scanExport(r.db.QueryRowContext(ctx, query, portableID, relation, staleBefore))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return e, false, fmt.Errorf("start export: %w", err)
	}

	e, err = r.GetByRelation(ctx, portableID, relation)
	return e, false, err
}

func (r *exportRepository) Get(ctx context.Context, id int64) (models.Export, error) {
	e, err := scanExport(r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM relation_exports WHERE id = $1`, id))
	if err != nil {
		return e, notFound(err)
	}
	return e, nil
}

func (r *exportRepository) GetByRelation(ctx context.Context, portableID int64, relation string) (models.Export, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM relation_exports WHERE portable_id = $1 AND relation = $2`, portableID, relation)
	e, err := scanExport(row)
	if err != nil {
		return e, notFound(err)
	}
	return e, nil
}

func (r *exportRepository) ListByPortable(ctx context.Context, portableID int64) ([]models.Export, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM relation_exports WHERE portable_id = $1 ORDER BY relation`, portableID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	var exports []models.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func (r *exportRepository) Transition(ctx context.Context, id int64, to models.Status, errMsg string) error {
	query := `
		UPDATE relation_exports
		   SET status = $1, error = $2, updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)
	`
	res, err := r.db.ExecContext(ctx, query, string(to), errMsg, id, pq.Array(models.Strings(models.ExportSources(to))))
	if err != nil {
		return fmt.Errorf("update export status: %w", err)
	}
	return checkTransition(ctx, r.db, res, "relation_exports", id, to)
}

func (r *exportRepository) SetCounts(ctx context.Context, id int64, batched bool, batchesCount, totalObjects int) error {
	query := `
		UPDATE relation_exports
		   SET batched = $1, batches_count = $2, total_objects_count = $3, updated_at = NOW()
		 WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, batched, batchesCount, totalObjects, id); err != nil {
		return fmt.Errorf("set export counts: %w", err)
	}
	return nil
}
