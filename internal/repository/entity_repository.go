package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/stratum-transfer/internal/models"
)

type entityRepository struct {
	db *sql.DB
}

func NewEntityRepository(db *sql.DB) EntityRepository {
	return &entityRepository{db: db}
}

const entityColumns = `id, bulk_import_id, parent_id, source_type, source_full_path, source_xid,
	destination_namespace, destination_name, status, has_failures, created_at, updated_at`

func scanEntity(row scanner) (models.Entity, error) {
	var (
		e         models.Entity
		parentID  sql.NullInt64
		sourceXID sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.BulkImportID, &parentID, &e.SourceType, &e.SourceFullPath, &sourceXID,
		&e.DestinationNamespace, &e.DestinationName, &e.Status, &e.HasFailures, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	if parentID.Valid {
		e.ParentID = &parentID.Int64
	}
	if sourceXID.Valid {
		e.SourceXID = &sourceXID.Int64
	}
	return e, nil
}

func (r *entityRepository) Create(ctx context.Context, e *models.Entity) error {
	query := `
		INSERT INTO bulk_import_entities
			(bulk_import_id, parent_id, source_type, source_full_path, source_xid,
			 destination_namespace, destination_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, status, created_at, updated_at
	`
	if e.Status == "" {
		e.Status = models.StatusCreated
	}
	err := r.db.QueryRowContext(ctx, query,
		e.BulkImportID,
		e.ParentID,
		string(e.SourceType),
		e.SourceFullPath,
		e.SourceXID,
		e.DestinationNamespace,
		e.DestinationName,
		string(e.Status),
	).Scan(&e.ID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (r *entityRepository) Get(ctx context.Context, id int64) (models.Entity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM bulk_import_entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		return e, notFound(err)
	}
	return e, nil
}

func (r *entityRepository) ListByBulkImport(ctx context.Context, bulkImportID int64) ([]models.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM bulk_import_entities WHERE bulk_import_id = $1 ORDER BY id`, bulkImportID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return collectEntities(rows)
}

func collectEntities(rows *sql.Rows) ([]models.Entity, error) {
	defer rows.Close()
	var entities []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (r *entityRepository) Transition(ctx context.Context, id int64, to models.Status) error {
	return transition(ctx, r.db, "bulk_import_entities", id, to, models.EntitySources(to))
}

func (r *entityRepository) TransitionByBulkImport(ctx context.Context, bulkImportID int64, to models.Status) ([]int64, error) {
	query := `
		UPDATE bulk_import_entities
		   SET status = $1, updated_at = NOW()
		 WHERE bulk_import_id = $2 AND status = ANY($3)
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, string(to), bulkImportID, pq.Array(models.Strings(models.EntitySources(to))))
	if err != nil {
		return nil, fmt.Errorf("transition entities of bulk import %d: %w", bulkImportID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *entityRepository) SetSourceXID(ctx context.Context, id, xid int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bulk_import_entities SET source_xid = $1, updated_at = NOW() WHERE id = $2`, xid, id)
	if err != nil {
		return fmt.Errorf("set source xid: %w", err)
	}
	return nil
}

func (r *entityRepository) SetHasFailures(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bulk_import_entities SET has_failures = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set has failures: %w", err)
	}
	return nil
}

// staleCondition is shared by the list and the guarded update so the age is re-validated at write time.
const staleCondition = `
	e.status = ANY($1)
	AND e.updated_at < $2
	AND NOT EXISTS (
		SELECT 1
		FROM bulk_import_trackers t
		LEFT JOIN bulk_import_batch_trackers b ON b.tracker_id = t.id
		WHERE t.entity_id = e.id
		  AND (t.updated_at >= $2 OR b.updated_at >= $2)
	)
`

func (r *entityRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Entity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM bulk_import_entities e
		WHERE ` + staleCondition + `
		ORDER BY e.id
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(models.Strings(models.EntityNonTerminal)), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale entities: %w", err)
	}
	return collectEntities(rows)
}

func (r *entityRepository) TimeoutIfStale(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	query := `
		UPDATE bulk_import_entities e
		   SET status = $4, updated_at = NOW()
		 WHERE e.id = $3 AND ` + staleCondition
	res, err := r.db.ExecContext(ctx, query,
		pq.Array(models.Strings(models.EntityNonTerminal)), cutoff, id, string(models.StatusTimeout))
	if err != nil {
		return false, fmt.Errorf("timeout entity: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
