package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stanstork/stratum-transfer/internal/models"
)

type recordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) RecordRepository {
	return &recordRepository{db: db}
}

const recordColumns = `id, portable_id, relation, source_iid, body, payload, created_at, updated_at`

func scanRecord(row scanner) (models.Record, error) {
	var (
		rec     models.Record
		payload []byte
	)
	err := row.Scan(&rec.ID, &rec.PortableID, &rec.Relation, &rec.SourceIID, &rec.Body, &payload,
		&rec.CreatedAt, &rec.UpdatedAt)
	rec.Payload = payload
	return rec, err
}

func collectRecords(rows *sql.Rows) ([]models.Record, error) {
	defer rows.Close()
	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *recordRepository) Upsert(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO relation_records (portable_id, relation, source_iid, body, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (portable_id, relation, source_iid) DO UPDATE
		   SET body = EXCLUDED.body, payload = EXCLUDED.payload, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.db.QueryRowContext(ctx, query, rec.PortableID, rec.Relation, rec.SourceIID, rec.Body, payload).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (r *recordRepository) Get(ctx context.Context, id int64) (models.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM relation_records WHERE id = $1`, id))
	if err != nil {
		return rec, notFound(err)
	}
	return rec, nil
}

func (r *recordRepository) UpdateBody(ctx context.Context, id int64, body string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE relation_records SET body = $1, updated_at = NOW() WHERE id = $2`, body, id)
	if err != nil {
		return fmt.Errorf("update record body: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepository) Count(ctx context.Context, portableID int64, relation string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relation_records WHERE portable_id = $1 AND relation = $2`,
		portableID, relation).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (r *recordRepository) List(ctx context.Context, portableID int64, relation string, offset, limit int) ([]models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM relation_records
		WHERE portable_id = $1 AND relation = $2
		ORDER BY id
		OFFSET $3 LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query, portableID, relation, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

func (r *recordRepository) ListWithText(ctx context.Context, portableID, afterID int64, limit int) ([]models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM relation_records
		WHERE portable_id = $1 AND id > $2 AND body <> ''
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, portableID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records with text: %w", err)
	}
	return collectRecords(rows)
}
