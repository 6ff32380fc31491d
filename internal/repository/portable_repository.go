package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stanstork/stratum-transfer/internal/models"
)

type portableRepository struct {
	db *sql.DB
}

func NewPortableRepository(db *sql.DB) PortableRepository {
	return &portableRepository{db: db}
}

func scanPortable(row scanner) (models.Portable, error) {
	var p models.Portable
	err := row.Scan(&p.ID, &p.Type, &p.FullPath, &p.CreatedAt)
	return p, err
}

func (r *portableRepository) Upsert(ctx context.Context, typ models.SourceType, fullPath string) (models.Portable, error) {
	query := `
		INSERT INTO portables (type, full_path)
		VALUES ($1, $2)
		ON CONFLICT (full_path) DO UPDATE SET type = EXCLUDED.type
		RETURNING id, type, full_path, created_at
	`
	p, err := scanPortable(r.db.QueryRowContext(ctx, query, string(typ), fullPath))
	if err != nil {
		return p, fmt.Errorf("upsert portable: %w", err)
	}
	return p, nil
}

func (r *portableRepository) Get(ctx context.Context, id int64) (models.Portable, error) {
	p, err := scanPortable(r.db.QueryRowContext(ctx,
		`SELECT id, type, full_path, created_at FROM portables WHERE id = $1`, id))
	if err != nil {
		return p, notFound(err)
	}
	return p, nil
}

func (r *portableRepository) GetByFullPath(ctx context.Context, fullPath string) (models.Portable, error) {
	p, err := scanPortable(r.db.QueryRowContext(ctx,
		`SELECT id, type, full_path, created_at FROM portables WHERE full_path = $1`, fullPath))
	if err != nil {
		return p, notFound(err)
	}
	return p, nil
}

// ListChildren returns the portables directly below fullPath.
func (r *portableRepository) ListChildren(ctx context.Context, fullPath string) ([]models.Portable, error) {
	query := `
		SELECT id, type, full_path, created_at
		FROM portables
		WHERE starts_with(full_path, $1 || '/')
		  AND position('/' in substr(full_path, length($1) + 2)) = 0
		ORDER BY full_path
	`
	rows, err := r.db.QueryContext(ctx, query, fullPath)
	if err != nil {
		return nil, fmt.Errorf("list child portables: %w", err)
	}
	defer rows.Close()

	var portables []models.Portable
	for rows.Next() {
		p, err := scanPortable(rows)
		if err != nil {
			return nil, err
		}
		portables = append(portables, p)
	}
	return portables, rows.Err()
}
