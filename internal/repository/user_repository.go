package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stanstork/stratum-transfer/internal/models"
)

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, u *models.User) error {
	query := `INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, u.Username, strings.ToLower(u.Email)).Scan(&u.ID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE email = $1`, strings.ToLower(email)).
		Scan(&u.ID, &u.Username, &u.Email)
	if err != nil {
		return u, notFound(err)
	}
	return u, nil
}
