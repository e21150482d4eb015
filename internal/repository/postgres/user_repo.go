package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"booru-service/internal/domain/auth"
	xerrors "booru-service/internal/pkg/errors"
)

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user; a taken name (case-insensitive) is ErrConflict
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	query := `
		INSERT INTO users (name, password_hash, rank)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, user.Name, user.PasswordHash, user.Rank).
		Scan(&user.ID, &user.CreatedAt)
	if isUniqueViolation(err) {
		return xerrors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", xerrors.Unavailable(err))
	}

	return nil
}

// FindByID retrieves a user by ID
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	return r.findOne(ctx, `
		SELECT id, name, password_hash, rank, created_at
		FROM users
		WHERE id = $1
	`, id)
}

// FindByName retrieves a user by name, ignoring case
func (r *UserRepository) FindByName(ctx context.Context, name string) (*auth.User, error) {
	return r.findOne(ctx, `
		SELECT id, name, password_hash, rank, created_at
		FROM users
		WHERE LOWER(name) = LOWER($1)
	`, name)
}

func (r *UserRepository) findOne(ctx context.Context, query string, arg interface{}) (*auth.User, error) {
	var u auth.User
	err := r.db.Pool().QueryRow(ctx, query, arg).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Rank, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", xerrors.Unavailable(err))
	}
	return &u, nil
}
