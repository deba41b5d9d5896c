// Package repo contains the Postgres repositories of the authentication core.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/model"
)

// ErrTypeAlreadySelected is returned when a user type transition is attempted
// on a user whose type is no longer unset.
var ErrTypeAlreadySelected = errors.New("user type already selected")

// UserRepo defines the user repository operations the core consumes.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByPhone(ctx context.Context, phoneE164 string) (*model.User, error)
	Create(ctx context.Context, user model.User) error
	UpdateUserType(ctx context.Context, id uuid.UUID, userType model.UserType) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a Postgres-backed UserRepo.
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return r.getOne(ctx, `
		SELECT id, phone, user_type, is_verified, created_at, last_login_at
		FROM users WHERE id = $1
	`, id)
}

// FindByPhone returns the user for the canonical phone, or nil when absent.
func (r *userRepo) FindByPhone(ctx context.Context, phoneE164 string) (*model.User, error) {
	return r.getOne(ctx, `
		SELECT id, phone, user_type, is_verified, created_at, last_login_at
		FROM users WHERE phone = $1
	`, phoneE164)
}

func (r *userRepo) getOne(ctx context.Context, query string, arg interface{}) (*model.User, error) {
	var u model.User
	var idStr string
	var userType string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&idStr, &u.Phone, &userType, &u.IsVerified, &u.CreatedAt, &u.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse user ID: %w", err)
	}
	u.UserType = model.UserType(userType)
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, user model.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, phone, user_type, is_verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Phone, string(user.UserType), user.IsVerified, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUserType performs the once-only unset -> {customer,worker} transition.
// The WHERE clause makes the transition race-free: a second caller finds no
// unset row and gets ErrTypeAlreadySelected.
func (r *userRepo) UpdateUserType(ctx context.Context, id uuid.UUID, userType model.UserType) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET user_type = $2 WHERE id = $1 AND user_type = $3
	`, id, string(userType), string(model.UserTypeUnset))
	if err != nil {
		return fmt.Errorf("update user type: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrTypeAlreadySelected
	}
	return nil
}

func (r *userRepo) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}
