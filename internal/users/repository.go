package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-erp/atlas/internal/platform/httpx"
	"github.com/atlas-erp/atlas/internal/policy"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns all users in a company.
func (r *Repository) ListUsers(ctx context.Context, companyID int64) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, email, name, company_id, is_active, is_superuser, created_at, updated_at
		FROM users
		WHERE company_id = $1
		ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.CompanyID, &user.IsActive, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser returns a single user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, company_id, is_active, is_superuser, created_at, updated_at
		FROM users
		WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.CompanyID, &user.IsActive, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, httpx.ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindSubject loads the authorization view of an active user, including the
// IDs of the base roles assigned to it.
func (r *Repository) FindSubject(ctx context.Context, userID int64) (policy.User, error) {
	var subject policy.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, company_id, is_superuser
		FROM users
		WHERE id = $1 AND is_active = TRUE`, userID).
		Scan(&subject.ID, &subject.CompanyID, &subject.IsSuperuser)
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.User{}, fmt.Errorf("subject %d: %w", userID, httpx.ErrNotFound)
	}
	if err != nil {
		return policy.User{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return policy.User{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int64
		if err := rows.Scan(&roleID); err != nil {
			return policy.User{}, err
		}
		subject.RoleIDs = append(subject.RoleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return policy.User{}, err
	}
	return subject, nil
}
