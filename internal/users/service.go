package users

import (
	"context"

	"github.com/atlas-erp/atlas/internal/policy"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, companyID int64) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	FindSubject(ctx context.Context, userID int64) (policy.User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users in a company.
func (s *Service) ListUsers(ctx context.Context, companyID int64) ([]User, error) {
	return s.repo.ListUsers(ctx, companyID)
}

// GetUser returns a single user by ID.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// FindSubject resolves the authorization view of a user.
func (s *Service) FindSubject(ctx context.Context, userID int64) (policy.User, error) {
	return s.repo.FindSubject(ctx, userID)
}
