package rbac

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a high-level permission grouping. Roles are tenant
// independent; tenants diverge through overrides only.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is the administrative view of a permission record.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
}

// OverrideRecord is the administrative view of an override row. RoleID is
// set for role overrides, UserID for user overrides.
type OverrideRecord struct {
	ID            int64
	CompanyID     int64
	RoleID        int64
	UserID        int64
	PermissionID  int64
	Resource      string
	Action        string
	Granted       bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Justification string
	Reference     uuid.UUID
	CreatedAt     time.Time
}

// CreateOverrideParams carries the fields shared by role and user override
// creation.
type CreateOverrideParams struct {
	CompanyID     int64
	RoleID        int64
	UserID        int64
	PermissionID  int64
	Granted       bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Justification string
}
