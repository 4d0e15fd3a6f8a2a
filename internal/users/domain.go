package users

import "time"

// User represents a user account for management.
type User struct {
	ID          int64
	Email       string
	Name        string
	CompanyID   int64
	IsActive    bool
	IsSuperuser bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
