package policy

import "context"

// RoleRepository loads the permissions roles carry.
type RoleRepository interface {
	// PermissionsFor returns the union of permissions attached to the given
	// roles. Duplicates across roles may be returned; the engine collapses
	// them.
	PermissionsFor(ctx context.Context, roleIDs []int64) ([]Permission, error)
}

// OverrideRepository loads tenant-scoped override rows. Implementations must
// return rows ordered oldest-first by creation so the engine's sequential
// application gives the most recently created override the last word.
type OverrideRepository interface {
	RoleOverrides(ctx context.Context, companyID int64, roleIDs []int64) ([]Override, error)
	UserOverrides(ctx context.Context, companyID, userID int64) ([]Override, error)
}
