package shared

import "github.com/atlas-erp/atlas/internal/policy"

// Core platform permissions enforced by the admin API.
var (
	PermUsersView = policy.Permission{Resource: "users", Action: "view"}

	PermRolesView = policy.Permission{Resource: "roles", Action: "view"}
	PermRolesEdit = policy.Permission{Resource: "roles", Action: "edit"}

	PermPermissionsView = policy.Permission{Resource: "permissions", Action: "view"}

	PermOverridesEdit = policy.Permission{Resource: "overrides", Action: "edit"}
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []policy.Permission {
	return []policy.Permission{
		PermUsersView,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermOverridesEdit,
	}
}
