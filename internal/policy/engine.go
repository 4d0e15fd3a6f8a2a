// Package policy resolves effective permissions for a user within a tenant.
//
// Evaluation is a strict pipeline: superuser short-circuit, union of base
// role permissions, tenant-scoped role overrides, then tenant-scoped user
// overrides. Overrides are filtered by temporal validity against a single
// clock reading per evaluation, so rows near their boundary cannot be judged
// inconsistently between the two override queries. The engine holds no state
// and never caches across calls; see Decisions for caller-side caching.
package policy

import (
	"context"
	"fmt"
	"time"
)

// Engine computes effective permission sets. It is read-only over its
// repositories and safe for concurrent use.
type Engine struct {
	roles     RoleRepository
	overrides OverrideRepository
	clock     func() time.Time
}

// NewEngine constructs an Engine over the given repositories.
func NewEngine(roles RoleRepository, overrides OverrideRepository) *Engine {
	return &Engine{roles: roles, overrides: overrides, clock: time.Now}
}

// WithClock replaces the evaluation clock. Used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate computes the effective permission set for user within the given
// tenant. A zero tenantID falls back to the user's own company. Storage
// errors propagate unchanged; an empty set is never substituted for a
// failed lookup.
func (e *Engine) Evaluate(ctx context.Context, user User, tenantID int64) (Set, error) {
	if user.IsSuperuser {
		return NewSet(AllPermissions), nil
	}
	if tenantID == 0 {
		tenantID = user.CompanyID
	}
	now := e.clock()

	set := NewSet()
	if len(user.RoleIDs) > 0 {
		perms, err := e.roles.PermissionsFor(ctx, user.RoleIDs)
		if err != nil {
			return nil, fmt.Errorf("policy: load role permissions: %w", err)
		}
		for _, p := range perms {
			set.Add(p)
		}

		roleOverrides, err := e.overrides.RoleOverrides(ctx, tenantID, user.RoleIDs)
		if err != nil {
			return nil, fmt.Errorf("policy: load role overrides: %w", err)
		}
		applyOverrides(set, roleOverrides, now)
	}

	userOverrides, err := e.overrides.UserOverrides(ctx, tenantID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("policy: load user overrides: %w", err)
	}
	applyOverrides(set, userOverrides, now)

	return set, nil
}

// HasPermission reports whether the user holds (resource, action) within the
// tenant, honoring wildcard entries in the effective set.
func (e *Engine) HasPermission(ctx context.Context, user User, resource, action string, tenantID int64) (bool, error) {
	set, err := e.Evaluate(ctx, user, tenantID)
	if err != nil {
		return false, err
	}
	return set.Allows(Permission{Resource: resource, Action: action}), nil
}

// CheckMultiple evaluates the effective set once and tests every required
// pair against that single snapshot. With requireAll true every pair must
// match; an empty required list is vacuously true. With requireAll false at
// least one pair must match.
func (e *Engine) CheckMultiple(ctx context.Context, user User, required []Permission, tenantID int64, requireAll bool) (bool, error) {
	set, err := e.Evaluate(ctx, user, tenantID)
	if err != nil {
		return false, err
	}
	return CheckSet(set, required, requireAll), nil
}

// CheckSet applies the require-all/require-any rule against an already
// evaluated snapshot.
func CheckSet(set Set, required []Permission, requireAll bool) bool {
	if requireAll {
		for _, p := range required {
			if !set.Allows(p) {
				return false
			}
		}
		return true
	}
	for _, p := range required {
		if set.Allows(p) {
			return true
		}
	}
	return false
}

// applyOverrides folds currently valid overrides into the working set in
// slice order. Rows whose permission reference no longer resolves are
// skipped so one bad row cannot fail the whole evaluation.
func applyOverrides(set Set, overrides []Override, now time.Time) {
	for _, o := range overrides {
		if o.Permission.IsZero() {
			continue
		}
		if !o.ValidAt(now) {
			continue
		}
		if o.Granted {
			set.Add(o.Permission)
		} else {
			set.Remove(o.Permission)
		}
	}
}
