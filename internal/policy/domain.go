package policy

import (
	"sort"
	"time"
)

// Wildcard matches any value in the resource or action position of a query.
const Wildcard = "*"

// Permission is an atomic capability identified by a resource and an action.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// AllPermissions is the sentinel entry a superuser's effective set consists of.
var AllPermissions = Permission{Resource: Wildcard, Action: Wildcard}

// IsZero reports whether the permission carries neither resource nor action,
// the shape a dangling override reference resolves to.
func (p Permission) IsZero() bool {
	return p.Resource == "" && p.Action == ""
}

// User is the authorization subject the engine evaluates.
type User struct {
	ID          int64
	CompanyID   int64
	IsSuperuser bool
	RoleIDs     []int64
}

// Override modifies a permission set for one tenant by granting or revoking
// a single permission, optionally bounded in time.
type Override struct {
	ID            int64
	Permission    Permission
	Granted       bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Justification string
	CreatedAt     time.Time
}

// ValidAt reports whether the override applies at the given instant. Both
// bounds are inclusive; an override with neither bound set always applies.
func (o Override) ValidAt(now time.Time) bool {
	if o.ValidFrom != nil && now.Before(*o.ValidFrom) {
		return false
	}
	if o.ValidUntil != nil && now.After(*o.ValidUntil) {
		return false
	}
	return true
}

// Set is an ephemeral effective permission set. It is computed fresh per
// evaluation and never persisted.
type Set map[Permission]struct{}

// NewSet builds a set from the given permissions.
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s.Add(p)
	}
	return s
}

// Add inserts a permission into the set.
func (s Set) Add(p Permission) {
	s[p] = struct{}{}
}

// Remove deletes a permission from the set if present.
func (s Set) Remove(p Permission) {
	delete(s, p)
}

// Contains reports exact membership, without wildcard expansion.
func (s Set) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Allows reports whether the set grants the requested pair. A stored entry
// matches when it equals the pair exactly or wildcards the resource, the
// action, or both.
func (s Set) Allows(p Permission) bool {
	if s.Contains(p) {
		return true
	}
	if s.Contains(AllPermissions) {
		return true
	}
	if s.Contains(Permission{Resource: p.Resource, Action: Wildcard}) {
		return true
	}
	if s.Contains(Permission{Resource: Wildcard, Action: p.Action}) {
		return true
	}
	return false
}

// List returns the set's entries ordered by resource then action.
func (s Set) List() []Permission {
	perms := make([]Permission, 0, len(s))
	for p := range s {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		return perms[i].Action < perms[j].Action
	})
	return perms
}
