package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-erp/atlas/internal/policy"
)

var evalTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeRoleRepo struct {
	perms map[int64][]policy.Permission
	calls int
	err   error
}

func (f *fakeRoleRepo) PermissionsFor(ctx context.Context, roleIDs []int64) ([]policy.Permission, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []policy.Permission
	for _, id := range roleIDs {
		out = append(out, f.perms[id]...)
	}
	return out, nil
}

type roleOverrideRow struct {
	company int64
	role    int64
	ov      policy.Override
}

type userOverrideRow struct {
	company int64
	user    int64
	ov      policy.Override
}

type fakeOverrideRepo struct {
	roleRows []roleOverrideRow
	userRows []userOverrideRow
	calls    int
	err      error
}

func (f *fakeOverrideRepo) RoleOverrides(ctx context.Context, companyID int64, roleIDs []int64) ([]policy.Override, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []policy.Override
	for _, row := range f.roleRows {
		if row.company != companyID {
			continue
		}
		for _, id := range roleIDs {
			if row.role == id {
				out = append(out, row.ov)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOverrideRepo) UserOverrides(ctx context.Context, companyID, userID int64) ([]policy.Override, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []policy.Override
	for _, row := range f.userRows {
		if row.company == companyID && row.user == userID {
			out = append(out, row.ov)
		}
	}
	return out, nil
}

func newEngine(roles *fakeRoleRepo, overrides *fakeOverrideRepo) *policy.Engine {
	return policy.NewEngine(roles, overrides).WithClock(func() time.Time { return evalTime })
}

func perm(resource, action string) policy.Permission {
	return policy.Permission{Resource: resource, Action: action}
}

func tp(t time.Time) *time.Time { return &t }

func TestSuperuserBypassesEvaluation(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
	overrides := &fakeOverrideRepo{
		userRows: []userOverrideRow{{company: 1, user: 7, ov: policy.Override{Permission: perm("sales", "read"), Granted: false}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 1, IsSuperuser: true, RoleIDs: []int64{1}}
	set, err := engine.Evaluate(context.Background(), user, 1)
	require.NoError(t, err)
	require.Equal(t, policy.NewSet(policy.AllPermissions), set)
	require.Zero(t, roles.calls, "superuser must not trigger role lookups")
	require.Zero(t, overrides.calls, "superuser must not trigger override lookups")

	ok, err := engine.HasPermission(context.Background(), user, "anything", "at-all", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBaseAggregationUnionsRolePermissions(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{
		1: {perm("sales", "read")},
		2: {perm("sales", "read"), perm("reports", "view")},
	}}
	engine := newEngine(roles, &fakeOverrideRepo{})

	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1, 2}}
	set, err := engine.Evaluate(context.Background(), user, 1)
	require.NoError(t, err)
	require.Equal(t, policy.NewSet(perm("sales", "read"), perm("reports", "view")), set)
}

func TestRoleOverrideRevokesBasePermission(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
	overrides := &fakeOverrideRepo{
		roleRows: []roleOverrideRow{{company: 1, role: 1, ov: policy.Override{Permission: perm("sales", "read"), Granted: false}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoleOverrideGrantIsTenantScoped(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: nil}}
	overrides := &fakeOverrideRepo{
		roleRows: []roleOverrideRow{{company: 1, role: 1, ov: policy.Override{Permission: perm("sales", "export"), Granted: true}}},
	}
	engine := newEngine(roles, overrides)
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}

	ok, err := engine.HasPermission(context.Background(), user, "sales", "export", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.HasPermission(context.Background(), user, "sales", "export", 2)
	require.NoError(t, err)
	require.False(t, ok, "override for tenant 1 must not leak into tenant 2")
}

func TestUserOverrideWinsOverRoleGrant(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
	overrides := &fakeOverrideRepo{
		userRows: []userOverrideRow{{company: 1, user: 7, ov: policy.Override{Permission: perm("sales", "read"), Granted: false}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUserOverrideGrantsBeyondRoles(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: nil}}
	overrides := &fakeOverrideRepo{
		userRows: []userOverrideRow{{company: 1, user: 7, ov: policy.Override{Permission: perm("finance", "close"), Granted: true}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	ok, err := engine.HasPermission(context.Background(), user, "finance", "close", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTemporalValidityFiltersOverrides(t *testing.T) {
	cases := []struct {
		name    string
		from    *time.Time
		until   *time.Time
		applied bool
	}{
		{name: "unbounded", applied: true},
		{name: "window open", from: tp(evalTime.Add(-time.Hour)), until: tp(evalTime.Add(time.Hour)), applied: true},
		{name: "boundary inclusive", from: tp(evalTime), until: tp(evalTime), applied: true},
		{name: "expired", until: tp(evalTime.Add(-time.Minute)), applied: false},
		{name: "not yet active", from: tp(evalTime.Add(time.Minute)), applied: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
			overrides := &fakeOverrideRepo{
				roleRows: []roleOverrideRow{{company: 1, role: 1, ov: policy.Override{
					Permission: perm("sales", "read"),
					Granted:    false,
					ValidFrom:  tc.from,
					ValidUntil: tc.until,
				}}},
			}
			engine := newEngine(roles, overrides)

			user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
			ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 1)
			require.NoError(t, err)
			// An applied revoke removes the base permission.
			require.Equal(t, !tc.applied, ok)
		})
	}
}

func TestWildcardMatching(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", policy.Wildcard)}}}
	engine := newEngine(roles, &fakeOverrideRepo{})
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}

	for _, action := range []string{"read", "delete"} {
		ok, err := engine.HasPermission(context.Background(), user, "sales", action, 1)
		require.NoError(t, err)
		require.True(t, ok, "sales/* must cover sales/%s", action)
	}

	ok, err := engine.HasPermission(context.Background(), user, "reports", "read", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetAllows(t *testing.T) {
	set := policy.NewSet(perm("sales", "read"), perm(policy.Wildcard, "approve"))

	require.True(t, set.Allows(perm("sales", "read")))
	require.True(t, set.Allows(perm("finance", "approve")), "*/approve must cover any resource")
	require.False(t, set.Allows(perm("sales", "write")))

	set.Add(policy.AllPermissions)
	require.True(t, set.Allows(perm("anything", "whatever")))
}

func TestCheckMultipleRequireAllVersusAny(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
	engine := newEngine(roles, &fakeOverrideRepo{})
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	required := []policy.Permission{perm("sales", "read"), perm("sales", "write")}

	ok, err := engine.CheckMultiple(context.Background(), user, required, 1, true)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = engine.CheckMultiple(context.Background(), user, required, 1, false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckMultipleEmptyListVacuousTruth(t *testing.T) {
	engine := newEngine(&fakeRoleRepo{}, &fakeOverrideRepo{})
	user := policy.User{ID: 7, CompanyID: 1}

	ok, err := engine.CheckMultiple(context.Background(), user, nil, 1, true)
	require.NoError(t, err)
	require.True(t, ok, "empty conjunction is vacuously true")

	ok, err = engine.CheckMultiple(context.Background(), user, nil, 1, false)
	require.NoError(t, err)
	require.False(t, ok, "empty disjunction has no satisfied member")
}

func TestLastCreatedOverrideWins(t *testing.T) {
	revoke := policy.Override{Permission: perm("sales", "read"), Granted: false, CreatedAt: evalTime.Add(-2 * time.Hour)}
	grant := policy.Override{Permission: perm("sales", "read"), Granted: true, CreatedAt: evalTime.Add(-time.Hour)}

	// Repositories return rows oldest-first; the later row is applied last.
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: nil}}
	overrides := &fakeOverrideRepo{roleRows: []roleOverrideRow{
		{company: 1, role: 1, ov: revoke},
		{company: 1, role: 1, ov: grant},
	}}
	engine := newEngine(roles, overrides)
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}

	ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 1)
	require.NoError(t, err)
	require.True(t, ok, "grant created after revoke must win")

	overrides.roleRows = []roleOverrideRow{
		{company: 1, role: 1, ov: grant},
		{company: 1, role: 1, ov: revoke},
	}
	ok, err = engine.HasPermission(context.Background(), user, "sales", "read", 1)
	require.NoError(t, err)
	require.False(t, ok, "revoke created after grant must win")
}

func TestDanglingOverrideIsSkipped(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("sales", "read")}}}
	overrides := &fakeOverrideRepo{
		roleRows: []roleOverrideRow{{company: 1, role: 1, ov: policy.Override{Granted: true}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	set, err := engine.Evaluate(context.Background(), user, 1)
	require.NoError(t, err)
	require.Equal(t, policy.NewSet(perm("sales", "read")), set)
}

func TestStorageErrorsPropagate(t *testing.T) {
	storageErr := errors.New("connection refused")

	engine := newEngine(&fakeRoleRepo{err: storageErr}, &fakeOverrideRepo{})
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}
	_, err := engine.Evaluate(context.Background(), user, 1)
	require.ErrorIs(t, err, storageErr)

	engine = newEngine(&fakeRoleRepo{}, &fakeOverrideRepo{err: storageErr})
	_, err = engine.Evaluate(context.Background(), user, 1)
	require.ErrorIs(t, err, storageErr)

	ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 1)
	require.ErrorIs(t, err, storageErr)
	require.False(t, ok)
}

func TestZeroTenantDefaultsToUserCompany(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: nil}}
	overrides := &fakeOverrideRepo{
		userRows: []userOverrideRow{{company: 42, user: 7, ov: policy.Override{Permission: perm("sales", "read"), Granted: true}}},
	}
	engine := newEngine(roles, overrides)

	user := policy.User{ID: 7, CompanyID: 42, RoleIDs: []int64{1}}
	ok, err := engine.HasPermission(context.Background(), user, "sales", "read", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTenantIsolationEndToEnd(t *testing.T) {
	roles := &fakeRoleRepo{perms: map[int64][]policy.Permission{1: {perm("reports", "view")}}}
	overrides := &fakeOverrideRepo{
		roleRows: []roleOverrideRow{{company: 1, role: 1, ov: policy.Override{Permission: perm("reports", "view"), Granted: false}}},
	}
	engine := newEngine(roles, overrides)
	user := policy.User{ID: 7, CompanyID: 1, RoleIDs: []int64{1}}

	ok, err := engine.HasPermission(context.Background(), user, "reports", "view", 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = engine.HasPermission(context.Background(), user, "reports", "view", 2)
	require.NoError(t, err)
	require.True(t, ok, "revoke in tenant 1 must not affect tenant 2")
}
