package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchwarden/searchwarden/internal/configstore"
)

func snapshotWith(t *testing.T, b configstore.Bundle) *configstore.Snapshot {
	t.Helper()
	store := configstore.NewStore(0)
	return store.Update(b)
}

func TestResolveRoleSet_MappingMatching(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{
			"by_backend": {},
			"by_user":    {},
			"direct":     {},
			"unrelated":  {},
		},
		RoleMappings: map[string]configstore.RoleMapping{
			"by_backend": {BackendRoles: []string{"crew"}},
			"by_user":    {Users: []string{"kir*"}},
			"unrelated":  {Users: []string{"spock"}},
		},
	})

	p := &Principal{Name: "kirk", BackendRoles: []string{"crew"}, Roles: []string{"direct"}}
	rs := ResolveRoleSet(p, snap)

	assert.Equal(t, []string{"by_backend", "by_user", "direct"}, rs.Names())
	assert.False(t, rs.Empty())
}

func TestResolveRoleSet_UnknownDirectRoleIgnored(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{"known": {}},
	})

	rs := ResolveRoleSet(&Principal{Name: "x", Roles: []string{"known", "ghost"}}, snap)
	assert.Equal(t, []string{"known"}, rs.Names())
}

func TestResolveNarrowedRoleSet(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{"a": {}, "b": {}, "c": {}},
	})
	p := &Principal{Name: "x", Roles: []string{"a", "b", "c"}}

	t.Run("nil allowlist keeps everything", func(t *testing.T) {
		t.Parallel()
		rs := ResolveNarrowedRoleSet(p, snap, nil)
		assert.Equal(t, []string{"a", "b", "c"}, rs.Names())
	})

	t.Run("allowlist narrows", func(t *testing.T) {
		t.Parallel()
		rs := ResolveNarrowedRoleSet(p, snap, []string{"b", "ghost"})
		assert.Equal(t, []string{"b"}, rs.Names())
	})

	t.Run("empty non-nil allowlist empties the set", func(t *testing.T) {
		t.Parallel()
		rs := ResolveNarrowedRoleSet(p, snap, []string{})
		assert.True(t, rs.Empty())
	})
}

func TestRoleSet_IDCoversPrincipalIdentity(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{"a": {}},
	})

	base := ResolveRoleSet(&Principal{Name: "kirk", Roles: []string{"a"}}, snap)
	sameAgain := ResolveRoleSet(&Principal{Name: "kirk", Roles: []string{"a"}}, snap)
	otherUser := ResolveRoleSet(&Principal{Name: "spock", Roles: []string{"a"}}, snap)
	otherAttrs := ResolveRoleSet(&Principal{
		Name: "kirk", Roles: []string{"a"},
		Attributes: map[string]string{"dept": "science"},
	}, snap)

	assert.Equal(t, base.ID(), sameAgain.ID())
	assert.NotEqual(t, base.ID(), otherUser.ID())
	assert.NotEqual(t, base.ID(), otherAttrs.ID())
}

func TestRoleSet_HasClusterPermission(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{
			"admin": {ClusterPermissions: []string{"cluster:admin/*"}},
			"plain": {},
		},
	})

	admin := ResolveRoleSet(&Principal{Name: "a", Roles: []string{"admin"}}, snap)
	plain := ResolveRoleSet(&Principal{Name: "p", Roles: []string{"plain"}}, snap)

	assert.True(t, admin.HasClusterPermission("cluster:admin/tokens/_all"))
	assert.False(t, plain.HasClusterPermission("cluster:admin/tokens/_all"))

	var nilSet *RoleSet
	assert.False(t, nilSet.HasClusterPermission("anything"))
}

func TestRoleSet_TenantPermissions(t *testing.T) {
	t.Parallel()

	snap := snapshotWith(t, configstore.Bundle{
		Roles: map[string]configstore.Role{
			"a": {TenantPermissions: []configstore.TenantPermission{
				{TenantPatterns: []string{"finance"}, AllowedActions: []string{configstore.AccessRead}},
			}},
			"b": {TenantPermissions: []configstore.TenantPermission{
				{TenantPatterns: []string{"hr"}, AllowedActions: []string{configstore.AccessWrite}},
			}},
		},
	})

	rs := ResolveRoleSet(&Principal{Name: "x", Roles: []string{"a", "b"}}, snap)
	perms := rs.TenantPermissions()
	require.Len(t, perms, 2)
}
