package authz

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/searchwarden/searchwarden/internal/configstore"
)

// namedRole pairs a role definition with its name so evaluation output
// can reference contributing roles.
type namedRole struct {
	name string
	role configstore.Role
}

// RoleSet is the immutable set of role definitions that apply to one
// principal against one configuration snapshot. It is derived, never
// persisted, and safe for concurrent use.
type RoleSet struct {
	snapshot  *configstore.Snapshot
	principal *Principal
	roles     []namedRole
	id        string
}

// ResolveRoleSet computes the roles applying to the principal "now":
// every role whose mapping matches the principal's name or one of its
// backend roles, plus roles assigned to the principal directly.
func ResolveRoleSet(p *Principal, snap *configstore.Snapshot) *RoleSet {
	return ResolveNarrowedRoleSet(p, snap, nil)
}

// ResolveNarrowedRoleSet is ResolveRoleSet restricted to an allowlist of
// role names. A nil allowlist means no narrowing; an empty, non-nil
// allowlist yields the empty RoleSet. Scoped-credential validation uses
// this to reconstruct a token's frozen privileges.
func ResolveNarrowedRoleSet(p *Principal, snap *configstore.Snapshot, allowlist []string) *RoleSet {
	selected := make(map[string]struct{})

	for roleName, mapping := range snap.RoleMappings() {
		if mappingMatches(mapping, p) {
			selected[roleName] = struct{}{}
		}
	}
	for _, roleName := range p.Roles {
		selected[roleName] = struct{}{}
	}

	if allowlist != nil {
		allowed := make(map[string]struct{}, len(allowlist))
		for _, name := range allowlist {
			allowed[name] = struct{}{}
		}
		for name := range selected {
			if _, ok := allowed[name]; !ok {
				delete(selected, name)
			}
		}
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		if _, ok := snap.Role(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	roles := make([]namedRole, 0, len(names))
	for _, name := range names {
		role, _ := snap.Role(name)
		roles = append(roles, namedRole{name: name, role: role})
	}

	return &RoleSet{
		snapshot:  snap,
		principal: p,
		roles:     roles,
		id:        roleSetID(snap.Version(), names, p),
	}
}

func mappingMatches(m configstore.RoleMapping, p *Principal) bool {
	if MatchAnyPattern(m.Users, p.Name) {
		return true
	}
	for _, backendRole := range p.BackendRoles {
		if MatchAnyPattern(m.BackendRoles, backendRole) {
			return true
		}
	}
	return false
}

// roleSetID builds the cache identity of a RoleSet. Restriction merging
// is a pure function of (RoleSet, index, action); the identity must cover
// everything evaluation reads, which includes the principal's name and
// attributes because DLS and pattern templates reference them.
func roleSetID(version uint64, names []string, p *Principal) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|", p.Name)
	for _, k := range sortedKeys(p.Attributes) {
		fmt.Fprintf(h, "%s=%s|", k, p.Attributes[k])
	}
	id := fmt.Sprintf("v%d:%x:", version, h.Sum64())
	for i, n := range names {
		if i > 0 {
			id += ","
		}
		id += n
	}
	return id
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Empty reports whether no role applies. An empty RoleSet implies
// deny-all for every index and action.
func (rs *RoleSet) Empty() bool { return rs == nil || len(rs.roles) == 0 }

// ID returns the stable identity used for restriction caching.
func (rs *RoleSet) ID() string { return rs.id }

// Names returns the sorted names of the contained roles.
func (rs *RoleSet) Names() []string {
	names := make([]string, len(rs.roles))
	for i, r := range rs.roles {
		names[i] = r.name
	}
	return names
}

// Snapshot returns the configuration snapshot this set was resolved
// against.
func (rs *RoleSet) Snapshot() *configstore.Snapshot { return rs.snapshot }

// Principal returns the principal this set was resolved for.
func (rs *RoleSet) Principal() *Principal { return rs.principal }

// HasClusterPermission reports whether any contained role grants the
// given cluster-level action, after action-group expansion.
func (rs *RoleSet) HasClusterPermission(action string) bool {
	if rs == nil {
		return false
	}
	for _, r := range rs.roles {
		if MatchAnyPattern(rs.snapshot.ResolveActions(r.role.ClusterPermissions), action) {
			return true
		}
	}
	return false
}

// TenantPermissions returns every tenant-permission entry across the
// contained roles.
func (rs *RoleSet) TenantPermissions() []configstore.TenantPermission {
	var perms []configstore.TenantPermission
	for _, r := range rs.roles {
		perms = append(perms, r.role.TenantPermissions...)
	}
	return perms
}
