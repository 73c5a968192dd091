package configstore

import (
	"sort"
	"strings"
)

// maxGroupDepth bounds action-group expansion so that a reference cycle in
// a hand-edited configuration cannot loop forever.
const maxGroupDepth = 30

// Snapshot is an immutable, versioned bundle of authorization
// configuration. Snapshots are freely shared across goroutines; none of
// the accessor methods mutate state.
type Snapshot struct {
	version uint64

	roles        map[string]Role
	roleMappings map[string]RoleMapping
	actionGroups map[string]ActionGroup
	tenants      map[string]Tenant

	// flattened maps each action-group name to its fully expanded set of
	// concrete actions and action patterns.
	flattened map[string][]string
}

func newSnapshot(version uint64, b Bundle) *Snapshot {
	s := &Snapshot{
		version:      version,
		roles:        make(map[string]Role, len(b.Roles)),
		roleMappings: make(map[string]RoleMapping, len(b.RoleMappings)),
		actionGroups: make(map[string]ActionGroup, len(b.ActionGroups)),
		tenants:      make(map[string]Tenant, len(b.Tenants)),
	}
	for name, r := range b.Roles {
		s.roles[name] = r
	}
	for name, m := range b.RoleMappings {
		s.roleMappings[name] = m
	}
	for name, g := range b.ActionGroups {
		s.actionGroups[name] = g
	}
	for name, t := range b.Tenants {
		s.tenants[name] = t
	}
	s.flattened = flattenGroups(s.actionGroups)
	return s
}

// Version returns the snapshot's monotonically increasing version id.
func (s *Snapshot) Version() uint64 { return s.version }

// Role returns the named role definition.
func (s *Snapshot) Role(name string) (Role, bool) {
	r, ok := s.roles[name]
	return r, ok
}

// RoleNames returns all role names in sorted order.
func (s *Snapshot) RoleNames() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleMappings returns the role-mapping table keyed by role name.
func (s *Snapshot) RoleMappings() map[string]RoleMapping { return s.roleMappings }

// Tenant returns the named tenant definition.
func (s *Snapshot) Tenant(name string) (Tenant, bool) {
	t, ok := s.tenants[name]
	return t, ok
}

// TenantNames returns all defined tenant names in sorted order.
func (s *Snapshot) TenantNames() []string {
	names := make([]string, 0, len(s.tenants))
	for name := range s.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveActions expands action-group references in the given list into
// concrete actions and action patterns. Names that do not resolve to a
// group are passed through unchanged. The result is sorted and free of
// duplicates.
func (s *Snapshot) ResolveActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	var out []string
	add := func(a string) {
		if _, dup := seen[a]; dup {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, a := range actions {
		if expanded, ok := s.flattened[a]; ok {
			for _, e := range expanded {
				add(e)
			}
			continue
		}
		add(a)
	}
	sort.Strings(out)
	return out
}

// flattenGroups expands every action group once, at snapshot construction,
// so evaluation never chases group references. Cycles terminate at
// maxGroupDepth.
func flattenGroups(groups map[string]ActionGroup) map[string][]string {
	flat := make(map[string][]string, len(groups))
	for name := range groups {
		members := expandGroup(name, groups, 0)
		sort.Strings(members)
		flat[name] = dedupeSorted(members)
	}
	return flat
}

func expandGroup(name string, groups map[string]ActionGroup, depth int) []string {
	if depth > maxGroupDepth {
		return nil
	}
	g, ok := groups[name]
	if !ok {
		return []string{name}
	}
	var out []string
	for _, member := range g.AllowedActions {
		if member == name {
			continue
		}
		if _, isGroup := groups[member]; isGroup {
			out = append(out, expandGroup(member, groups, depth+1)...)
			continue
		}
		out = append(out, member)
	}
	return out
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}

// IsIndexAction reports whether the action name addresses index-level
// functionality. Cluster-level actions never match index permissions.
func IsIndexAction(action string) bool {
	return strings.HasPrefix(action, "indices:")
}
