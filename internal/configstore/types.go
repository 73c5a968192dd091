// Package configstore holds immutable, versioned snapshots of the
// authorization configuration: role definitions, role mappings, action
// groups, and tenant definitions. A configuration write produces a new
// snapshot; readers never observe partial state.
package configstore

// Role is a named permission definition. Index permissions carry the
// optional document-level security query (DLS), the field-level security
// list (FLS), and the field-masking entries for the indices they match.
type Role struct {
	Description        string             `yaml:"description,omitempty" json:"description,omitempty"`
	ClusterPermissions []string           `yaml:"cluster_permissions,omitempty" json:"cluster_permissions,omitempty"`
	IndexPermissions   []IndexPermission  `yaml:"index_permissions,omitempty" json:"index_permissions,omitempty"`
	TenantPermissions  []TenantPermission `yaml:"tenant_permissions,omitempty" json:"tenant_permissions,omitempty"`
}

// IndexPermission grants a set of actions on indices matching the given
// patterns. An entry that specifies none of DLS, FLS, or MaskedFields
// grants plain, unfiltered access to whatever it matches.
type IndexPermission struct {
	IndexPatterns []string `yaml:"index_patterns" json:"index_patterns"`

	// DLS is a query document restricting which documents are visible.
	// It may contain ${user.name} and ${attr.<key>} placeholders that are
	// expanded against the principal at evaluation time.
	DLS string `yaml:"dls,omitempty" json:"dls,omitempty"`

	// FLS lists visible fields. Entries prefixed with "~" turn the list
	// into an exclusion list instead.
	FLS []string `yaml:"fls,omitempty" json:"fls,omitempty"`

	// MaskedFields lists fields whose values are replaced by a salted
	// hash. An entry may select the hash with a "field::algo" suffix.
	MaskedFields []string `yaml:"masked_fields,omitempty" json:"masked_fields,omitempty"`

	// AllowedActions may name concrete actions, action patterns
	// ("indices:data/read/*"), or action groups.
	AllowedActions []string `yaml:"allowed_actions" json:"allowed_actions"`
}

// TenantPermission grants access levels on tenants matching the given
// patterns. AllowedActions is drawn from AccessRead, AccessWrite and
// AccessDelete.
type TenantPermission struct {
	TenantPatterns []string `yaml:"tenant_patterns,omitempty" json:"tenant_patterns,omitempty"`
	AllowedActions []string `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty"`
}

// Tenant access levels used in TenantPermission.AllowedActions.
const (
	AccessRead   = "read"
	AccessWrite  = "write"
	AccessDelete = "delete"
)

// RoleMapping connects principals to a role by backend role name, user
// name, or host, each supporting wildcard patterns.
type RoleMapping struct {
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	BackendRoles []string `yaml:"backend_roles,omitempty" json:"backend_roles,omitempty"`
	Users        []string `yaml:"users,omitempty" json:"users,omitempty"`
	Hosts        []string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
}

// ActionGroup names a reusable set of allowed actions. Members may refer
// to other action groups; references are flattened when a snapshot is
// built.
type ActionGroup struct {
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type           string   `yaml:"type,omitempty" json:"type,omitempty"`
	AllowedActions []string `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty"`
}

// Tenant is a logical namespace mapped to a backing resource.
type Tenant struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Reserved    bool   `yaml:"reserved,omitempty" json:"reserved,omitempty"`
}

// Bundle is the mutable input to a configuration update. The store copies
// it into an immutable Snapshot; callers must not retain the maps.
type Bundle struct {
	Roles        map[string]Role        `yaml:"roles,omitempty"`
	RoleMappings map[string]RoleMapping `yaml:"roles_mapping,omitempty"`
	ActionGroups map[string]ActionGroup `yaml:"action_groups,omitempty"`
	Tenants      map[string]Tenant      `yaml:"tenants,omitempty"`
}
