// Package token issues and validates scoped bearer credentials. A
// credential freezes a subset of the subject's privileges against the
// configuration snapshot current at creation time; later configuration
// changes never widen what the credential grants.
package token

import (
	"time"
)

// RequestedPrivileges narrows what a credential may exercise. A nil
// Roles slice requests everything the subject holds; an empty, non-nil
// slice requests nothing and fails issuance.
type RequestedPrivileges struct {
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// BasePrivileges captures the subject's standing at issuance time,
// with role and backend-role sets already narrowed to the requested
// allowlist: the identity inputs needed to re-resolve its roles
// against the frozen configuration snapshot.
type BasePrivileges struct {
	BackendRoles []string          `json:"backend_roles,omitempty" yaml:"backend_roles,omitempty"`
	Roles        []string          `json:"roles,omitempty" yaml:"roles,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// ConfigVersion pins the configuration snapshot the credential is
	// evaluated against for its whole lifetime.
	ConfigVersion uint64 `json:"config_version" yaml:"config_version"`
}

// Record is the persisted state of one issued credential. Deleting the
// record is the revocation mechanism: validation fails for any
// credential whose record is gone.
type Record struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Subject   string              `json:"subject"`
	Base      BasePrivileges      `json:"base"`
	Requested RequestedPrivileges `json:"requested"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Expired reports whether the credential's lifetime has passed at the
// given instant.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// EffectiveRoles returns the role names the credential may exercise:
// the base roles intersected with the requested allowlist. Base roles
// are narrowed at issuance, so for records this issuer wrote the
// intersection is a no-op.
func (r *Record) EffectiveRoles() []string {
	return intersectRoles(r.Base.Roles, r.Requested.Roles)
}

// intersectRoles keeps the elements of base that the allowlist names.
// A nil allowlist means no narrowing.
func intersectRoles(base, allowlist []string) []string {
	if allowlist == nil {
		out := make([]string, len(base))
		copy(out, base)
		return out
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = struct{}{}
	}
	out := make([]string, 0, len(base))
	for _, name := range base {
		if _, ok := allowed[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
