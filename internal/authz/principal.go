// Package authz implements the authorization core: resolving the set of
// roles that apply to a principal, merging the per-role restrictions
// (DLS, FLS, field masking) into a single non-bypassable restriction per
// index and action, and the facade that turns all of it into a decision.
package authz

import (
	"sort"

	"github.com/tidwall/gjson"
)

// Principal is the verified identity a request acts as. It is produced by
// an authentication collaborator; this package only consumes it.
type Principal struct {
	// Name is the stable principal name (typically the JWT subject or the
	// authenticated user name).
	Name string

	// BackendRoles are role names asserted by the authentication backend
	// (LDAP groups, JWT roles claim, ...). Role mappings translate these
	// into searchwarden roles.
	BackendRoles []string

	// Roles are searchwarden role names assigned to the principal
	// directly, bypassing role mappings.
	Roles []string

	// Attributes feed ${attr.<key>} placeholders in templated DLS
	// queries and tenant patterns.
	Attributes map[string]string

	// RequestedTenant is the tenant token of the current request, empty
	// when the request is not tenant-scoped.
	RequestedTenant string
}

// AttributesFromClaims extracts principal attributes from a raw JSON
// claims document. The paths map assigns each attribute name a gjson
// path; array values are joined into a comma-separated list so they can
// be spliced into query templates.
func AttributesFromClaims(claims []byte, paths map[string]string) map[string]string {
	if len(paths) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(paths))
	for name, path := range paths {
		res := gjson.GetBytes(claims, path)
		if !res.Exists() {
			continue
		}
		if res.IsArray() {
			arr := res.Array()
			parts := make([]string, 0, len(arr))
			for _, v := range arr {
				parts = append(parts, v.String())
			}
			attrs[name] = joinCSV(parts)
			continue
		}
		attrs[name] = res.String()
	}
	return attrs
}

func joinCSV(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, p...)
	}
	return string(buf)
}

// sortedCopy returns a sorted copy of the given slice, leaving the input
// untouched.
func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
