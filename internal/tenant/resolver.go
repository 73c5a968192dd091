// Package tenant maps tenant tokens to concrete backing-resource names
// and decides tenant-level access. The mapping is deterministic: the
// same tenant always yields the same name, and generated names respect
// index-naming constraints.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/configstore"
)

// ErrAmbiguousResolution is returned when a tenant resolves to more
// backing resources of the same generation than expected. It indicates
// cluster misconfiguration and is surfaced as a server-class error.
var ErrAmbiguousResolution = errors.New("ambiguous tenant resource resolution")

// UserTenant is the sentinel tenant token meaning "the principal's own
// private tenant"; it resolves to the principal's name.
const UserTenant = "__user__"

// IndexLister enumerates concrete index names matching a pattern. The
// cluster client implements it; tests use fakes.
type IndexLister interface {
	Indices(ctx context.Context, pattern string) ([]string, error)
}

// Resolver implements tenant resolution over a base resource name
// (e.g. ".kibana"). Multiple naming-scheme generations may coexist in a
// cluster that has been upgraded in place; the resolver always selects
// the newest generation.
type Resolver struct {
	base   string
	lister IndexLister
}

// NewResolver creates a Resolver. The lister may be nil, in which case
// generation discovery is skipped and the canonical name is returned
// directly (appropriate for fresh clusters and tests).
func NewResolver(base string, lister IndexLister) *Resolver {
	return &Resolver{base: base, lister: lister}
}

var _ authz.TenantAccessResolver = (*Resolver)(nil)

// Resolve maps the tenant token to its backing resource and checks the
// principal's tenant permissions for the requested access kind.
// A denial is (_, false, nil); errors are reserved for resolution
// failures.
func (r *Resolver) Resolve(ctx context.Context, p *authz.Principal, perms []configstore.TenantPermission,
	tenantToken, access string) (string, bool, error) {
	name := tenantToken
	if name == UserTenant {
		name = p.Name
	}
	if name == "" {
		return "", false, nil
	}

	if !accessGranted(p, perms, name, access) {
		return "", false, nil
	}

	target, err := r.backingResource(ctx, name)
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

// CanonicalName returns the generation-less backing resource name for a
// tenant: base, stable hash, and sanitized tenant name.
func (r *Resolver) CanonicalName(tenant string) string {
	return fmt.Sprintf("%s_%d_%s", r.base, stableHash(tenant), sanitize(tenant))
}

// backingResource discovers the concrete resource for the tenant. With
// several coexisting generations the newest wins; two resources claiming
// the same newest generation are a misconfiguration.
func (r *Resolver) backingResource(ctx context.Context, tenant string) (string, error) {
	canonical := r.CanonicalName(tenant)
	if r.lister == nil {
		return canonical, nil
	}

	candidates, err := r.lister.Indices(ctx, canonical+"*")
	if err != nil {
		return "", fmt.Errorf("listing backing resources for tenant %q: %w", tenant, err)
	}

	switch len(candidates) {
	case 0:
		return canonical, nil
	case 1:
		return candidates[0], nil
	}

	newest, err := newestGeneration(canonical, candidates)
	if err != nil {
		return "", fmt.Errorf("tenant %q: %w", tenant, err)
	}
	return newest, nil
}

// generation is a parsed "<canonical>_<version>_<counter>" resource
// name, the naming scheme used by in-place migrations.
type generation struct {
	name    string
	version *semver.Version
	counter int
}

func newestGeneration(canonical string, candidates []string) (string, error) {
	var best *generation
	var bestCount int
	for _, c := range candidates {
		g, ok := parseGeneration(canonical, c)
		if !ok {
			// A bare canonical name is the oldest generation.
			if c == canonical {
				g = generation{name: c}
				ok = true
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: unrecognized resource %q", ErrAmbiguousResolution, c)
		}
		switch {
		case best == nil, g.newer(*best):
			gg := g
			best = &gg
			bestCount = 1
		case !best.newer(g):
			// Neither is newer: same generation twice.
			bestCount++
		}
	}
	if best == nil || bestCount > 1 {
		return "", fmt.Errorf("%w: %d resources share the newest generation", ErrAmbiguousResolution, bestCount)
	}
	return best.name, nil
}

func parseGeneration(canonical, name string) (generation, bool) {
	suffix, ok := strings.CutPrefix(name, canonical+"_")
	if !ok {
		return generation{}, false
	}
	versionPart, counterPart, ok := strings.Cut(suffix, "_")
	if !ok {
		return generation{}, false
	}
	version, err := semver.NewVersion(versionPart)
	if err != nil {
		return generation{}, false
	}
	counter, err := strconv.Atoi(counterPart)
	if err != nil {
		return generation{}, false
	}
	return generation{name: name, version: version, counter: counter}, true
}

// newer reports whether g is a strictly newer generation than other.
// A versioned generation always beats the bare canonical name.
func (g generation) newer(other generation) bool {
	switch {
	case g.version == nil:
		return false
	case other.version == nil:
		return true
	case g.version.GreaterThan(other.version):
		return true
	case other.version.GreaterThan(g.version):
		return false
	}
	return g.counter > other.counter
}

// accessGranted merges tenant permissions across roles as a union: the
// effective access level is the most permissive any role grants. Write
// and delete each imply read.
func accessGranted(p *authz.Principal, perms []configstore.TenantPermission, tenant, access string) bool {
	var read, write, del bool
	for _, perm := range perms {
		if !tenantPatternMatches(perm.TenantPatterns, tenant, p) {
			continue
		}
		for _, a := range perm.AllowedActions {
			switch a {
			case configstore.AccessRead:
				read = true
			case configstore.AccessWrite:
				write = true
			case configstore.AccessDelete:
				del = true
			}
		}
	}

	switch access {
	case configstore.AccessRead:
		return read || write || del
	case configstore.AccessWrite:
		return write
	case configstore.AccessDelete:
		return del
	}
	return false
}

func tenantPatternMatches(patterns []string, tenant string, p *authz.Principal) bool {
	for _, pattern := range patterns {
		if authz.MatchPattern(authz.ExpandTemplate(pattern, p), tenant) {
			return true
		}
	}
	return false
}

// sanitize lower-cases the tenant name and strips every character
// outside [a-z0-9], guaranteeing the generated resource name satisfies
// index-naming constraints.
func sanitize(tenant string) string {
	var b strings.Builder
	b.Grow(len(tenant))
	for _, c := range strings.ToLower(tenant) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// stableHash is the 32-bit polynomial string hash the original naming
// scheme used; it must never change, existing clusters depend on the
// generated names.
func stableHash(s string) int32 {
	var h int32
	for _, c := range s {
		h = 31*h + c
	}
	return h
}
