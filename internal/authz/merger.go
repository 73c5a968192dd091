package authz

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/searchwarden/searchwarden/internal/configstore"
)

// ClauselessDLSMode controls how a restricted entry that carries FLS or
// masking but no DLS clause participates in the merged DLS disjunction.
type ClauselessDLSMode string

const (
	// ClauselessUnrestricted treats the clause-less entry as granting
	// full document visibility, making the disjunction match-all. This is
	// the default: a role that only constrains fields does not constrain
	// documents.
	ClauselessUnrestricted ClauselessDLSMode = "unrestricted"

	// ClauselessExcluded leaves the clause-less entry out of the
	// disjunction entirely; only entries with an explicit DLS clause
	// contribute document visibility.
	ClauselessExcluded ClauselessDLSMode = "excluded"
)

const defaultRestrictionCacheSize = 4096

// Merger combines every matching index-permission entry of a RoleSet
// into a single EvaluatedRestriction per (index, action). Evaluation is
// pure; results are cached keyed by the RoleSet identity.
type Merger struct {
	emptyOverridesAll bool
	clauseless        ClauselessDLSMode
	cache             *lru.Cache[string, *EvaluatedRestriction]
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithEmptyOverridesAll controls the system-wide combination rule: when
// enabled, a single unrestricted matching role drops every DLS/FLS/FM
// restriction other roles place on the same index and action.
func WithEmptyOverridesAll(enabled bool) MergerOption {
	return func(m *Merger) { m.emptyOverridesAll = enabled }
}

// WithClauselessDLSMode selects the treatment of restricted entries
// without a DLS clause.
func WithClauselessDLSMode(mode ClauselessDLSMode) MergerOption {
	return func(m *Merger) { m.clauseless = mode }
}

// WithRestrictionCacheSize bounds the evaluation cache. A size of zero
// or less disables caching.
func WithRestrictionCacheSize(size int) MergerOption {
	return func(m *Merger) {
		if size <= 0 {
			m.cache = nil
			return
		}
		cache, err := lru.New[string, *EvaluatedRestriction](size)
		if err != nil {
			// lru.New only fails on a non-positive size.
			return
		}
		m.cache = cache
	}
}

// NewMerger creates a Merger. Defaults: empty-overrides disabled,
// clause-less DLS entries treated as unrestricted, cache enabled.
func NewMerger(opts ...MergerOption) *Merger {
	m := &Merger{clauseless: ClauselessUnrestricted}
	cache, _ := lru.New[string, *EvaluatedRestriction](defaultRestrictionCacheSize)
	m.cache = cache
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate computes the merged restriction for the RoleSet on the given
// index and action. An empty RoleSet, or one without any matching
// permission entry, yields deny-all; that is a normal result, not an
// error.
func (m *Merger) Evaluate(rs *RoleSet, index, action string) *EvaluatedRestriction {
	if rs.Empty() {
		return denyAllRestriction()
	}

	key := rs.ID() + "|" + index + "|" + action
	if m.cache != nil {
		if cached, ok := m.cache.Get(key); ok {
			return cached
		}
	}

	result := m.evaluate(rs, index, action)
	if m.cache != nil {
		m.cache.Add(key, result)
	}
	return result
}

func (m *Merger) evaluate(rs *RoleSet, index, action string) *EvaluatedRestriction {
	principal := rs.Principal()
	snap := rs.Snapshot()

	var restricted, unrestricted []matchedEntry
	for _, nr := range rs.roles {
		for _, perm := range nr.role.IndexPermissions {
			if !entryMatches(perm.IndexPatterns, index, principal) {
				continue
			}
			if !actionAllowed(snap.ResolveActions(perm.AllowedActions), action) {
				continue
			}
			entry := matchedEntry{role: nr.name, perm: perm}
			if entry.restricted() {
				restricted = append(restricted, entry)
			} else {
				unrestricted = append(unrestricted, entry)
			}
		}
	}

	if len(restricted)+len(unrestricted) == 0 {
		return denyAllRestriction()
	}

	hadUnrestricted := len(unrestricted) > 0

	// With empty-overrides a single plain grant wins outright. Without
	// it, plain grants contribute nothing: every restricted match keeps
	// its restriction.
	if hadUnrestricted && m.emptyOverridesAll {
		return unrestrictedRestriction(true)
	}
	if len(restricted) == 0 {
		return unrestrictedRestriction(hadUnrestricted)
	}

	result := &EvaluatedRestriction{UnrestrictedContributor: hadUnrestricted}
	result.DLS = m.mergeDLS(restricted, principal)
	result.FLS = mergeFLS(restricted)
	result.Masks = mergeMasks(restricted)
	return result
}

type matchedEntry struct {
	role string
	perm configstore.IndexPermission
}

func (e matchedEntry) restricted() bool {
	return e.perm.DLS != "" || len(e.perm.FLS) > 0 || len(e.perm.MaskedFields) > 0
}

func entryMatches(patterns []string, index string, p *Principal) bool {
	for _, pattern := range patterns {
		if MatchPattern(ExpandTemplate(pattern, p), index) {
			return true
		}
	}
	return false
}

func actionAllowed(resolved []string, action string) bool {
	return MatchAnyPattern(resolved, action)
}

// mergeDLS builds the disjunction of the contributing DLS clauses: a
// document is visible if it satisfies at least one applicable role's
// query.
func (m *Merger) mergeDLS(restricted []matchedEntry, p *Principal) DLSPolicy {
	var queries []string
	for _, e := range restricted {
		if e.perm.DLS == "" {
			if m.clauseless == ClauselessUnrestricted {
				// A contributing role that does not constrain documents
				// grants full visibility; the OR collapses.
				return DLSPolicy{MatchAll: true}
			}
			continue
		}
		queries = append(queries, ExpandTemplate(e.perm.DLS, p))
	}
	if len(queries) == 0 {
		return DLSPolicy{MatchAll: true}
	}
	return DLSPolicy{Queries: queries}
}

// mergeFLS unions field visibility: a field is visible if at least one
// contributing entry allows it. An entry without an FLS list allows all
// fields, which makes the merged policy unrestricted.
func mergeFLS(restricted []matchedEntry) FieldPolicy {
	var rules []FieldRule
	for _, e := range restricted {
		if len(e.perm.FLS) == 0 {
			return FieldPolicy{Unrestricted: true}
		}
		rules = append(rules, parseFieldRule(e.perm.FLS))
	}
	return FieldPolicy{Rules: rules}
}

// mergeMasks unions the masks of every contributing entry: a field is
// masked if at least one entry masks it, even if other entries do not
// mention the field at all.
func mergeMasks(restricted []matchedEntry) MaskPolicy {
	var entries []FieldMask
	for _, e := range restricted {
		for _, raw := range e.perm.MaskedFields {
			entries = append(entries, parseFieldMask(raw))
		}
	}
	return MaskPolicy{Entries: entries}
}
