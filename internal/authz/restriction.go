package authz

import (
	"encoding/json"
	"strings"
)

// DLSPolicy is the merged document-level security outcome for one
// (principal, index, action). Exactly one of MatchAll, MatchNone, or a
// non-empty Queries list describes it.
type DLSPolicy struct {
	// MatchAll marks the index fully visible at document level.
	MatchAll bool

	// MatchNone marks the index invisible: no document may be returned.
	MatchNone bool

	// Queries holds the contributing per-role DLS queries (as JSON query
	// documents, already template-expanded). A document is visible if it
	// satisfies at least one of them.
	Queries []string
}

// Render produces the single query document the query engine should
// apply: match_all / match_none sentinels, the sole query verbatim, or
// the OR of all contributing queries.
func (d DLSPolicy) Render() (json.RawMessage, error) {
	switch {
	case d.MatchNone:
		return json.RawMessage(`{"match_none":{}}`), nil
	case d.MatchAll || len(d.Queries) == 0:
		return json.RawMessage(`{"match_all":{}}`), nil
	case len(d.Queries) == 1:
		return json.RawMessage(d.Queries[0]), nil
	}

	should := make([]json.RawMessage, len(d.Queries))
	for i, q := range d.Queries {
		should[i] = json.RawMessage(q)
	}
	return json.Marshal(map[string]any{
		"bool": map[string]any{
			"should":               should,
			"minimum_should_match": 1,
		},
	})
}

// FieldRule is the field-level security contribution of one role: an
// inclusion list (only the named fields are visible) or an exclusion
// list (everything but the named fields is visible). Patterns support
// the usual wildcards.
type FieldRule struct {
	Exclude  bool
	Patterns []string
}

// Allows reports whether this rule leaves the field visible.
func (r FieldRule) Allows(field string) bool {
	matched := MatchAnyPattern(r.Patterns, field)
	if r.Exclude {
		return !matched
	}
	return matched
}

// parseFieldRule turns a raw FLS list into a FieldRule. A "~" prefix on
// any entry flips the list into exclusion mode, following the
// security-configuration convention.
func parseFieldRule(fls []string) FieldRule {
	rule := FieldRule{Patterns: make([]string, 0, len(fls))}
	for _, f := range fls {
		if strings.HasPrefix(f, "~") {
			rule.Exclude = true
			rule.Patterns = append(rule.Patterns, strings.TrimPrefix(f, "~"))
			continue
		}
		rule.Patterns = append(rule.Patterns, f)
	}
	return rule
}

// FieldPolicy is the merged field-level security outcome. A field is
// visible if at least one contributing rule allows it; it is hidden only
// if every contributing restricted entry excludes it.
type FieldPolicy struct {
	// Unrestricted is set when no contributing entry constrains fields
	// (including the case of a restricted entry that carries DLS or
	// masking but no FLS list, which allows all fields).
	Unrestricted bool

	Rules []FieldRule
}

// FieldVisible reports whether the field survives the merged policy.
func (p FieldPolicy) FieldVisible(field string) bool {
	if p.Unrestricted || len(p.Rules) == 0 {
		return true
	}
	for _, r := range p.Rules {
		if r.Allows(field) {
			return true
		}
	}
	return false
}

// FieldMask selects a masking function for fields matching a pattern.
// The raw configuration entry "pattern" or "pattern::algo" maps onto it.
type FieldMask struct {
	Pattern string
	Algo    string
}

func parseFieldMask(entry string) FieldMask {
	if pattern, algo, ok := strings.Cut(entry, "::"); ok {
		return FieldMask{Pattern: pattern, Algo: algo}
	}
	return FieldMask{Pattern: entry}
}

// MaskPolicy is the merged field-masking outcome: the union of every
// contributing restricted entry's masks. A field is masked if any entry
// masks it.
type MaskPolicy struct {
	Entries []FieldMask
}

// MaskFor returns the mask applying to the field, if any. With several
// matching masks the first contributing one wins; contributions are
// ordered by role name, so the choice is deterministic.
func (p MaskPolicy) MaskFor(field string) (FieldMask, bool) {
	for _, m := range p.Entries {
		if MatchPattern(m.Pattern, field) {
			return m, true
		}
	}
	return FieldMask{}, false
}

// EvaluatedRestriction is the merged, non-bypassable restriction for one
// (principal, index, action). It is a pure function of the RoleSet plus
// index and action, so callers may cache it for the RoleSet's lifetime.
type EvaluatedRestriction struct {
	DLS   DLSPolicy
	FLS   FieldPolicy
	Masks MaskPolicy

	// UnrestrictedContributor records whether at least one matching role
	// granted plain, unfiltered access. Under empty-overrides this also
	// means the whole restriction collapsed to unrestricted.
	UnrestrictedContributor bool
}

// DenyAll reports whether the principal may not touch the index at all
// for this action.
func (r *EvaluatedRestriction) DenyAll() bool { return r.DLS.MatchNone }

// Unrestricted reports whether no document, field, or masking
// restriction applies.
func (r *EvaluatedRestriction) Unrestricted() bool {
	return r.DLS.MatchAll && r.FLS.Unrestricted && len(r.Masks.Entries) == 0
}

func denyAllRestriction() *EvaluatedRestriction {
	return &EvaluatedRestriction{DLS: DLSPolicy{MatchNone: true}}
}

func unrestrictedRestriction(hadUnrestricted bool) *EvaluatedRestriction {
	return &EvaluatedRestriction{
		DLS:                     DLSPolicy{MatchAll: true},
		FLS:                     FieldPolicy{Unrestricted: true},
		UnrestrictedContributor: hadUnrestricted,
	}
}
