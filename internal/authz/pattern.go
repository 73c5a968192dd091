package authz

import "strings"

// MatchPattern reports whether value matches the wildcard pattern. The
// pattern language is the security-configuration convention: '*' matches
// any run of characters (including none) and '?' matches exactly one.
// There is no escaping; names never contain the wildcard characters.
func MatchPattern(pattern, value string) bool {
	// Iterative glob match with single-star backtracking.
	var (
		p, v         int
		starP, starV = -1, 0
	)
	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starV = v
			p++
		case starP >= 0:
			starV++
			p = starP + 1
			v = starV
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// MatchAnyPattern reports whether value matches at least one pattern.
func MatchAnyPattern(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}

// ExpandTemplate substitutes principal placeholders in a pattern or DLS
// query template: ${user.name}, ${user.roles} (comma-separated backend
// roles), and ${attr.<key>}. Unknown placeholders are left intact so a
// template referring to an attribute the principal lacks never silently
// widens into a match-anything expression.
func ExpandTemplate(s string, p *Principal) string {
	if p == nil || !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start
		b.WriteString(s[:start])
		name := s[start+2 : end]
		if val, ok := lookupPlaceholder(name, p); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
}

func lookupPlaceholder(name string, p *Principal) (string, bool) {
	switch {
	case name == "user.name":
		return p.Name, true
	case name == "user.roles":
		return joinCSV(sortedCopy(p.BackendRoles)), true
	case strings.HasPrefix(name, "attr."):
		val, ok := p.Attributes[strings.TrimPrefix(name, "attr.")]
		return val, ok
	}
	return "", false
}
