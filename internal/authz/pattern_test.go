package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"finance-*", "finance-2024", true},
		{"finance-*", "finance-", true},
		{"finance-*", "hr-2024", false},
		{"index1-*", "index1-1", true},
		{"index1-?", "index1-1", true},
		{"index1-?", "index1-12", false},
		{"*-logs-*", "app-logs-2024", true},
		{"exact", "exact", true},
		{"exact", "exact2", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.value),
			"pattern %q value %q", tt.pattern, tt.value)
	}
}

func TestExpandTemplate(t *testing.T) {
	t.Parallel()

	p := &Principal{
		Name:         "kirk",
		BackendRoles: []string{"crew", "captains"},
		Attributes:   map[string]string{"dept": "command"},
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"user name", "logs-${user.name}", "logs-kirk"},
		{"roles sorted csv", "${user.roles}", "captains,crew"},
		{"attribute", `{"term":{"dept":"${attr.dept}"}}`, `{"term":{"dept":"command"}}`},
		{"unknown attribute stays intact", "${attr.missing}", "${attr.missing}"},
		{"unknown placeholder stays intact", "${something.else}", "${something.else}"},
		{"no placeholders", "plain", "plain"},
		{"unterminated", "x-${user.name", "x-${user.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExpandTemplate(tt.in, p))
		})
	}
}

func TestExpandTemplate_NilPrincipal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "${user.name}", ExpandTemplate("${user.name}", nil))
}
