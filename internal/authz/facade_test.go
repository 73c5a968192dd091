package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchwarden/searchwarden/internal/configstore"
)

type fakeTenantResolver struct {
	target  string
	allowed bool
	err     error

	gotTenant string
	gotAccess string
}

func (f *fakeTenantResolver) Resolve(_ context.Context, _ *Principal, _ []configstore.TenantPermission,
	tenantToken, access string) (string, bool, error) {
	f.gotTenant = tenantToken
	f.gotAccess = access
	return f.target, f.allowed, f.err
}

func TestFacade_FailsClosedWithoutConfiguration(t *testing.T) {
	t.Parallel()

	facade := NewFacade(configstore.NewStore(0), NewMerger())
	decision, err := facade.Authorize(context.Background(), &Principal{Name: "x"},
		"indices:data/read/search", "idx")

	require.ErrorIs(t, err, configstore.ErrConfigUnavailable)
	assert.Equal(t, OutcomeDeny, decision.Outcome)
}

func TestFacade_AllowWithRestriction(t *testing.T) {
	t.Parallel()

	store := configstore.NewStore(0)
	store.Update(configstore.Bundle{
		Roles: map[string]configstore.Role{
			"reader": {IndexPermissions: []configstore.IndexPermission{
				{
					IndexPatterns:  []string{"finance-*"},
					AllowedActions: []string{"indices:data/read/*"},
					DLS:            `{"term":{"dept":"sales"}}`,
				},
			}},
		},
	})
	facade := NewFacade(store, NewMerger())

	decision, err := facade.Authorize(context.Background(),
		&Principal{Name: "u", Roles: []string{"reader"}},
		"indices:data/read/search", "finance-2024")

	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, decision.Outcome)
	assert.Equal(t, "finance-2024", decision.Target)
	require.NotNil(t, decision.Restriction)
	assert.False(t, decision.Restriction.Unrestricted())
}

func TestFacade_DenyWhenNothingMatches(t *testing.T) {
	t.Parallel()

	store := configstore.NewStore(0)
	store.Update(configstore.Bundle{})
	facade := NewFacade(store, NewMerger())

	decision, err := facade.Authorize(context.Background(), &Principal{Name: "nobody"},
		"indices:data/read/search", "idx")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, decision.Outcome)
	assert.NotEmpty(t, decision.Reason)
}

func TestFacade_TenantRewrite(t *testing.T) {
	t.Parallel()

	store := configstore.NewStore(0)
	store.Update(configstore.Bundle{
		Roles: map[string]configstore.Role{
			"tenant_user": {IndexPermissions: []configstore.IndexPermission{
				{IndexPatterns: []string{".kibana*"}, AllowedActions: []string{"indices:data/*"}},
			}},
		},
	})

	resolver := &fakeTenantResolver{target: ".kibana_12345_finance", allowed: true}
	facade := NewFacade(store, NewMerger(), WithTenantResolver(resolver))

	decision, err := facade.Authorize(context.Background(),
		&Principal{Name: "u", Roles: []string{"tenant_user"}},
		"indices:data/write/index", "tenant:finance")

	require.NoError(t, err)
	assert.Equal(t, OutcomeRewrite, decision.Outcome)
	assert.Equal(t, ".kibana_12345_finance", decision.Target)
	assert.Equal(t, "finance", resolver.gotTenant)
	assert.Equal(t, configstore.AccessWrite, resolver.gotAccess)
}

func TestFacade_TenantDenied(t *testing.T) {
	t.Parallel()

	store := configstore.NewStore(0)
	store.Update(configstore.Bundle{
		Roles: map[string]configstore.Role{"r": {}},
	})

	t.Run("resolver says no", func(t *testing.T) {
		t.Parallel()
		facade := NewFacade(store, NewMerger(), WithTenantResolver(&fakeTenantResolver{allowed: false}))
		decision, err := facade.Authorize(context.Background(),
			&Principal{Name: "u", Roles: []string{"r"}},
			"indices:data/read/search", "tenant:finance")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, decision.Outcome)
	})

	t.Run("resolver error surfaces", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("ambiguous")
		facade := NewFacade(store, NewMerger(), WithTenantResolver(&fakeTenantResolver{err: boom}))
		decision, err := facade.Authorize(context.Background(),
			&Principal{Name: "u", Roles: []string{"r"}},
			"indices:data/read/search", "tenant:finance")
		require.ErrorIs(t, err, boom)
		assert.Equal(t, OutcomeDeny, decision.Outcome)
	})

	t.Run("no resolver configured", func(t *testing.T) {
		t.Parallel()
		facade := NewFacade(store, NewMerger())
		decision, err := facade.Authorize(context.Background(),
			&Principal{Name: "u", Roles: []string{"r"}},
			"indices:data/read/search", "tenant:finance")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, decision.Outcome)
	})
}

func TestAccessKindForAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action string
		want   string
	}{
		{"indices:data/read/search", configstore.AccessRead},
		{"indices:data/write/index", configstore.AccessWrite},
		{"indices:admin/create", configstore.AccessWrite},
		{"indices:data/write/delete", configstore.AccessDelete},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, accessKindForAction(tt.action), tt.action)
	}
}
