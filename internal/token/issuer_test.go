package token_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/token"
	"github.com/searchwarden/searchwarden/internal/token/inmemory"
)

var signingKey = []byte("0123456789abcdef0123456789abcdef")

func testBundle() configstore.Bundle {
	return configstore.Bundle{
		Roles: map[string]configstore.Role{
			"reader": {IndexPermissions: []configstore.IndexPermission{
				{IndexPatterns: []string{"logs-*"}, AllowedActions: []string{"indices:data/read/*"}},
			}},
			"writer": {IndexPermissions: []configstore.IndexPermission{
				{IndexPatterns: []string{"logs-*"}, AllowedActions: []string{"indices:data/write/*"}},
			}},
		},
	}
}

func newIssuer(t *testing.T, opts ...token.IssuerOption) (*token.Issuer, *configstore.Store, *inmemory.Store) {
	t.Helper()
	config := configstore.NewStore(2)
	config.Update(testBundle())
	store := inmemory.New()
	issuer, err := token.NewIssuer(store, config, signingKey, "searchwarden", opts...)
	require.NoError(t, err)
	return issuer, config, store
}

func kirk() *authz.Principal {
	return &authz.Principal{Name: "kirk", Roles: []string{"reader", "writer"}}
}

func TestNewIssuer_KeyRequirements(t *testing.T) {
	t.Parallel()

	config := configstore.NewStore(0)
	_, err := token.NewIssuer(inmemory.New(), config, []byte("short"), "aud")
	require.Error(t, err)

	_, err = token.NewIssuer(inmemory.New(), config, signingKey, "")
	require.Error(t, err)

	_, err = token.NewIssuer(inmemory.New(), config, signingKey, "aud",
		token.WithEncryptionKey([]byte("too-short")))
	require.Error(t, err)
}

func TestIssuer_CreateValidateRoundTrip(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	raw, rec, err := issuer.Create(ctx, kirk(), token.CreateRequest{Name: "ci"})
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, 3, len(strings.Split(raw, ".")), "unencrypted credential is a compact JWS")
	assert.Equal(t, "kirk", rec.Subject)
	assert.ElementsMatch(t, []string{"reader", "writer"}, rec.Base.Roles)

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id.Record.ID)
	assert.Equal(t, "kirk", id.Principal.Name)
	assert.Equal(t, []string{"reader", "writer"}, id.RoleSet.Names())
}

func TestIssuer_RequestedRolesNarrow(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	raw, rec, err := issuer.Create(ctx, kirk(), token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{"reader"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, rec.EffectiveRoles())

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, id.RoleSet.Names())
}

func TestIssuer_AllowlistNarrowsBackendRoles(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	p := kirk()
	p.BackendRoles = []string{"ldap-admins", "ldap-users"}

	raw, rec, err := issuer.Create(ctx, p, token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{"reader", "ldap-admins"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, rec.Base.Roles)
	assert.Equal(t, []string{"ldap-admins"}, rec.Base.BackendRoles,
		"backend roles outside the allowlist must not travel with the credential")

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"ldap-admins"}, id.Principal.BackendRoles)
	assert.Equal(t, []string{"reader"}, id.RoleSet.Names())
}

func TestIssuer_BackendRoleIntersectionAloneSuffices(t *testing.T) {
	t.Parallel()

	config := configstore.NewStore(2)
	config.Update(configstore.Bundle{
		Roles: map[string]configstore.Role{
			"ops": {IndexPermissions: []configstore.IndexPermission{
				{IndexPatterns: []string{"ops-*"}, AllowedActions: []string{"indices:data/read/*"}},
			}},
		},
		RoleMappings: map[string]configstore.RoleMapping{
			"ops": {BackendRoles: []string{"ldap-admins"}},
		},
	})
	issuer, err := token.NewIssuer(inmemory.New(), config, signingKey, "searchwarden")
	require.NoError(t, err)
	ctx := context.Background()

	p := &authz.Principal{Name: "scotty", BackendRoles: []string{"ldap-admins"}}

	// "ldap-admins" names no role, so the role-name intersection is
	// empty; the backend-role intersection alone carries issuance.
	raw, rec, err := issuer.Create(ctx, p, token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{"ldap-admins"}},
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Base.Roles)
	assert.Equal(t, []string{"ldap-admins"}, rec.Base.BackendRoles)

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, id.RoleSet.Names(),
		"the mapping from the kept backend role re-applies at validation")
}

func TestIssuer_CreateRejectsDisjointRequest(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	// Roles the subject does not hold must never be obtainable through a
	// credential.
	_, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{"admin"}},
	})
	require.ErrorIs(t, err, token.ErrTokenCreation)
	assert.Contains(t, err.Error(), "admin")
	assert.Contains(t, err.Error(), "reader")
}

func TestIssuer_CreateRejectsEmptyAllowlist(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)

	// nil requests everything; empty non-nil requests nothing.
	_, _, err := issuer.Create(context.Background(), kirk(), token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{}},
	})
	require.ErrorIs(t, err, token.ErrTokenCreation)
}

func TestIssuer_ValidityClamping(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, _, _ := newIssuer(t,
		token.WithMaxValidity(time.Hour),
		token.WithClock(func() time.Time { return base }),
	)
	ctx := context.Background()

	tests := []struct {
		name  string
		after time.Duration
		want  time.Duration
	}{
		{"zero means maximum", 0, time.Hour},
		{"above maximum is clamped", 100 * time.Hour, time.Hour},
		{"below maximum is honored", 30 * time.Minute, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rec, err := issuer.Create(ctx, kirk(), token.CreateRequest{ExpiresAfter: tt.after})
			require.NoError(t, err)
			assert.Equal(t, base.Add(tt.want), rec.ExpiresAt)
		})
	}
}

func TestIssuer_ExpiredCredential(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, _, _ := newIssuer(t,
		token.WithMaxValidity(time.Hour),
		token.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	raw, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Validate(ctx, raw)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestIssuer_RevocationInvalidatesImmediately(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	raw, rec, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)

	_, err = issuer.Validate(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, token.Access{Subject: "kirk"}, rec.ID))

	_, err = issuer.Validate(ctx, raw)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestIssuer_FrozenConfigurationSnapshot(t *testing.T) {
	t.Parallel()

	issuer, config, _ := newIssuer(t)
	ctx := context.Background()

	raw, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)

	// Removing the roles after issuance must not affect the credential:
	// it is evaluated against its pinned snapshot.
	config.Update(configstore.Bundle{})

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "writer"}, id.RoleSet.Names())
}

func TestIssuer_EvictedSnapshotFailsPermanently(t *testing.T) {
	t.Parallel()

	issuer, config, _ := newIssuer(t)
	ctx := context.Background()

	raw, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)

	// Push the pinned version out of the retention window.
	for i := 0; i < 5; i++ {
		config.Update(testBundle())
	}

	_, err = issuer.Validate(ctx, raw)
	require.ErrorIs(t, err, configstore.ErrUnknownConfigVersion)
}

func TestIssuer_EncryptedCredentials(t *testing.T) {
	t.Parallel()

	encKey := []byte("fedcba9876543210fedcba9876543210")
	issuer, _, _ := newIssuer(t, token.WithEncryptionKey(encKey))
	ctx := context.Background()

	raw, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, len(strings.Split(raw, ".")), "encrypted credential is a compact JWE")

	id, err := issuer.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "kirk", id.Principal.Name)

	// A verifier without the encryption key cannot use the credential.
	plain, _, _ := newIssuer(t)
	_, err = plain.Validate(ctx, raw)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestIssuer_AudienceMismatch(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	raw, _, err := issuer.Create(ctx, kirk(), token.CreateRequest{})
	require.NoError(t, err)

	config := configstore.NewStore(0)
	config.Update(testBundle())
	other, err := token.NewIssuer(inmemory.New(), config, signingKey, "other-cluster")
	require.NoError(t, err)

	_, err = other.Validate(ctx, raw)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestIssuer_GarbledCredential(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	_, err := issuer.Validate(context.Background(), "not.a.token")
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestIssuer_AccessScoping(t *testing.T) {
	t.Parallel()

	issuer, _, _ := newIssuer(t)
	ctx := context.Background()

	_, kirkRec, err := issuer.Create(ctx, kirk(), token.CreateRequest{Name: "kirk-ci"})
	require.NoError(t, err)
	_, spockRec, err := issuer.Create(ctx,
		&authz.Principal{Name: "spock", Roles: []string{"reader"}},
		token.CreateRequest{Name: "spock-ci"})
	require.NoError(t, err)

	own := token.Access{Subject: "kirk"}
	all := token.Access{Subject: "admin", All: true}

	t.Run("get outside scope reads as absent", func(t *testing.T) {
		_, err := issuer.Get(ctx, own, spockRec.ID)
		require.ErrorIs(t, err, token.ErrNoSuchCredential)

		rec, err := issuer.Get(ctx, all, spockRec.ID)
		require.NoError(t, err)
		assert.Equal(t, "spock", rec.Subject)
	})

	t.Run("search without the all privilege sees only own records", func(t *testing.T) {
		recs, err := issuer.Search(ctx, own, token.Query{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, kirkRec.ID, recs[0].ID)

		recs, err = issuer.Search(ctx, all, token.Query{})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("revoke outside scope is refused", func(t *testing.T) {
		err := issuer.Revoke(ctx, own, spockRec.ID)
		require.ErrorIs(t, err, token.ErrNoSuchCredential)

		_, err = issuer.Get(ctx, all, spockRec.ID)
		require.NoError(t, err, "record survives the refused revocation")
	})
}
