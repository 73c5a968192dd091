package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchwarden/searchwarden/internal/auth"
	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/token"
	"github.com/searchwarden/searchwarden/internal/token/inmemory"
)

type fixture struct {
	router http.Handler
	store  *configstore.Store
	issuer *token.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

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
			"token_admin": {ClusterPermissions: []string{token.AllTokensPermission}},
		},
	})

	issuer, err := token.NewIssuer(inmemory.New(), store,
		[]byte("0123456789abcdef0123456789abcdef"), "searchwarden")
	require.NoError(t, err)

	facade := authz.NewFacade(store, authz.NewMerger())
	return &fixture{
		router: Router(issuer, facade, store),
		store:  store,
		issuer: issuer,
	}
}

// as issues a request with the given principal authenticated.
func (f *fixture) as(t *testing.T, p *authz.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{Principal: p}))

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func reader() *authz.Principal {
	return &authz.Principal{Name: "kirk", Roles: []string{"reader"}}
}

func admin() *authz.Principal {
	return &authz.Principal{Name: "admin", Roles: []string{"reader", "token_admin"}}
}

func TestCreateToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rr := f.as(t, reader(), http.MethodPost, "/authtokens", token.CreateRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp CreateTokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.ExpiresAt.IsZero())
}

func TestCreateToken_DisjointRolesIsBadRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rr := f.as(t, reader(), http.MethodPost, "/authtokens", token.CreateRequest{
		Requested: token.RequestedPrivileges{Roles: []string{"token_admin"}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateToken_MalformedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/authtokens", bytes.NewBufferString("{not json"))
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), &auth.Identity{Principal: reader()}))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnauthenticatedRequestFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/authtokens", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	create := f.as(t, reader(), http.MethodPost, "/authtokens", token.CreateRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, create.Code)
	var created CreateTokenResponse
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))

	t.Run("owner sees it", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodGet, "/authtokens/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var rec token.Record
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
		assert.Equal(t, "kirk", rec.Subject)
		assert.Equal(t, "ci", rec.Name)
	})

	t.Run("other subject gets 404, not 403", func(t *testing.T) {
		other := &authz.Principal{Name: "spock", Roles: []string{"reader"}}
		rr := f.as(t, other, http.MethodGet, "/authtokens/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("all-tokens privilege widens the view", func(t *testing.T) {
		rr := f.as(t, admin(), http.MethodGet, "/authtokens/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodGet, "/authtokens/nope", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestSearchTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i, p := range []*authz.Principal{reader(), reader(), {Name: "spock", Roles: []string{"reader"}}} {
		rr := f.as(t, p, http.MethodPost, "/authtokens", token.CreateRequest{Name: fmt.Sprintf("tok-%d", i)})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	decode := func(t *testing.T, rr *httptest.ResponseRecorder) []token.Record {
		t.Helper()
		var recs []token.Record
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
		return recs
	}

	t.Run("scoped to own subject", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodGet, "/authtokens", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode(t, rr), 2)
	})

	t.Run("admin sees everything", func(t *testing.T) {
		rr := f.as(t, admin(), http.MethodGet, "/authtokens", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode(t, rr), 3)
	})

	t.Run("name filter", func(t *testing.T) {
		rr := f.as(t, admin(), http.MethodGet, "/authtokens?name=tok-2", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		recs := decode(t, rr)
		require.Len(t, recs, 1)
		assert.Equal(t, "spock", recs[0].Subject)
	})

	t.Run("empty result is a JSON array", func(t *testing.T) {
		nobody := &authz.Principal{Name: "mccoy", Roles: []string{"reader"}}
		rr := f.as(t, nobody, http.MethodGet, "/authtokens", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	create := f.as(t, reader(), http.MethodPost, "/authtokens", token.CreateRequest{})
	require.Equal(t, http.StatusCreated, create.Code)
	var created CreateTokenResponse
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))

	other := &authz.Principal{Name: "spock", Roles: []string{"reader"}}
	rr := f.as(t, other, http.MethodDelete, "/authtokens/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "revocation is scoped")

	rr = f.as(t, reader(), http.MethodDelete, "/authtokens/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.as(t, reader(), http.MethodGet, "/authtokens/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTokenInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rr := f.as(t, reader(), http.MethodGet, "/authtokens/_info", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"enabled":true,"initialized":true}`, rr.Body.String())
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	t.Run("allow with restriction", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodPost, "/authz/_evaluate", EvaluateRequest{
			Action:   "indices:data/read/search",
			Resource: "finance-2024",
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp EvaluateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "allow", resp.Outcome)
		assert.Equal(t, "finance-2024", resp.Target)
		require.NotEmpty(t, resp.DLS)
	})

	t.Run("deny", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodPost, "/authz/_evaluate", EvaluateRequest{
			Action:   "indices:data/write/index",
			Resource: "finance-2024",
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp EvaluateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "deny", resp.Outcome)
		assert.NotEmpty(t, resp.Reason)
	})

	t.Run("missing fields", func(t *testing.T) {
		rr := f.as(t, reader(), http.MethodPost, "/authz/_evaluate", EvaluateRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestWriteErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", token.ErrNoSuchCredential), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", token.ErrTokenCreation), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", token.ErrInvalidToken), http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", configstore.ErrConfigUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", configstore.ErrUnknownConfigVersion), http.StatusGone},
		{fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		writeError(rr, tt.err)
		assert.Equal(t, tt.want, rr.Code, tt.err.Error())
	}
}
