// Package v1 provides the REST handlers for credential management and
// authorization decisions.
package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/searchwarden/searchwarden/internal/auth"
	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/token"
)

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateTokenResponse is the payload returned on credential creation.
// The token string appears exactly once, here; it is not recoverable
// afterwards.
type CreateTokenResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenInfoResponse reports whether credential issuance is available.
type TokenInfoResponse struct {
	Enabled     bool `json:"enabled"`
	Initialized bool `json:"initialized"`
}

// EvaluateRequest asks for an authorization decision for the calling
// identity.
type EvaluateRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// EvaluateResponse carries the decision and, when allowed, the merged
// restriction the engine must apply.
type EvaluateResponse struct {
	Outcome     string          `json:"outcome"`
	Target      string          `json:"target,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	DLS         json.RawMessage `json:"dls,omitempty"`
	FieldsOpen  bool            `json:"fields_unrestricted,omitempty"`
	MaskedField []string        `json:"masked_fields,omitempty"`
}

// Routes holds the handler dependencies.
type Routes struct {
	issuer *token.Issuer
	facade *authz.Facade
	store  *configstore.Store
}

// Router creates the /v1 router.
func Router(issuer *token.Issuer, facade *authz.Facade, store *configstore.Store) http.Handler {
	routes := &Routes{issuer: issuer, facade: facade, store: store}

	r := chi.NewRouter()
	r.Route("/authtokens", func(r chi.Router) {
		r.Post("/", routes.createToken)
		r.Get("/", routes.searchTokens)
		r.Get("/_info", routes.tokenInfo)
		r.Get("/{id}", routes.getToken)
		r.Delete("/{id}", routes.revokeToken)
	})
	r.Post("/authz/_evaluate", routes.evaluate)
	return r
}

// identity pulls the authenticated caller from the request context and
// resolves its RoleSet. Scoped credentials carry a frozen RoleSet;
// everyone else is resolved against the current snapshot.
func (rr *Routes) identity(r *http.Request) (*auth.Identity, *authz.RoleSet, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil, nil, errors.New("no authenticated identity in request context")
	}
	if id.RoleSet != nil {
		return id, id.RoleSet, nil
	}
	snap, err := rr.store.Current()
	if err != nil {
		return nil, nil, err
	}
	return id, authz.ResolveRoleSet(id.Principal, snap), nil
}

func (rr *Routes) access(id *auth.Identity, rs *authz.RoleSet) token.Access {
	return token.Access{
		Subject: id.Principal.Name,
		All:     rs.HasClusterPermission(token.AllTokensPermission),
	}
}

func (rr *Routes) createToken(w http.ResponseWriter, r *http.Request) {
	id, _, err := rr.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req token.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signed, rec, err := rr.issuer.Create(r.Context(), id.Principal, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, CreateTokenResponse{ID: rec.ID, Token: signed, ExpiresAt: rec.ExpiresAt})
}

func (rr *Routes) getToken(w http.ResponseWriter, r *http.Request) {
	id, rs, err := rr.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := rr.issuer.Get(r.Context(), rr.access(id, rs), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, rec)
}

func (rr *Routes) revokeToken(w http.ResponseWriter, r *http.Request) {
	id, rs, err := rr.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := rr.issuer.Revoke(r.Context(), rr.access(id, rs), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) searchTokens(w http.ResponseWriter, r *http.Request) {
	id, rs, err := rr.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := token.Query{Name: r.URL.Query().Get("name")}
	records, err := rr.issuer.Search(r.Context(), rr.access(id, rs), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*token.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, records)
}

func (rr *Routes) tokenInfo(w http.ResponseWriter, _ *http.Request) {
	_, err := rr.store.Current()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, TokenInfoResponse{Enabled: rr.issuer != nil, Initialized: err == nil})
}

func (rr *Routes) evaluate(w http.ResponseWriter, r *http.Request) {
	_, rs, err := rr.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" || req.Resource == "" {
		writeErrorMessage(w, http.StatusBadRequest, "action and resource are required")
		return
	}

	decision, err := rr.facade.AuthorizeRoleSet(r.Context(), rs, req.Action, req.Resource)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EvaluateResponse{
		Outcome: decision.Outcome.String(),
		Target:  decision.Target,
		Reason:  decision.Reason,
	}
	if decision.Restriction != nil {
		dls, err := decision.Restriction.DLS.Render()
		if err != nil {
			writeError(w, err)
			return
		}
		resp.DLS = dls
		resp.FieldsOpen = decision.Restriction.FLS.Unrestricted
		for _, m := range decision.Restriction.Masks.Entries {
			resp.MaskedField = append(resp.MaskedField, m.Pattern)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, data any) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, ErrorResponse{Error: message})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, token.ErrNoSuchCredential):
		status = http.StatusNotFound
	case errors.Is(err, token.ErrTokenCreation):
		status = http.StatusBadRequest
	case errors.Is(err, token.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, configstore.ErrConfigUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, configstore.ErrUnknownConfigVersion):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeErrorMessage(w, status, err.Error())
}
