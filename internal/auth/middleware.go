package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// errAllValidatorsFailed indicates every validator rejected the token
// during sequential fallback.
var errAllValidatorsFailed = errors.New("no validator accepted the token")

// RFC 6750 Section 3 error codes.
const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInvalidToken   = "invalid_token"
)

// defaultRealm is the default protection space identifier.
const defaultRealm = "searchwarden"

type identityContextKey struct{}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// ContextWithIdentity attaches an identity to the context. Exposed for
// handler tests.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// Middleware authenticates requests by trying each validator in order
// and attaches the resulting Identity to the request context.
type Middleware struct {
	validators []Validator
	realm      string
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithRealm sets the protection space advertised in WWW-Authenticate.
func WithRealm(realm string) MiddlewareOption {
	return func(m *Middleware) {
		if realm != "" {
			m.realm = realm
		}
	}
}

// NewMiddleware creates an authentication middleware over the given
// validators. At least one validator is required.
func NewMiddleware(validators []Validator, opts ...MiddlewareOption) (*Middleware, error) {
	if len(validators) == 0 {
		return nil, errors.New("at least one validator must be configured")
	}
	m := &Middleware{validators: validators, realm: defaultRealm}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handler wraps next with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r)
		if err != nil {
			slog.Warn("Token extraction failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			m.writeError(w, http.StatusUnauthorized, errorCodeInvalidRequest,
				"missing or malformed authorization header")
			return
		}

		id, validator, err := m.validate(r.Context(), raw)
		if err != nil {
			slog.Warn("Token validation failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			m.writeError(w, http.StatusUnauthorized, errorCodeInvalidToken, "token validation failed")
			return
		}

		slog.Debug("Authentication successful",
			"validator", validator,
			"subject", id.Principal.Name,
			"path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// validate tries each validator in order; the first success wins.
func (m *Middleware) validate(ctx context.Context, raw string) (*Identity, string, error) {
	var errs []error
	for _, v := range m.validators {
		id, err := v.Validate(ctx, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v.Name(), err))
			slog.Debug("Validator rejected token", "validator", v.Name(), "error", err)
			continue
		}
		return id, v.Name(), nil
	}
	return nil, "", fmt.Errorf("%w: %w", errAllValidatorsFailed, errors.Join(errs...))
}

// extractBearerToken pulls the token out of the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return tok, nil
}

// sanitizeHeaderValue removes characters that could enable header
// injection.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// writeError writes a JSON error with an RFC 6750 WWW-Authenticate
// header.
func (m *Middleware) writeError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm="%s", error="%s", error_description="%s"`,
		sanitizeHeaderValue(m.realm), errCode, sanitizeHeaderValue(description)))
	w.WriteHeader(status)

	resp := struct {
		Error string `json:"error"`
	}{Error: description}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// WrapWithPublicPaths bypasses authentication for the listed paths.
// A trailing "*" in an entry matches by prefix.
func WrapWithPublicPaths(authMw func(http.Handler) http.Handler,
	publicPaths []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authWrappedNext := authMw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicPath(r.URL.Path, publicPaths) {
				next.ServeHTTP(w, r)
				return
			}
			authWrappedNext.ServeHTTP(w, r)
		})
	}
}

// IsPublicPath reports whether the request path matches one of the
// configured public paths.
func IsPublicPath(path string, publicPaths []string) bool {
	for _, p := range publicPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}
