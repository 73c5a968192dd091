// Package auth provides bearer-token authentication middleware for the
// API server. Two kinds of credentials are accepted: externally issued
// JWTs verified against cached provider key material, and searchwarden
// scoped credentials verified by the issuer.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/keycache"
	"github.com/searchwarden/searchwarden/internal/token"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	Principal *authz.Principal

	// RoleSet is non-nil only for scoped credentials, whose roles are
	// frozen against the snapshot pinned at issuance. Externally
	// authenticated principals resolve roles per request.
	RoleSet *authz.RoleSet

	// TokenID is the scoped-credential id, empty for external JWTs.
	TokenID string
}

// Validator turns a bearer token into an Identity.
type Validator interface {
	Name() string
	Validate(ctx context.Context, raw string) (*Identity, error)
}

// ExternalJWTConfig configures validation of externally issued JWTs.
type ExternalJWTConfig struct {
	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// RolesClaim is the claim holding backend role names, default
	// "roles".
	RolesClaim string

	// AttributePaths maps principal attribute names to claim paths.
	AttributePaths map[string]string
}

// externalJWTValidator verifies externally issued JWTs against the key
// material cache.
type externalJWTValidator struct {
	keys *keycache.Cache
	cfg  ExternalJWTConfig
}

// NewExternalJWTValidator creates a validator for externally issued
// JWTs.
func NewExternalJWTValidator(keys *keycache.Cache, cfg ExternalJWTConfig) Validator {
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	return &externalJWTValidator{keys: keys, cfg: cfg}
}

func (*externalJWTValidator) Name() string { return "external-jwt" }

func (v *externalJWTValidator) Validate(ctx context.Context, raw string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no key id")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verifying external token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("external token has no subject")
	}

	p := &authz.Principal{
		Name:         sub,
		BackendRoles: stringClaim(claims[v.cfg.RolesClaim]),
	}
	if rawClaims, ok := rawClaimsJSON(raw); ok {
		p.Attributes = authz.AttributesFromClaims(rawClaims, v.cfg.AttributePaths)
	}
	return &Identity{Principal: p}, nil
}

// stringClaim normalizes a claim that may be a string or a list of
// strings.
func stringClaim(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// rawClaimsJSON decodes the payload segment of a compact JWT so
// attribute extraction can address claims by path.
func rawClaimsJSON(raw string) ([]byte, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || !json.Valid(payload) {
		return nil, false
	}
	return payload, true
}

// scopedTokenValidator verifies searchwarden scoped credentials.
type scopedTokenValidator struct {
	issuer *token.Issuer
}

// NewScopedTokenValidator creates a validator for searchwarden scoped
// credentials.
func NewScopedTokenValidator(issuer *token.Issuer) Validator {
	return &scopedTokenValidator{issuer: issuer}
}

func (*scopedTokenValidator) Name() string { return "scoped-token" }

func (v *scopedTokenValidator) Validate(ctx context.Context, raw string) (*Identity, error) {
	id, err := v.issuer.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Principal: id.Principal,
		RoleSet:   id.RoleSet,
		TokenID:   id.Record.ID,
	}, nil
}
