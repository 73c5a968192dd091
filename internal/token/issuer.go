package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"

	"github.com/searchwarden/searchwarden/internal/authz"
	"github.com/searchwarden/searchwarden/internal/configstore"
	"github.com/searchwarden/searchwarden/internal/telemetry"
)

var (
	// ErrTokenCreation is returned when the requested privileges do not
	// intersect the subject's actual privileges. The message names both
	// sets.
	ErrTokenCreation = errors.New("cannot create credential")

	// ErrInvalidToken is returned for any credential that fails
	// verification: bad signature, wrong audience, missing id, expired,
	// or revoked.
	ErrInvalidToken = errors.New("invalid token")
)

// AllTokensPermission is the cluster permission that widens credential
// search and revocation beyond the caller's own credentials.
const AllTokensPermission = "cluster:admin/searchwarden/authtoken/_all"

// DefaultMaxValidity bounds credential lifetime when the configuration
// does not set one.
const DefaultMaxValidity = 24 * time.Hour

// CreateRequest describes one credential to issue.
type CreateRequest struct {
	// Name is an optional display name for the credential.
	Name string `json:"name,omitempty"`

	// Requested narrows the credential below the subject's privileges.
	Requested RequestedPrivileges `json:"requested"`

	// ExpiresAfter is the requested lifetime. Zero, negative, or
	// anything above the configured maximum is clamped to the maximum.
	ExpiresAfter time.Duration `json:"expires_after,omitempty"`
}

// Identity is the result of a successful validation: the frozen
// principal and the RoleSet reconstructed against the credential's
// pinned configuration snapshot.
type Identity struct {
	Record    *Record
	Principal *authz.Principal
	RoleSet   *authz.RoleSet
}

// Access scopes read operations over issued credentials. Subjects see
// their own credentials; All widens the view to every credential.
type Access struct {
	Subject string
	All     bool
}

// claims is the JWT payload of an issued credential. Base and Requested
// travel inside the token so holders can inspect their scope without a
// server round trip; the server trusts only the persisted record.
type claims struct {
	jwt.RegisteredClaims
	Requested *RequestedPrivileges `json:"requested,omitempty"`
	Base      BasePrivileges       `json:"base"`
}

// Issuer creates, validates and revokes scoped credentials.
type Issuer struct {
	store         Store
	config        *configstore.Store
	signingKey    []byte
	encryptionKey []byte
	audience      string
	maxValidity   time.Duration
	now           func() time.Time
	metrics       *telemetry.TokenMetrics
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithEncryptionKey enables JWE encryption of issued credentials. The
// key must be 32 bytes (A256KW).
func WithEncryptionKey(key []byte) IssuerOption {
	return func(i *Issuer) { i.encryptionKey = key }
}

// WithMaxValidity caps credential lifetime.
func WithMaxValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.maxValidity = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithTokenMetrics wires issuance and validation metrics.
func WithTokenMetrics(m *telemetry.TokenMetrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates an Issuer. The signing key must be at least 32
// bytes; the audience identifies this cluster in issued tokens.
func NewIssuer(store Store, config *configstore.Store, signingKey []byte, audience string,
	opts ...IssuerOption) (*Issuer, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	if audience == "" {
		return nil, fmt.Errorf("audience must not be empty")
	}
	i := &Issuer{
		store:       store,
		config:      config,
		signingKey:  signingKey,
		audience:    audience,
		maxValidity: DefaultMaxValidity,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.encryptionKey != nil && len(i.encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(i.encryptionKey))
	}
	return i, nil
}

// Create issues a credential for the principal, narrowed to the
// requested privileges. The credential is bound to the configuration
// snapshot current at this moment; later configuration changes do not
// affect it.
func (i *Issuer) Create(ctx context.Context, p *authz.Principal, req CreateRequest) (string, *Record, error) {
	snap, err := i.config.Current()
	if err != nil {
		return "", nil, fmt.Errorf("issuing credential: %w", err)
	}

	baseRoles := authz.ResolveRoleSet(p, snap).Names()
	effectiveRoles := intersectRoles(baseRoles, req.Requested.Roles)
	effectiveBackend := intersectRoles(p.BackendRoles, req.Requested.Roles)
	if len(effectiveRoles) == 0 && len(effectiveBackend) == 0 {
		return "", nil, fmt.Errorf("%w: requested roles %v intersect neither subject roles %v nor backend roles %v",
			ErrTokenCreation, req.Requested.Roles, baseRoles, p.BackendRoles)
	}

	validity := req.ExpiresAfter
	if validity <= 0 || validity > i.maxValidity {
		validity = i.maxValidity
	}
	now := i.now().UTC()

	rec := &Record{
		ID:      uuid.NewString(),
		Name:    req.Name,
		Subject: p.Name,
		Base: BasePrivileges{
			BackendRoles:  effectiveBackend,
			Roles:         effectiveRoles,
			Attributes:    p.Attributes,
			ConfigVersion: snap.Version(),
		},
		Requested: req.Requested,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}

	if err := i.store.Create(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("persisting credential record: %w", err)
	}

	signed, err := i.sign(rec)
	if err != nil {
		// The record without a usable token is garbage; best effort
		// cleanup.
		_ = i.store.Delete(ctx, rec.ID)
		return "", nil, err
	}

	i.metrics.RecordIssued(ctx)
	return signed, rec, nil
}

func (i *Issuer) sign(rec *Record) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rec.Subject,
			ID:        rec.ID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(rec.CreatedAt),
			NotBefore: jwt.NewNumericDate(rec.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
		Requested: &rec.Requested,
		Base:      rec.Base,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, c).SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}

	if i.encryptionKey == nil {
		return signed, nil
	}
	encrypted, err := jwe.Encrypt([]byte(signed),
		jwe.WithKey(jwa.A256KW(), i.encryptionKey),
		jwe.WithContentEncryption(jwa.A256GCM()))
	if err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	return string(encrypted), nil
}

// Validate verifies a credential string and reconstructs the identity it
// grants. Revoked credentials (record deleted) and credentials bound to
// evicted configuration versions fail; the latter permanently, with
// ErrUnknownConfigVersion.
func (i *Issuer) Validate(ctx context.Context, raw string) (*Identity, error) {
	id, err := i.validate(ctx, raw)
	i.metrics.RecordValidation(ctx, err == nil)
	return id, err
}

func (i *Issuer) validate(ctx context.Context, raw string) (*Identity, error) {
	if i.encryptionKey != nil {
		decrypted, err := jwe.Decrypt([]byte(raw), jwe.WithKey(jwa.A256KW(), i.encryptionKey))
		if err != nil {
			return nil, fmt.Errorf("%w: decryption failed", ErrInvalidToken)
		}
		raw = string(decrypted)
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(_ *jwt.Token) (any, error) {
		return i.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}

	rec, err := i.store.Get(ctx, c.ID)
	if err != nil {
		if errors.Is(err, ErrNoSuchCredential) {
			return nil, fmt.Errorf("%w: credential revoked or unknown", ErrInvalidToken)
		}
		return nil, fmt.Errorf("loading credential record: %w", err)
	}
	if rec.Expired(i.now()) {
		return nil, fmt.Errorf("%w: credential expired", ErrInvalidToken)
	}

	snap, err := i.config.Version(rec.Base.ConfigVersion)
	if err != nil {
		return nil, fmt.Errorf("credential bound to configuration version %d: %w",
			rec.Base.ConfigVersion, err)
	}

	// Base holds the already-narrowed role and backend-role sets, so
	// plain resolution against the pinned snapshot reconstructs the
	// credential's privileges, including roles mapped from the narrowed
	// backend roles.
	p := &authz.Principal{
		Name:         rec.Subject,
		BackendRoles: rec.Base.BackendRoles,
		Roles:        rec.Base.Roles,
		Attributes:   rec.Base.Attributes,
	}
	rs := authz.ResolveRoleSet(p, snap)

	return &Identity{Record: rec, Principal: p, RoleSet: rs}, nil
}

// Get returns one credential record within the caller's access scope.
// Records outside the scope are reported as absent rather than
// forbidden.
func (i *Issuer) Get(ctx context.Context, access Access, id string) (*Record, error) {
	rec, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.All && rec.Subject != access.Subject {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchCredential, id)
	}
	return rec, nil
}

// Revoke deletes the credential record, immediately invalidating the
// credential, subject to the caller's access scope.
func (i *Issuer) Revoke(ctx context.Context, access Access, id string) error {
	if _, err := i.Get(ctx, access, id); err != nil {
		return err
	}
	return i.store.Delete(ctx, id)
}

// Search lists credential records. Callers without the all-tokens
// privilege see only their own.
func (i *Issuer) Search(ctx context.Context, access Access, q Query) ([]*Record, error) {
	if !access.All {
		q.Subject = access.Subject
	}
	return i.store.Search(ctx, q)
}
