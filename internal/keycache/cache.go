// Package keycache caches external signing-key material (JWKS) for
// token verification. Reads are lock-free; a miss triggers at most one
// concurrent refresh against the provider regardless of how many
// requests observe the miss.
package keycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/searchwarden/searchwarden/internal/telemetry"
)

// ErrBadCredentials is returned when a key ID is unknown even after a
// fresh key set has been fetched from the provider. The credential was
// signed with a key the provider does not (or no longer does) vouch
// for.
var ErrBadCredentials = errors.New("bad credentials: unknown signing key")

// Provider fetches the current key set from the external source of
// truth.
type Provider interface {
	FetchKeys(ctx context.Context) (jwk.Set, error)
}

// Cache holds verification keys indexed by key ID. A lookup that misses
// refreshes the whole set once and retries; a second miss is a
// credential error, not a cache error.
type Cache struct {
	provider Provider
	keys     atomic.Pointer[map[string]any]
	group    singleflight.Group
	metrics  *telemetry.KeyCacheMetrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithKeyCacheMetrics wires refresh metrics.
func WithKeyCacheMetrics(m *telemetry.KeyCacheMetrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache over the given provider. The cache starts empty;
// the first lookup populates it.
func New(provider Provider, opts ...Option) *Cache {
	c := &Cache{provider: provider}
	empty := map[string]any{}
	c.keys.Store(&empty)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the raw verification key for the given key ID, refreshing
// the set from the provider at most once if the ID is unknown.
func (c *Cache) Key(ctx context.Context, keyID string) (any, error) {
	if key, ok := (*c.keys.Load())[keyID]; ok {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	if key, ok := (*c.keys.Load())[keyID]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: key ID %q", ErrBadCredentials, keyID)
}

// refresh fetches the key set and swaps it in. Concurrent callers share
// a single in-flight fetch; every waiter observes its result.
func (c *Cache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		set, err := c.provider.FetchKeys(ctx)
		c.metrics.RecordRefresh(ctx, err == nil)
		if err != nil {
			return nil, fmt.Errorf("fetching key set: %w", err)
		}

		keys := make(map[string]any, set.Len())
		for i := 0; i < set.Len(); i++ {
			key, ok := set.Key(i)
			if !ok {
				continue
			}
			kid, ok := key.KeyID()
			if !ok || kid == "" {
				continue
			}
			var raw any
			if err := jwk.Export(key, &raw); err != nil {
				return nil, fmt.Errorf("exporting key %q: %w", kid, err)
			}
			keys[kid] = raw
		}

		c.keys.Store(&keys)
		return nil, nil
	})
	return err
}

// Keyfunc adapts the cache to the JWT library's key resolution hook.
func (c *Cache) Keyfunc(ctx context.Context) func(kid string) (any, error) {
	return func(kid string) (any, error) {
		return c.Key(ctx, kid)
	}
}

// HTTPProvider fetches a JWKS document over HTTP.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider for the given JWKS URL. A nil
// client gets a default with a 10s timeout.
func NewHTTPProvider(url string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{url: url, client: client}
}

// FetchKeys retrieves and parses the JWKS document.
func (p *HTTPProvider) FetchKeys(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint %s returned status %d", p.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("JWKS endpoint %s returned invalid JSON", p.url)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}
	return set, nil
}
