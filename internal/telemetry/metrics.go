package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// AuthzMeterName is the meter name for authorization metrics.
	AuthzMeterName = "github.com/searchwarden/searchwarden/authz"

	// TokenMeterName is the meter name for scoped-credential metrics.
	TokenMeterName = "github.com/searchwarden/searchwarden/token"

	// KeyCacheMeterName is the meter name for key-material cache metrics.
	KeyCacheMeterName = "github.com/searchwarden/searchwarden/keycache"
)

// AuthzMetrics holds the instruments for authorization decisions. All
// methods are nil-safe so callers can run without metrics wired.
type AuthzMetrics struct {
	decisions     metric.Int64Counter
	mergeDuration metric.Float64Histogram
}

// NewAuthzMetrics creates the authorization instruments. A nil provider
// yields nil (no-op metrics).
func NewAuthzMetrics(provider metric.MeterProvider) (*AuthzMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(AuthzMeterName)

	decisions, err := meter.Int64Counter(
		"swd_authz_decisions_total",
		metric.WithDescription("Authorization decisions by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	mergeDuration, err := meter.Float64Histogram(
		"swd_authz_merge_duration_seconds",
		metric.WithDescription("Duration of restriction-merge evaluation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.001, 0.01, 0.1, 1),
	)
	if err != nil {
		return nil, err
	}

	return &AuthzMetrics{decisions: decisions, mergeDuration: mergeDuration}, nil
}

// RecordDecision counts one authorization decision.
func (m *AuthzMetrics) RecordDecision(ctx context.Context, action string, allowed bool) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
	))
}

// RecordMergeDuration records the duration of one restriction
// evaluation.
func (m *AuthzMetrics) RecordMergeDuration(ctx context.Context, d time.Duration) {
	if m == nil || m.mergeDuration == nil {
		return
	}
	m.mergeDuration.Record(ctx, d.Seconds())
}

// TokenMetrics holds the instruments for scoped-credential issuance and
// validation.
type TokenMetrics struct {
	issued      metric.Int64Counter
	validations metric.Int64Counter
}

// NewTokenMetrics creates the token instruments. A nil provider yields
// nil (no-op metrics).
func NewTokenMetrics(provider metric.MeterProvider) (*TokenMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TokenMeterName)

	issued, err := meter.Int64Counter(
		"swd_tokens_issued_total",
		metric.WithDescription("Scoped credentials issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	validations, err := meter.Int64Counter(
		"swd_token_validations_total",
		metric.WithDescription("Scoped-credential validations by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, err
	}

	return &TokenMetrics{issued: issued, validations: validations}, nil
}

// RecordIssued counts one issued credential.
func (m *TokenMetrics) RecordIssued(ctx context.Context) {
	if m == nil || m.issued == nil {
		return
	}
	m.issued.Add(ctx, 1)
}

// RecordValidation counts one validation attempt.
func (m *TokenMetrics) RecordValidation(ctx context.Context, success bool) {
	if m == nil || m.validations == nil {
		return
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// KeyCacheMetrics holds the instruments for the external key-material
// cache.
type KeyCacheMetrics struct {
	refreshes metric.Int64Counter
}

// NewKeyCacheMetrics creates the key-cache instruments. A nil provider
// yields nil (no-op metrics).
func NewKeyCacheMetrics(provider metric.MeterProvider) (*KeyCacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(KeyCacheMeterName)

	refreshes, err := meter.Int64Counter(
		"swd_keycache_refreshes_total",
		metric.WithDescription("Key-set refreshes against the external provider by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	return &KeyCacheMetrics{refreshes: refreshes}, nil
}

// RecordRefresh counts one refresh attempt against the external key
// provider.
func (m *KeyCacheMetrics) RecordRefresh(ctx context.Context, success bool) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
