// Package telemetry provides OpenTelemetry instrumentation for the
// authorization server, exported in Prometheus format.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Meter holds the meter provider plus the Prometheus registry backing
// the /metrics endpoint.
type Meter struct {
	provider metric.MeterProvider
	registry *prometheus.Registry
}

// MeterOption configures NewMeter.
type MeterOption func(*meterConfig)

type meterConfig struct {
	serviceName    string
	serviceVersion string
	enabled        bool
}

// WithServiceName sets the service name resource attribute.
func WithServiceName(name string) MeterOption {
	return func(cfg *meterConfig) { cfg.serviceName = name }
}

// WithServiceVersion sets the service version resource attribute.
func WithServiceVersion(version string) MeterOption {
	return func(cfg *meterConfig) { cfg.serviceVersion = version }
}

// WithEnabled switches metrics collection on or off. Disabled metrics
// use a no-op provider; instruments stay callable.
func WithEnabled(enabled bool) MeterOption {
	return func(cfg *meterConfig) { cfg.enabled = enabled }
}

// NewMeter creates the meter provider. When disabled it returns a
// provider that records nothing and a nil metrics handler.
func NewMeter(opts ...MeterOption) (*Meter, error) {
	cfg := &meterConfig{serviceName: "searchwarden", serviceVersion: "unknown"}
	for _, opt := range opts {
		opt(cfg)
	}

	if !cfg.enabled {
		return &Meter{provider: noop.NewMeterProvider()}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.serviceName),
		semconv.ServiceVersion(cfg.serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	return &Meter{provider: provider, registry: registry}, nil
}

// Provider returns the meter provider for instrument creation.
func (m *Meter) Provider() metric.MeterProvider { return m.provider }

// Handler returns the HTTP handler serving the Prometheus scrape
// endpoint, or nil when metrics are disabled.
func (m *Meter) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
