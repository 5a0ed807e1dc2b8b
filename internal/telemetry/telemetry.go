// Package telemetry provides OpenTelemetry initialization and instrumentation.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName     = "tradewire"
	serviceVersion  = "1.0.0"
	meterName       = "github.com/coachpo/tradewire"
	defaultEndpoint = "localhost:4318"
	defaultEnv      = "dev"
	exportInterval  = 30 * time.Second
)

var globalEnvironment string

// Config selects the OTLP metrics exporter. Only Enabled and the endpoint are required.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	MetricInterval time.Duration
	ServiceName    string
	Namespace      string
	Environment    string
}

// DefaultConfig reads the standard OTEL_* variables. TRADEWIRE_ENV backs up OTEL_RESOURCE_ENVIRONMENT.
func DefaultConfig() Config {
	return Config{
		Enabled:        envFlag("OTEL_ENABLED"),
		OTLPEndpoint:   envOr(defaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   envFlag("OTEL_EXPORTER_OTLP_INSECURE"),
		MetricInterval: exportInterval,
		ServiceName:    envOr(serviceName, "OTEL_SERVICE_NAME"),
		Namespace:      envOr("", "OTEL_SERVICE_NAMESPACE"),
		Environment:    envOr(defaultEnv, "OTEL_RESOURCE_ENVIRONMENT", "TRADEWIRE_ENV"),
	}
}

// envOr returns the first non-blank variable among keys, or fallback.
func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

func envFlag(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// Provider manages the OpenTelemetry meter provider.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider initializes a telemetry provider. When disabled the global no-op meter stays in place.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	globalEnvironment = strings.ToLower(cfg.Environment)
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns the shared tradewire meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	kv := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}
	if cfg.Namespace != "" {
		kv = append(kv, semconv.ServiceNamespaceKey.String(cfg.Namespace))
	}
	if cfg.Environment != "" {
		kv = append(kv, AttrEnvironment.String(strings.ToLower(cfg.Environment)))
	}
	return resource.New(ctx,
		resource.WithAttributes(kv...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost())
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = exportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(latencyView(MetricRESTDuration, []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})),
		sdkmetric.WithView(latencyView(MetricRateLimitWait, []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000, 30000})),
	), nil
}

func latencyView(name string, bounds []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

// stripScheme removes http:// or https:// prefix; the OTLP HTTP exporter expects host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}

// Environment is the lower-cased environment label set by the last NewProvider call.
func Environment() string {
	if globalEnvironment == "" {
		return defaultEnv
	}
	return globalEnvironment
}
