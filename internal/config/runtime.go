package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/importer"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/signer"
	"github.com/coachpo/tradewire/internal/stream"
	"github.com/coachpo/tradewire/internal/telemetry"
	"github.com/coachpo/tradewire/internal/webhook"
)

func parseClass(name string) (ratelimit.Class, error) {
	switch c := ratelimit.Class(strings.ToLower(strings.TrimSpace(name))); c {
	case ratelimit.ClassOrder, ratelimit.ClassQuery, ratelimit.ClassMarket:
		return c, nil
	default:
		return "", fmt.Errorf("rateLimits: unknown class %q", name)
	}
}

// RESTConfig maps the exchange section onto the REST client.
func (c AppConfig) RESTConfig() rest.Config {
	return rest.Config{
		BaseURL:     c.Exchange.RESTBaseURL,
		Timeout:     c.Exchange.Timeout,
		MaxAttempts: c.Exchange.MaxAttempts,
	}
}

// Buckets overlays configured classes on the exchange defaults.
func (c AppConfig) Buckets() map[ratelimit.Class]ratelimit.BucketConfig {
	buckets := ratelimit.DefaultBuckets()
	for name, spec := range c.RateLimits {
		class, err := parseClass(name)
		if err != nil {
			continue
		}
		b := buckets[class]
		if spec.Capacity > 0 {
			b.Capacity = spec.Capacity
		}
		if spec.Window > 0 {
			b.Window = spec.Window
		}
		if spec.Header != "" {
			b.Header = spec.Header
		}
		buckets[class] = b
	}
	return buckets
}

// StreamConfig returns shared connection timings. Zero values fall back to stream defaults.
func (c AppConfig) StreamConfig() stream.Config {
	s := c.Streams
	return stream.Config{
		PingInterval:      s.PingInterval,
		PongTimeout:       s.PongTimeout,
		ReadTimeout:       s.ReadTimeout,
		AckTimeout:        s.AckTimeout,
		MaxResyncFailures: s.MaxResyncFailures,
		ListenKeyRefresh:  s.ListenKeyRefresh,
		InitialBackoff:    s.InitialBackoff,
		MaxBackoff:        s.MaxBackoff,
	}
}

// BusConfig returns the in-memory bus sizing.
func (c AppConfig) BusConfig() bus.MemoryConfig {
	return bus.MemoryConfig{BufferSize: c.Bus.BufferSize, FanoutWorkers: c.Bus.FanoutWorkers}
}

// LedgerConfig returns the ledger tunables.
func (c AppConfig) LedgerConfig() ledger.Config {
	l := c.Ledger
	return ledger.Config{
		Workers:           l.Workers,
		QueueSize:         l.QueueSize,
		ReconcileAfter:    l.ReconcileAfter,
		ReconcileInterval: l.ReconcileInterval,
		UnknownGrace:      l.UnknownGrace,
	}
}

// ReleasePolicy parses the coordinator release setting.
func (c AppConfig) ReleasePolicy() coordinator.ReleasePolicy {
	p, err := coordinator.ParseReleasePolicy(c.Coordinator.Release)
	if err != nil {
		return coordinator.ReleaseOnAck
	}
	return p
}

// WebhookConfig returns the handler settings.
func (c AppConfig) WebhookConfig() webhook.Config {
	return webhook.Config{
		Path:     c.Webhook.Path,
		MaxBody:  c.Webhook.MaxBody,
		MaxSkew:  c.Webhook.MaxSkew,
		Window:   c.Webhook.Schedule,
		Defaults: c.Webhook.Defaults,
	}
}

// WebhookAuth builds verifiers from WEBHOOK_SECRET and WEBHOOK_TOKEN. At least one is required
// when the webhook is enabled.
func (c AppConfig) WebhookAuth() (webhook.Auth, error) {
	var auth webhook.Auth
	if c.Credentials.WebhookSecret != "" {
		auth.Signature = signer.NewHMACSHA256([]byte(c.Credentials.WebhookSecret))
	}
	if c.Credentials.WebhookToken != "" {
		auth.Token = signer.NewToken(c.Credentials.WebhookToken)
	}
	if auth.Signature == nil && auth.Token == nil {
		return webhook.Auth{}, errs.New("config", errs.CodeCredential,
			errs.WithMessage(EnvWebhookSecret+" or "+EnvWebhookToken+" required when the webhook is enabled"))
	}
	return auth, nil
}

// TelemetryConfig layers the YAML section over the OTEL_* environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = cfg.Enabled || c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint != ""
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.OTLPInsecure {
		cfg.OTLPInsecure = true
	}
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.Environment = string(c.Environment)
	return cfg
}

// LogConfig returns the logrus settings.
func (c AppConfig) LogConfig() observability.LogConfig {
	l := c.Logging
	return observability.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxAgeDays: l.MaxAgeDays,
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
	}
}

// Deciders builds the configured market-trigger deciders: the thresholds table first, then each
// script in order.
func (c AppConfig) Deciders(logger observability.Logger) ([]decider.Decider, error) {
	var out []decider.Decider
	d := c.Coordinator.Deciders
	if path := strings.TrimSpace(d.Thresholds); path != "" {
		params, err := importer.LoadParams(path)
		if err != nil {
			return nil, fmt.Errorf("load thresholds: %w", err)
		}
		out = append(out, decider.NewThresholds(params, logger))
	}
	for _, sc := range d.Scripts {
		if sc.Name == "" {
			s, err := decider.LoadScript(sc.Path, logger)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			continue
		}
		// #nosec G304 -- script path is operator provided via configuration.
		source, err := os.ReadFile(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", sc.Name, err)
		}
		s, err := decider.NewScript(sc.Name, string(source), logger)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
