// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/risk"
	"github.com/coachpo/tradewire/internal/stream"
	"github.com/coachpo/tradewire/internal/tunnel"
	"github.com/coachpo/tradewire/internal/webhook"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// ExchangeConfig locates the Binance USD-M futures endpoints.
type ExchangeConfig struct {
	RESTBaseURL string        `yaml:"restBaseUrl"`
	StreamURL   string        `yaml:"streamUrl"`
	WSAPIURL    string        `yaml:"wsApiUrl"`
	RecvWindow  time.Duration `yaml:"recvWindow"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
	// SyncTime fetches the server clock at startup and signs with the offset.
	SyncTime bool `yaml:"syncTime"`
}

// BucketSpec overrides one rate-limit class.
type BucketSpec struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
	Header   string        `yaml:"header"`
}

// StreamsConfig lists channels and shared connection timings.
type StreamsConfig struct {
	Channels          []stream.ChannelConfig `yaml:"channels"`
	PingInterval      time.Duration          `yaml:"pingInterval"`
	PongTimeout       time.Duration          `yaml:"pongTimeout"`
	ReadTimeout       time.Duration          `yaml:"readTimeout"`
	AckTimeout        time.Duration          `yaml:"ackTimeout"`
	MaxResyncFailures int                    `yaml:"maxResyncFailures"`
	ListenKeyRefresh  time.Duration          `yaml:"listenKeyRefresh"`
	InitialBackoff    time.Duration          `yaml:"initialBackoff"`
	MaxBackoff        time.Duration          `yaml:"maxBackoff"`
}

// BusConfig sets event bus sizing.
type BusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// LedgerConfig tunes order tracking and reconciliation.
type LedgerConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queueSize"`
	ReconcileAfter    time.Duration `yaml:"reconcileAfter"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	UnknownGrace      time.Duration `yaml:"unknownGrace"`
}

// MarketConfig sizes the book keeper and snapshot cache.
type MarketConfig struct {
	BookDepth   int           `yaml:"bookDepth"`
	SnapshotTTL time.Duration `yaml:"snapshotTtl"`
}

// ScriptConfig names a JS decision module on disk.
type ScriptConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// DecidersConfig selects the market-trigger deciders.
type DecidersConfig struct {
	// Thresholds is a CSV of per-strategy stop/take levels.
	Thresholds string         `yaml:"thresholds"`
	Scripts    []ScriptConfig `yaml:"scripts"`
}

// CoordinatorConfig holds execution exclusion and pre-trade settings.
type CoordinatorConfig struct {
	Release  string         `yaml:"release"`
	Risk     risk.Limits    `yaml:"risk"`
	Deciders DecidersConfig `yaml:"deciders"`
}

// WebhookConfig configures the inbound signal receiver.
type WebhookConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Path     string           `yaml:"path"`
	MaxBody  int64            `yaml:"maxBodyBytes"`
	MaxSkew  time.Duration    `yaml:"maxSkew"`
	Schedule *webhook.Window  `yaml:"schedule"`
	Defaults webhook.Defaults `yaml:"defaults"`
	Tunnel   tunnel.Config    `yaml:"tunnel"`
}

// APIServerConfig configures the status API.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the logrus backend.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// AppConfig is the unified tradewire configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment           `yaml:"environment"`
	EnvFile     string                `yaml:"envFile"`
	Exchange    ExchangeConfig        `yaml:"exchange"`
	RateLimits  map[string]BucketSpec `yaml:"rateLimits"`
	Streams     StreamsConfig         `yaml:"streams"`
	Bus         BusConfig             `yaml:"bus"`
	Ledger      LedgerConfig          `yaml:"ledger"`
	Market      MarketConfig          `yaml:"market"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Webhook     WebhookConfig         `yaml:"webhook"`
	APIServer   APIServerConfig       `yaml:"apiServer"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
	Logging     LoggingConfig         `yaml:"logging"`
	Credentials Credentials           `yaml:"-"`
}

// Default returns a configuration pointing at Binance USD-M futures production endpoints.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		EnvFile:     ".env",
		Exchange: ExchangeConfig{
			RESTBaseURL: "https://fapi.binance.com",
			StreamURL:   "wss://fstream.binance.com/stream",
			WSAPIURL:    "wss://ws-fapi.binance.com/ws-fapi/v1",
			RecvWindow:  5 * time.Second,
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			SyncTime:    true,
		},
		Bus:    BusConfig{BufferSize: 1024, FanoutWorkers: 4},
		Market: MarketConfig{BookDepth: 1000, SnapshotTTL: time.Minute},
		Coordinator: CoordinatorConfig{
			Release: string(coordinator.ReleaseOnAck),
		},
		Webhook: WebhookConfig{
			Path:    "/webhook",
			MaxSkew: 30 * time.Second,
			Tunnel:  tunnel.Config{Mode: tunnel.ModeLocal, Addr: "127.0.0.1:8090"},
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{ServiceName: "tradewire", EnableMetrics: true},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file over the defaults, then loads credentials from the environment.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	cfg := Default()
	if err := cfg.loadYAML(configPath); err != nil {
		return AppConfig{}, err
	}
	return cfg.finish()
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	return Default().finish()
}

func (c *AppConfig) loadYAML(path string) error {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c AppConfig) finish() (AppConfig, error) {
	creds, err := LoadCredentials(c.EnvFile)
	if err != nil {
		return AppConfig{}, err
	}
	c.Credentials = creds
	c.Webhook.Tunnel.AuthToken = creds.NgrokAuthToken

	c.normalise()
	if err := c.Validate(); err != nil {
		return AppConfig{}, err
	}
	return c, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Exchange.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RESTBaseURL), "/")
	c.Exchange.StreamURL = strings.TrimSpace(c.Exchange.StreamURL)
	c.Exchange.WSAPIURL = strings.TrimSpace(c.Exchange.WSAPIURL)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Coordinator.Release = strings.ToLower(strings.TrimSpace(c.Coordinator.Release))
	c.Webhook.Tunnel.Mode = tunnel.Mode(strings.ToLower(strings.TrimSpace(string(c.Webhook.Tunnel.Mode))))
	if c.Webhook.Tunnel.Mode == "" {
		c.Webhook.Tunnel.Mode = tunnel.ModeLocal
	}

	for i := range c.Streams.Channels {
		ch := &c.Streams.Channels[i]
		ch.Name = strings.TrimSpace(ch.Name)
		if strings.TrimSpace(ch.URL) == "" {
			ch.URL = c.Exchange.StreamURL
			if ch.Auth {
				ch.URL = c.Exchange.WSAPIURL
			}
		}
		for j, s := range ch.Streams {
			ch.Streams[j] = strings.ToLower(strings.TrimSpace(s))
		}
	}
	for i, sym := range c.Coordinator.Risk.Symbols {
		c.Coordinator.Risk.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	c.Webhook.Defaults.Symbol = strings.ToUpper(strings.TrimSpace(c.Webhook.Defaults.Symbol))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange restBaseUrl required")
	}
	if c.Exchange.RecvWindow < 0 || c.Exchange.RecvWindow > time.Minute {
		return fmt.Errorf("exchange recvWindow must be within 0..60s")
	}
	for name, spec := range c.RateLimits {
		if _, err := parseClass(name); err != nil {
			return err
		}
		if spec.Capacity < 0 || spec.Window < 0 {
			return fmt.Errorf("rateLimits %s: capacity and window must be >= 0", name)
		}
	}

	seen := make(map[string]struct{}, len(c.Streams.Channels))
	for _, ch := range c.Streams.Channels {
		if ch.Name == "" {
			return fmt.Errorf("streams: channel name required")
		}
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("streams: duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = struct{}{}
		if ch.Kind != stream.KindMarket && ch.Kind != stream.KindUser {
			return fmt.Errorf("streams %s: kind must be market or user", ch.Name)
		}
		if ch.Kind == stream.KindMarket && len(ch.Streams) == 0 {
			return fmt.Errorf("streams %s: at least one stream required", ch.Name)
		}
	}

	if c.Bus.BufferSize < 0 || c.Bus.FanoutWorkers < 0 {
		return fmt.Errorf("bus sizes must be >= 0")
	}
	if c.Market.BookDepth < 0 {
		return fmt.Errorf("market bookDepth must be >= 0")
	}
	if _, err := coordinator.ParseReleasePolicy(c.Coordinator.Release); err != nil {
		return fmt.Errorf("coordinator release: %w", err)
	}
	if c.Coordinator.Risk.MaxQuantity.IsNegative() || c.Coordinator.Risk.MaxNotional.IsNegative() {
		return fmt.Errorf("coordinator risk limits must be >= 0")
	}
	if c.Coordinator.Risk.OrderThrottle < 0 {
		return fmt.Errorf("coordinator risk orderThrottle must be >= 0")
	}
	for _, s := range c.Coordinator.Deciders.Scripts {
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("coordinator deciders: script %q path required", s.Name)
		}
	}

	if c.Webhook.Enabled {
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			return fmt.Errorf("webhook path must start with /")
		}
		if c.Webhook.MaxSkew < 0 {
			return fmt.Errorf("webhook maxSkew must be >= 0")
		}
		switch c.Webhook.Tunnel.Mode {
		case tunnel.ModeLocal, tunnel.ModeNgrok:
		default:
			return fmt.Errorf("webhook tunnel mode must be local or ngrok")
		}
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return nil, nil, fmt.Errorf("open app config: %w", fs.ErrNotExist)
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
