package config

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/stream"
	"github.com/coachpo/tradewire/internal/tunnel"
)

var credentialVars = []string{
	EnvAPIKey, EnvAPISecret, EnvEd25519Key, EnvEd25519KeyFile,
	EnvWebhookSecret, EnvWebhookToken, EnvNgrokAuthToken,
}

// clearCredentials unsets every credential variable for the test and restores them afterwards.
func clearCredentials(t *testing.T) {
	t.Helper()
	for _, key := range credentialVars {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const fullYAML = `
environment: STAGING
envFile: %s
exchange:
  restBaseUrl: https://testnet.binancefuture.com/
  streamUrl: wss://stream.binancefuture.com/stream
  wsApiUrl: wss://testnet.binancefuture.com/ws-fapi/v1
  recvWindow: 3s
  timeout: 4s
rateLimits:
  order:
    capacity: 50
    window: 10s
streams:
  pingInterval: 20s
  channels:
    - name: market
      kind: market
      streams: [BTCUSDT@depth@100ms, btcusdt@aggTrade]
    - name: user
      kind: user
      auth: true
ledger:
  workers: 2
  reconcileAfter: 2s
coordinator:
  release: terminal
  risk:
    maxQuantity: 0.5
    maxNotional: "25000"
    symbols: [btcusdt]
    orderThrottle: 5
  deciders:
    thresholds: params.csv
    scripts:
      - name: momentum
        path: momentum.js
webhook:
  enabled: true
  path: /signals
  maxSkew: 10s
  schedule:
    startHour: 8
    endHour: 20
    weekdays: [mon, tue]
  defaults:
    symbol: btcusdt
    quantity: 0.01
  tunnel:
    mode: NGROK
    domain: hooks.example.dev
apiServer:
  addr: ":9999"
logging:
  level: debug
  format: text
`

func TestLoadFromYAML(t *testing.T) {
	clearCredentials(t)
	dir := t.TempDir()
	envFile := writeFile(t, dir, "creds.env",
		"BINANCE_API_KEY=key-123\nBINANCE_API_SECRET=secret-456\nWEBHOOK_SECRET=hook\nNGROK_AUTHTOKEN=ngrok-tok\n")
	path := writeFile(t, dir, "app.yaml", fmt.Sprintf(fullYAML, envFile))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "https://testnet.binancefuture.com", cfg.Exchange.RESTBaseURL)
	require.Equal(t, 3*time.Second, cfg.Exchange.RecvWindow)
	require.Equal(t, 3, cfg.Exchange.MaxAttempts, "unset fields keep defaults")

	require.Len(t, cfg.Streams.Channels, 2)
	market := cfg.Streams.Channels[0]
	require.Equal(t, stream.KindMarket, market.Kind)
	require.Equal(t, "wss://stream.binancefuture.com/stream", market.URL)
	require.Equal(t, []string{"btcusdt@depth@100ms", "btcusdt@aggtrade"}, market.Streams)
	require.Equal(t, "wss://testnet.binancefuture.com/ws-fapi/v1", cfg.Streams.Channels[1].URL)
	require.Equal(t, 20*time.Second, cfg.StreamConfig().PingInterval)

	buckets := cfg.Buckets()
	require.Equal(t, 50, buckets[ratelimit.ClassOrder].Capacity)
	require.Equal(t, "X-MBX-ORDER-COUNT-10S", buckets[ratelimit.ClassOrder].Header)
	require.Equal(t, ratelimit.DefaultBuckets()[ratelimit.ClassQuery], buckets[ratelimit.ClassQuery])

	require.Equal(t, 2, cfg.LedgerConfig().Workers)
	require.Equal(t, coordinator.ReleaseOnTerminal, cfg.ReleasePolicy())
	require.True(t, decimal.RequireFromString("0.5").Equal(cfg.Coordinator.Risk.MaxQuantity))
	require.True(t, decimal.NewFromInt(25000).Equal(cfg.Coordinator.Risk.MaxNotional))
	require.Equal(t, []string{"BTCUSDT"}, cfg.Coordinator.Risk.Symbols)
	require.Equal(t, "params.csv", cfg.Coordinator.Deciders.Thresholds)
	require.Len(t, cfg.Coordinator.Deciders.Scripts, 1)

	wh := cfg.WebhookConfig()
	require.Equal(t, "/signals", wh.Path)
	require.NotNil(t, wh.Window)
	require.Equal(t, 8, wh.Window.StartHour)
	require.Equal(t, "BTCUSDT", wh.Defaults.Symbol)
	require.Equal(t, tunnel.ModeNgrok, cfg.Webhook.Tunnel.Mode)
	require.Equal(t, "ngrok-tok", cfg.Webhook.Tunnel.AuthToken)

	auth, err := cfg.WebhookAuth()
	require.NoError(t, err)
	require.NotNil(t, auth.Signature)
	require.Nil(t, auth.Token)

	cred, err := cfg.Credentials.Exchange()
	require.NoError(t, err)
	require.Equal(t, "key-123", cred.APIKey())
	require.False(t, cred.HasStreamKey())

	require.Equal(t, "debug", cfg.LogConfig().Level)
	require.Equal(t, "staging", cfg.TelemetryConfig().Environment)
}

func TestLoadMissingFile(t *testing.T) {
	clearCredentials(t)
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	clearCredentials(t)
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadOrDefault(context.Background(), filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "https://fapi.binance.com", cfg.Exchange.RESTBaseURL)
	require.Equal(t, coordinator.ReleaseOnAck, cfg.ReleasePolicy())
	require.Equal(t, tunnel.ModeLocal, cfg.Webhook.Tunnel.Mode)
}

func TestLoadOrDefaultSurfacesBadYAML(t *testing.T) {
	clearCredentials(t)
	path := writeFile(t, t.TempDir(), "app.yaml", "environment: [oops")
	_, err := LoadOrDefault(context.Background(), path)
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"release":       "coordinator:\n  release: eventually\n",
		"rate class":    "rateLimits:\n  bogus:\n    capacity: 1\n",
		"channel kind":  "streams:\n  channels:\n    - name: a\n      kind: spot\n      streams: [x]\n",
		"no streams":    "streams:\n  channels:\n    - name: a\n      kind: market\n",
		"dup channel":   "streams:\n  channels:\n    - {name: a, kind: user}\n    - {name: a, kind: user}\n",
		"webhook path":  "webhook:\n  enabled: true\n  path: hooks\n",
		"tunnel mode":   "webhook:\n  enabled: true\n  tunnel:\n    mode: carrier-pigeon\n",
		"negative risk": "coordinator:\n  risk:\n    maxQuantity: -1\n",
		"script path":   "coordinator:\n  deciders:\n    scripts:\n      - name: x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearCredentials(t)
			dir := t.TempDir()
			path := writeFile(t, dir, "app.yaml", "envFile: "+filepath.Join(dir, "none.env")+"\n"+body)
			_, err := Load(context.Background(), path)
			require.Error(t, err)
		})
	}
}

func TestCredentialsFromEnvironment(t *testing.T) {
	clearCredentials(t)
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	t.Setenv(EnvAPIKey, "live-key")
	t.Setenv(EnvAPISecret, "live-secret")
	t.Setenv(EnvEd25519Key, base64.StdEncoding.EncodeToString(seed))
	t.Setenv(EnvWebhookToken, "tok")

	dir := t.TempDir()
	envFile := writeFile(t, dir, "creds.env", "BINANCE_API_KEY=from-file\n")
	creds, err := LoadCredentials(envFile)
	require.NoError(t, err)
	require.Equal(t, "live-key", creds.APIKey, "process environment wins over the env file")
	require.Equal(t, ed25519.NewKeyFromSeed(seed), creds.Ed25519Key)

	cred, err := creds.Exchange()
	require.NoError(t, err)
	require.True(t, cred.HasStreamKey())

	printed := fmt.Sprintf("%v %#v", creds, creds)
	require.NotContains(t, printed, "live-secret")
	require.NotContains(t, printed, "live-key")
	require.Contains(t, printed, "webhookToken=set")
}

func TestCredentialsKeyFile(t *testing.T) {
	clearCredentials(t)
	seed := bytes.Repeat([]byte{3}, ed25519.SeedSize)
	dir := t.TempDir()
	keyPath := writeFile(t, dir, "ed25519.key", base64.StdEncoding.EncodeToString(seed))
	t.Setenv(EnvEd25519KeyFile, keyPath)

	creds, err := LoadCredentials("")
	require.NoError(t, err)
	require.Equal(t, ed25519.NewKeyFromSeed(seed), creds.Ed25519Key)

	t.Setenv(EnvEd25519KeyFile, filepath.Join(dir, "absent.key"))
	_, err = LoadCredentials("")
	require.True(t, errs.Is(err, errs.CodeCredential))
}

func TestMissingExchangeCredentialIsFatal(t *testing.T) {
	_, err := Credentials{APIKey: "k"}.Exchange()
	require.True(t, errs.Is(err, errs.CodeCredential))
}

func TestWebhookAuthRequiresSecretOrToken(t *testing.T) {
	_, err := Default().WebhookAuth()
	require.True(t, errs.Is(err, errs.CodeCredential))
	require.True(t, strings.Contains(err.Error(), EnvWebhookSecret))
}

func TestExampleConfigLoadsWithDeciders(t *testing.T) {
	clearCredentials(t)
	t.Chdir(filepath.Join("..", ".."))

	cfg, err := Load(context.Background(), filepath.Join("config", "tradewire.example.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Streams.Channels, 2)
	require.Equal(t, "wss://fstream.binance.com/stream", cfg.Streams.Channels[0].URL)
	require.True(t, cfg.Webhook.Enabled)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Coordinator.Risk.Symbols)

	deciders, err := cfg.Deciders(observability.Nop())
	require.NoError(t, err)
	require.Len(t, deciders, 2)
	require.Equal(t, "thresholds", deciders[0].Name())
	require.Equal(t, "script:momentum", deciders[1].Name())
}

func TestDecidersSurfaceMissingFiles(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.Deciders.Thresholds = filepath.Join(t.TempDir(), "none.csv")
	_, err := cfg.Deciders(observability.Nop())
	require.ErrorContains(t, err, "load thresholds")

	cfg = Default()
	cfg.Coordinator.Deciders.Scripts = []ScriptConfig{{Name: "ghost", Path: filepath.Join(t.TempDir(), "ghost.js")}}
	_, err = cfg.Deciders(observability.Nop())
	require.ErrorContains(t, err, "read script ghost")

	none, err := Default().Deciders(observability.Nop())
	require.NoError(t, err)
	require.Empty(t, none)
}
