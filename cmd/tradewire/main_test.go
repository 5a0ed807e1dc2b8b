package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/config"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	httpserver "github.com/coachpo/tradewire/internal/server/http"
	"github.com/coachpo/tradewire/internal/tunnel"
	"github.com/coachpo/tradewire/internal/webhook"
)

type busyIntake struct{}

func (busyIntake) Handle(context.Context, schema.OrderIntent) (*ledger.Handle, error) {
	return nil, errs.New("coordinator", errs.CodeConflict, errs.WithMessage("execution key BTCUSDT has an order in flight"))
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("TRADEWIRE_CONFIG", "")
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))

	t.Setenv("TRADEWIRE_CONFIG", "/etc/tradewire.yaml")
	require.Equal(t, "/etc/tradewire.yaml", resolveConfigPath(""))
	require.Equal(t, "flag.yaml", resolveConfigPath("flag.yaml"), "flag wins over environment")
}

func TestWebhookDisabledReturnsNoServer(t *testing.T) {
	var lifecycle conc.WaitGroup
	server, err := startWebhookServer(context.Background(), &lifecycle, observability.Nop(), config.Default(), busyIntake{}, nil)
	require.NoError(t, err)
	require.Nil(t, server)
	lifecycle.Wait()
}

func TestWebhookRequiresCredential(t *testing.T) {
	cfg := config.Default()
	cfg.Webhook.Enabled = true

	var lifecycle conc.WaitGroup
	_, err := startWebhookServer(context.Background(), &lifecycle, observability.Nop(), cfg, busyIntake{}, nil)
	require.True(t, errs.Is(err, errs.CodeCredential))
}

func TestWebhookServesOnLocalTunnel(t *testing.T) {
	cfg := config.Default()
	cfg.Webhook.Enabled = true
	cfg.Webhook.Tunnel = tunnel.Config{Mode: tunnel.ModeLocal, Addr: "127.0.0.1:0"}
	cfg.Credentials.WebhookToken = "s3cret"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var lifecycle conc.WaitGroup
	server, err := startWebhookServer(ctx, &lifecycle, observability.Nop(), cfg, busyIntake{}, nil)
	require.NoError(t, err)
	require.NotNil(t, server)

	body := `{"symbol":"BTCUSDT","side":"buy","quantity":"0.01"}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+server.Addr+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.TokenHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var out webhook.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "error", out.Status)
	require.NotEmpty(t, out.IdempotencyKey)

	performGracefulShutdown(context.Background(), observability.Nop(), gracefulShutdownConfig{
		servers:   []*http.Server{server},
		lifecycle: &lifecycle,
	})
}

func TestBuildCoordinatorLoadsThresholds(t *testing.T) {
	dir := t.TempDir()
	params := filepath.Join(dir, "params.csv")
	require.NoError(t, os.WriteFile(params, []byte("strategy,symbol,side,quantity,stop\ndip,BTCUSDT,BUY,1,90\n"), 0o600))

	cfg := config.Default()
	cfg.Coordinator.Deciders.Thresholds = params
	coord, err := buildCoordinator(observability.Nop(), cfg, nil, nil)
	require.NoError(t, err)
	require.Empty(t, coord.InFlight())

	cfg.Coordinator.Deciders.Thresholds = filepath.Join(dir, "missing.csv")
	_, err = buildCoordinator(observability.Nop(), cfg, nil, nil)
	require.Error(t, err)
}

func TestStatusAPIServesHealth(t *testing.T) {
	events := bus.NewMemoryBus(bus.MemoryConfig{}, observability.Nop())
	server := buildAPIServer(config.APIServerConfig{Addr: "127.0.0.1:0"}, httpserver.Deps{Bus: events})
	require.Equal(t, readHeaderTimeout, server.ReadHeaderTimeout)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	performGracefulShutdown(context.Background(), observability.Nop(), gracefulShutdownConfig{bus: events})
}

func TestGracefulShutdownCancelsAndWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var lifecycle conc.WaitGroup
	stopped := make(chan struct{})
	lifecycle.Go(func() {
		<-ctx.Done()
		close(stopped)
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	err := performGracefulShutdown(shutdownCtx, observability.Nop(), gracefulShutdownConfig{
		servers:    []*http.Server{nil},
		mainCancel: cancel,
		lifecycle:  &lifecycle,
	})
	require.NoError(t, err)

	select {
	case <-stopped:
	default:
		t.Fatal("lifecycle goroutine still running after shutdown")
	}
}

func TestGracefulShutdownReportsStuckSteps(t *testing.T) {
	release := make(chan struct{})
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { <-release })
	t.Cleanup(func() {
		close(release)
		lifecycle.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	events := bus.NewMemoryBus(bus.MemoryConfig{}, observability.Nop())
	err := performGracefulShutdown(ctx, observability.Nop(), gracefulShutdownConfig{
		lifecycle: &lifecycle,
		bus:       events,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "shutdown failed")
	require.ErrorContains(t, err, "waiting for lifecycle goroutines")
}
