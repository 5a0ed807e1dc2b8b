// Command tradewire launches the execution engine: market streams, order ledger, coordinator,
// webhook receiver and status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradewire/internal/book"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/config"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/risk"
	"github.com/coachpo/tradewire/internal/schema"
	httpserver "github.com/coachpo/tradewire/internal/server/http"
	"github.com/coachpo/tradewire/internal/signer"
	"github.com/coachpo/tradewire/internal/snapshot"
	"github.com/coachpo/tradewire/internal/stream"
	"github.com/coachpo/tradewire/internal/telemetry"
	"github.com/coachpo/tradewire/internal/tunnel"
	"github.com/coachpo/tradewire/internal/webhook"
)

const (
	defaultConfigPath        = "config/tradewire.yaml"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	ledgerShutdownTimeout    = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	startupProbeTimeout      = 10 * time.Second
	marketBuffer             = 1024
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fatal(observability.Log(), "load config", err)
	}

	logger, err := observability.NewLogrus(appCfg.LogConfig())
	if err != nil {
		fatal(observability.Log(), "initialise logger", err)
	}
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("channels", len(appCfg.Streams.Channels)),
		observability.F("credentials", appCfg.Credentials.String()))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}

	sig, client, limiter, err := initExchange(ctx, logger, appCfg)
	if err != nil {
		fatal(logger, "initialise exchange", err)
	}

	var lifecycle conc.WaitGroup
	events := bus.NewMemoryBus(appCfg.BusConfig(), logger)

	orders := ledger.New(appCfg.LedgerConfig(), client, events, ledger.WithLogger(logger))
	loadSymbolRules(ctx, logger, client, orders)
	lifecycle.Go(func() { logStop(logger, "ledger", orders.Run(ctx)) })

	keeper := book.NewKeeper(client, book.WithLogger(logger), book.WithDepthLimit(appCfg.Market.BookDepth))
	bookSub, err := events.Subscribe(ctx, bus.SubscribeOptions{Name: "book", Buffer: marketBuffer, Mode: bus.Lossless},
		schema.EventBookUpdate, schema.EventStreamError, schema.EventStreamReconnected)
	if err != nil {
		fatal(logger, "subscribe book keeper", err)
	}
	lifecycle.Go(func() { logStop(logger, "book keeper", keeper.Run(ctx, bookSub.C)) })

	market := snapshot.NewMemoryStore(appCfg.Market.SnapshotTTL, clock.Real{})
	marketSub, err := events.Subscribe(ctx, bus.SubscribeOptions{Name: "snapshot", Buffer: marketBuffer, Mode: bus.DropOldest},
		schema.EventTrade, schema.EventTicker, schema.EventKline, schema.EventStreamError, schema.EventStreamReconnected)
	if err != nil {
		fatal(logger, "subscribe snapshot store", err)
	}
	lifecycle.Go(func() { logStop(logger, "snapshot store", market.Run(ctx, marketSub.C)) })

	streams, err := stream.NewManager(appCfg.StreamConfig(), appCfg.Streams.Channels, events,
		stream.WithAuthenticator(sig),
		stream.WithListenKeys(client),
		stream.WithLogger(logger))
	if err != nil {
		fatal(logger, "initialise streams", err)
	}
	lifecycle.Go(func() { logStop(logger, "stream manager", streams.Run(ctx)) })

	coord, err := buildCoordinator(logger, appCfg, orders, keeper)
	if err != nil {
		fatal(logger, "initialise coordinator", err)
	}
	lifecycle.Go(func() { logStop(logger, "coordinator", coord.Run(ctx, events)) })

	webhookServer, err := startWebhookServer(ctx, &lifecycle, logger, appCfg, coord, orders)
	if err != nil {
		fatal(logger, "initialise webhook", err)
	}

	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Deps{
		Orders:      orders,
		Streams:     streams,
		Budgets:     limiter,
		Books:       keeper,
		Market:      market,
		Bus:         events,
		InFlight:    coord,
		Credentials: sig,
	})
	startServer(&lifecycle, logger, "status API", apiServer, nil)
	logger.Info("status API listening", observability.F("addr", apiServer.Addr))

	logger.Info("tradewire started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		servers:    []*http.Server{apiServer, webhookServer},
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		ledger:     orders,
		bus:        events,
		telemetry:  telemetryProvider,
	})

	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	if err != nil {
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger observability.Logger, step string, err error) {
	logger.Error(step+" failed", observability.Err(err))
	os.Exit(1)
}

func logStop(logger observability.Logger, component string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(component+" stopped", observability.Err(err))
	}
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetryConfig()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// initExchange validates credentials, aligns the signing clock with the server and installs the
// account probe used when the exchange later refuses a signature.
func initExchange(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*signer.Signer, *rest.Client, *ratelimit.Limiter, error) {
	cred, err := appCfg.Credentials.Exchange()
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := signer.New(cred, signer.WithRecvWindow(appCfg.Exchange.RecvWindow), signer.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	limiter, err := ratelimit.New(appCfg.Buckets(), ratelimit.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	client, err := rest.New(appCfg.RESTConfig(), sig, limiter, rest.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rest client: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()
	if appCfg.Exchange.SyncTime {
		serverTime, err := client.ServerTime(probeCtx)
		if err != nil {
			logger.Warn("server time sync failed; signing with local clock", observability.Err(err))
		} else {
			offset := time.Until(serverTime)
			sig.SetTimeOffset(offset)
			logger.Info("server time synchronised", observability.F("offset", offset.String()))
		}
	}
	sig.SetProbe(func(ctx context.Context) error {
		_, err := client.Account(ctx)
		return err
	})
	if err := sig.Revalidate(probeCtx); err != nil {
		return nil, nil, nil, err
	}
	if !sig.CanStreamAuth() {
		logger.Info("no Ed25519 key configured; authenticated stream channels are unavailable")
	}
	return sig, client, limiter, nil
}

func loadSymbolRules(ctx context.Context, logger observability.Logger, client *rest.Client, orders *ledger.Ledger) {
	rules, err := client.ExchangeInfo(ctx)
	if err != nil {
		logger.Warn("exchange info unavailable; quantities are not step-checked", observability.Err(err))
		return
	}
	orders.SetRules(rules)
	logger.Info("symbol rules loaded", observability.F("symbols", len(rules)))
}

func buildCoordinator(logger observability.Logger, appCfg config.AppConfig, orders *ledger.Ledger, prices risk.PriceSource) (*coordinator.Coordinator, error) {
	deciders, err := appCfg.Deciders(logger)
	if err != nil {
		return nil, err
	}
	guard := risk.NewManager(appCfg.Coordinator.Risk)
	guard.SetPriceSource(prices)
	logger.Info("coordinator configured",
		observability.F("deciders", len(deciders)),
		observability.F("release", string(appCfg.ReleasePolicy())))
	return coordinator.New(orders,
		coordinator.WithRisk(guard),
		coordinator.WithReleasePolicy(appCfg.ReleasePolicy()),
		coordinator.WithDeciders(deciders...),
		coordinator.WithLogger(logger)), nil
}

// startWebhookServer serves the signal receiver on the configured tunnel. Cancel signals go to
// canceler when it is set. It returns nil when the webhook is disabled.
func startWebhookServer(ctx context.Context, lifecycle *conc.WaitGroup, logger observability.Logger, appCfg config.AppConfig, intake webhook.Intake, canceler webhook.Canceler) (*http.Server, error) {
	if !appCfg.Webhook.Enabled {
		logger.Info("webhook disabled")
		return nil, nil
	}
	auth, err := appCfg.WebhookAuth()
	if err != nil {
		return nil, err
	}
	handler, err := webhook.New(appCfg.WebhookConfig(), auth, intake,
		webhook.WithCanceler(canceler), webhook.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	listener, err := tunnel.Listen(ctx, appCfg.Webhook.Tunnel, logger)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	handler.Mount(mux)
	server := newHTTPServer(listener.Addr().String(), mux)
	startServer(lifecycle, logger, "webhook", server, listener)
	logger.Info("webhook receiving", observability.F("url", listener.URL()+handler.Path()))
	return server, nil
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Deps) *http.Server {
	return newHTTPServer(cfg.Addr, httpserver.NewHandler(deps))
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// startServer serves on listener when given, otherwise on server.Addr.
func startServer(lifecycle *conc.WaitGroup, logger observability.Logger, name string, server *http.Server, listener net.Listener) {
	lifecycle.Go(func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" server stopped", observability.Err(err))
		}
	})
}

type gracefulShutdownConfig struct {
	servers    []*http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	ledger     *ledger.Ledger
	bus        *bus.MemoryBus
	telemetry  *telemetry.Provider
}

// performGracefulShutdown runs every step even when earlier ones fail and returns the failures joined.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name + "...")
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	for _, server := range cfg.servers {
		if server == nil {
			continue
		}
		shutdownStep("stopping server "+server.Addr, serverShutdownTimeout, func(stepCtx context.Context) error {
			return server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := waitFor(stepCtx, cfg.lifecycle.Wait); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.ledger != nil {
		shutdownStep("draining ledger", ledgerShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.ledger.Close)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.JoinErrors(logger, "shutdown", failures...)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TRADEWIRE_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
