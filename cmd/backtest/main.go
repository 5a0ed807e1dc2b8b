// Command backtest replays recorded trades through the deciders against a simulated exchange.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/backtest"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/config"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/importer"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/risk"
)

const replayChannel = "replay"

type options struct {
	configPath  string
	dataPath    string
	paramsPath  string
	scriptPath  string
	feeRate     string
	slippageBPS string
	settle      time.Duration
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Optional configuration file for risk limits and deciders")
	flag.StringVar(&o.dataPath, "data", "", "Trades CSV (time,price,qty[,symbol])")
	flag.StringVar(&o.paramsPath, "params", "", "Threshold parameters CSV; overrides the configured table")
	flag.StringVar(&o.scriptPath, "script", "", "Decision module to load in addition to the configured deciders")
	flag.StringVar(&o.feeRate, "fee", "0.0004", "Proportional fee rate charged per fill")
	flag.StringVar(&o.slippageBPS, "slippage-bps", "0", "Market order slippage in basis points")
	flag.DurationVar(&o.settle, "settle", 5*time.Second, "Wall time allowed for each order to be acknowledged")
	flag.Parse()
	return o
}

func run(ctx context.Context, o options) error {
	if o.dataPath == "" {
		return errors.New("-data is required")
	}
	fee, err := decimal.NewFromString(o.feeRate)
	if err != nil {
		return fmt.Errorf("parse -fee: %w", err)
	}
	bps, err := decimal.NewFromString(o.slippageBPS)
	if err != nil {
		return fmt.Errorf("parse -slippage-bps: %w", err)
	}

	cfg := config.Default()
	if o.configPath != "" {
		if cfg, err = config.LoadOrDefault(ctx, o.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if o.paramsPath != "" {
		cfg.Coordinator.Deciders.Thresholds = o.paramsPath
	}
	if o.scriptPath != "" {
		cfg.Coordinator.Deciders.Scripts = append(cfg.Coordinator.Deciders.Scripts, config.ScriptConfig{Path: o.scriptPath})
	}

	logger, err := observability.NewLogrus(cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	observability.SetLogger(logger)

	deciders, err := cfg.Deciders(logger)
	if err != nil {
		return err
	}
	if len(deciders) == 0 {
		return errors.New("no deciders configured; pass -params or -script")
	}

	// #nosec G304 -- data path is operator provided.
	data, err := os.Open(o.dataPath)
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}
	defer data.Close()
	feeder, err := importer.NewTradeFeeder(data, replayChannel)
	if err != nil {
		return err
	}

	summary, err := replay(ctx, cfg, feeder, deciders, backtest.ProportionalFee{Rate: fee},
		backtest.BasisPointSlippage{BPS: bps}, o.settle, logger)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, summary)
	return nil
}

func replay(ctx context.Context, cfg config.AppConfig, feeder backtest.Feeder, deciders []decider.Decider,
	fees backtest.FeeModel, slippage backtest.SlippageModel, settle time.Duration, logger observability.Logger,
) (backtest.Analytics, error) {
	clk := backtest.NewVirtualClock(time.Unix(0, 0))
	events := bus.NewMemoryBus(cfg.BusConfig(), logger)
	defer events.Close()

	exchange := backtest.NewSimulatedExchange(clk,
		backtest.WithFees(fees),
		backtest.WithSlippage(slippage),
		backtest.WithPublisher(events))

	orders := ledger.New(cfg.LedgerConfig(), exchange, events, ledger.WithClock(clk), ledger.WithLogger(logger))
	defer orders.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orders.Run(runCtx); err != nil {
			logger.Error("ledger stopped", observability.Err(err))
		}
	}()
	defer func() {
		stop()
		<-done
	}()

	guard := risk.NewManager(cfg.Coordinator.Risk)
	guard.SetPriceSource(exchange)
	coord := coordinator.New(orders,
		coordinator.WithDeciders(deciders...),
		coordinator.WithRisk(guard),
		coordinator.WithReleasePolicy(cfg.ReleasePolicy()),
		coordinator.WithClock(clk),
		coordinator.WithLogger(logger))

	engine := backtest.NewEngine(feeder, exchange, coord,
		backtest.WithClock(clk),
		backtest.WithSettleTimeout(settle),
		backtest.WithLogger(logger))
	started := time.Now()
	if err := engine.Run(ctx); err != nil {
		return backtest.Analytics{}, fmt.Errorf("replay: %w", err)
	}
	logger.Info("replay finished",
		observability.F("elapsed", time.Since(started).String()),
		observability.F("virtual_time", clk.Now().UTC().Format(time.RFC3339)))
	return engine.Analytics(), nil
}

func printSummary(w io.Writer, a backtest.Analytics) {
	fmt.Fprintf(w, "events        %d\n", a.Events)
	fmt.Fprintf(w, "orders        %d\n", a.TotalOrders)
	fmt.Fprintf(w, "fills         %d\n", a.FilledOrders)
	fmt.Fprintf(w, "volume        %s\n", a.TotalVolume)
	fmt.Fprintf(w, "gross pnl     %s\n", a.GrossPnL)
	fmt.Fprintf(w, "fees          %s\n", a.Fees)
	fmt.Fprintf(w, "net pnl       %s\n", a.NetPnL)
	fmt.Fprintf(w, "max drawdown  %s\n", a.MaxDrawdown)
}
