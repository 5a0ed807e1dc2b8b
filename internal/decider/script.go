package decider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
)

// Script runs a CommonJS-style module that exports decide(event). The function may return
// nothing, one intent object, or an array of them.
type Script struct {
	name   string
	mu     sync.Mutex
	rt     *goja.Runtime
	decide goja.Callable
}

// LoadScript compiles the module at path. The decider is named after the file.
func LoadScript(path string, logger observability.Logger) (*Script, error) {
	// #nosec G304 -- script path is operator provided via configuration.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewScript(name, string(source), logger)
}

// NewScript compiles and runs source, then resolves its decide export.
func NewScript(name, source string, logger observability.Logger) (*Script, error) {
	if logger == nil {
		logger = observability.Log()
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage("compile "+name), errs.WithCause(err))
	}
	rt := goja.New()
	exports, err := runModule(rt, prog, name, logger)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(exports.Get("decide"))
	if !ok {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage(name+": decide export missing"))
	}
	return &Script{name: name, rt: rt, decide: fn}, nil
}

func (s *Script) Name() string { return "script:" + s.name }

// Decide calls decide(event). Cancelling ctx interrupts a running script.
func (s *Script) Decide(ctx context.Context, evt schema.Event) ([]schema.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rt.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { s.rt.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		s.rt.ClearInterrupt()
	}()

	res, err := s.decide(goja.Undefined(), s.rt.ToValue(eventObject(evt)))
	if err != nil {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage(s.name+": decide failed"), errs.WithCause(err))
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	intents, err := exportIntents(res.Export(), evt.Symbol)
	if err != nil {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage(s.name+": "+err.Error()))
	}
	return intents, nil
}

func runModule(rt *goja.Runtime, prog *goja.Program, name string, logger observability.Logger) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	initErr := func(err error) error {
		return errs.New("decider", errs.CodeInvalid, errs.WithMessage("init "+name), errs.WithCause(err))
	}
	if err := module.Set("exports", exports); err != nil {
		return nil, initErr(err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, initErr(err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, initErr(err)
	}
	if err := rt.Set("console", buildConsole(rt, name, logger)); err != nil {
		return nil, initErr(err)
	}
	if _, err := rt.RunProgram(prog); err != nil {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage("run "+name), errs.WithCause(err))
	}
	obj := module.Get("exports").ToObject(rt)
	if obj == nil {
		return nil, errs.New("decider", errs.CodeInvalid, errs.WithMessage(name+": exports must be an object"))
	}
	return obj, nil
}

func buildConsole(rt *goja.Runtime, name string, logger observability.Logger) *goja.Object {
	console := rt.NewObject()
	logAt := func(emit func(string, ...observability.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			emit(strings.Join(parts, " "), observability.F("script", name))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(logger.Info))
	_ = console.Set("info", logAt(logger.Info))
	_ = console.Set("warn", logAt(logger.Warn))
	_ = console.Set("error", logAt(logger.Error))
	return console
}

// eventObject flattens an event into the plain object scripts see.
func eventObject(evt schema.Event) map[string]any {
	obj := map[string]any{
		"type":    string(evt.Type),
		"channel": evt.Channel,
		"symbol":  evt.Symbol,
		"seq":     evt.Seq,
		"time":    evt.EventTime.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case schema.Trade:
		obj["price"] = p.Price.InexactFloat64()
		obj["qty"] = p.Qty.InexactFloat64()
		obj["buyerMaker"] = p.BuyerMaker
	case schema.Ticker:
		obj["last"] = p.Last.InexactFloat64()
		obj["bid"] = p.BidPrice.InexactFloat64()
		obj["ask"] = p.AskPrice.InexactFloat64()
		obj["volume"] = p.Volume.InexactFloat64()
	case schema.Kline:
		obj["interval"] = p.Interval
		obj["open"] = p.Open.InexactFloat64()
		obj["high"] = p.High.InexactFloat64()
		obj["low"] = p.Low.InexactFloat64()
		obj["close"] = p.Close.InexactFloat64()
		obj["volume"] = p.Volume.InexactFloat64()
		obj["closed"] = p.Closed
	}
	if price, ok := PriceOf(evt); ok {
		obj["ref"] = price.InexactFloat64()
	}
	return obj
}

func exportIntents(raw any, symbol string) ([]schema.OrderIntent, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil, fmt.Errorf("decide must return an object or array, got %T", raw)
	}
	out := make([]schema.OrderIntent, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("intent %d is %T, want object", i, item)
		}
		intent, err := intentFromObject(obj, symbol)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		out = append(out, intent)
	}
	return out, nil
}

func intentFromObject(obj map[string]any, symbol string) (schema.OrderIntent, error) {
	str := func(key string) string {
		if v, ok := obj[key]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
		return ""
	}
	intent := schema.OrderIntent{
		Symbol:         strings.ToUpper(str("symbol")),
		Type:           schema.OrderType(strings.ToUpper(str("type"))),
		TimeInForce:    strings.ToUpper(str("timeInForce")),
		IdempotencyKey: str("idempotencyKey"),
		StrategyKey:    str("strategy"),
	}
	if intent.Symbol == "" {
		intent.Symbol = symbol
	}
	if intent.Type == "" {
		intent.Type = schema.OrderTypeMarket
	}
	side, err := schema.ParseSide(str("side"))
	if err != nil {
		return schema.OrderIntent{}, err
	}
	intent.Side = side
	if intent.Quantity, err = number(obj["quantity"]); err != nil {
		return schema.OrderIntent{}, fmt.Errorf("quantity: %w", err)
	}
	if _, ok := obj["price"]; ok {
		if intent.Price, err = number(obj["price"]); err != nil {
			return schema.OrderIntent{}, fmt.Errorf("price: %w", err)
		}
	}
	if v, ok := obj["reduceOnly"].(bool); ok {
		intent.ReduceOnly = v
	}
	return intent, nil
}

func number(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromString(strconv.FormatFloat(n, 'f', -1, 64))
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case nil:
		return decimal.Zero, fmt.Errorf("missing")
	default:
		return decimal.Zero, fmt.Errorf("unsupported %T", v)
	}
}
