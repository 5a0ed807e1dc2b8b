package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/signer"
)

// mockExchange fully fills every order. When hold is set, the response for a client id waits
// until release is called for it.
type mockExchange struct {
	mu      sync.Mutex
	hold    bool
	nextID  int64
	gates   map[string]chan struct{}
	orders  map[string]url.Values
	arrived chan string
}

func newMockExchange(hold bool) *mockExchange {
	return &mockExchange{hold: hold, gates: make(map[string]chan struct{}), orders: make(map[string]url.Values), arrived: make(chan string, 16)}
}

func (m *mockExchange) gate(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.gates[id]
	if !ok {
		ch = make(chan struct{})
		m.gates[id] = ch
	}
	return ch
}

func (m *mockExchange) release(id string) { close(m.gate(id)) }

func (m *mockExchange) placed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":-2013,"msg":"Order does not exist."}`)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(raw))
	id := form.Get("newClientOrderId")

	m.mu.Lock()
	m.nextID++
	orderID := m.nextID
	m.orders[id] = form
	hold := m.hold
	m.mu.Unlock()
	m.arrived <- id
	if hold {
		<-m.gate(id)
	}
	qty := form.Get("quantity")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"orderId":       orderID,
		"symbol":        form.Get("symbol"),
		"status":        "FILLED",
		"clientOrderId": id,
		"origQty":       qty,
		"executedQty":   qty,
		"avgPrice":      "101.5",
		"side":          form.Get("side"),
		"type":          form.Get("type"),
		"updateTime":    time.Now().UnixMilli(),
	})
}

type pipeline struct {
	handler  *Handler
	ledger   *ledger.Ledger
	exchange *mockExchange
}

func newPipeline(t *testing.T, hold bool) pipeline {
	t.Helper()
	ex := newMockExchange(hold)
	srv := httptest.NewServer(ex)
	t.Cleanup(srv.Close)

	cred, err := signer.NewCredential("api-key", "api-secret", nil)
	require.NoError(t, err)
	sig, err := signer.New(cred)
	require.NoError(t, err)
	lim, err := ratelimit.New(ratelimit.DefaultBuckets())
	require.NoError(t, err)
	client, err := rest.New(rest.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, sig, lim, rest.WithLogger(observability.Nop()))
	require.NoError(t, err)

	b := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: 256}, observability.Nop())
	l := ledger.New(ledger.Config{Workers: 4}, client, b, ledger.WithLogger(observability.Nop()))
	coord := coordinator.New(l, coordinator.WithLogger(observability.Nop()))
	h, err := New(Config{}, Auth{Signature: signer.NewHMACSHA256([]byte(secret))}, coord, WithLogger(observability.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ex.mu.Lock()
		for id, ch := range ex.gates {
			select {
			case <-ch:
			default:
				close(ch)
			}
			delete(ex.gates, id)
		}
		ex.mu.Unlock()
		l.Close()
		b.Close()
	})
	return pipeline{handler: h, ledger: l, exchange: ex}
}

func (p pipeline) send(t *testing.T, body string) (int, Response) {
	t.Helper()
	raw := []byte(body)
	rec, resp := post(p.handler, raw, map[string]string{SignatureHeader: sign(raw)})
	return rec.Code, resp
}

func (p pipeline) waitStatus(t *testing.T, key string, want schema.OrderStatus) schema.Order {
	t.Helper()
	var order schema.Order
	require.Eventually(t, func() bool {
		var ok bool
		order, ok = p.ledger.Get(key)
		return ok && order.Status == want
	}, 3*time.Second, 5*time.Millisecond, "want %s for %s", want, key)
	return order
}

func TestWebhookRoundTripFillsIntentQuantity(t *testing.T) {
	p := newPipeline(t, false)

	code, resp := p.send(t, `{"symbol":"BTCUSDT","side":"buy","quantity":"0.037","idempotencyKey":"rt-1"}`)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "accepted", resp.Status)
	require.Equal(t, "rt-1", resp.IdempotencyKey)

	order := p.waitStatus(t, "rt-1", schema.StatusFilled)
	require.True(t, order.FilledQty.Equal(decimal.RequireFromString("0.037")))
	require.True(t, order.AvgPrice.Equal(decimal.RequireFromString("101.5")))
	require.Equal(t, schema.SourceWebhookTrigger, order.Intent.Source)

	code, resp = p.send(t, `{"symbol":"BTCUSDT","side":"buy","quantity":"0.037","idempotencyKey":"rt-1"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "duplicate", resp.Status)
	require.Equal(t, string(schema.StatusFilled), resp.OrderStatus)
	require.Equal(t, 1, p.exchange.placed())
}

func TestWebhookConflictThenAcceptedAfterFill(t *testing.T) {
	p := newPipeline(t, true)

	code, _ := p.send(t, `{"symbol":"BTCUSDT","side":"buy","quantity":"1","idempotencyKey":"c-1"}`)
	require.Equal(t, http.StatusAccepted, code)
	select {
	case id := <-p.exchange.arrived:
		require.Equal(t, "c-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first order never reached the exchange")
	}

	time.Sleep(10 * time.Millisecond)
	code, resp := p.send(t, `{"symbol":"BTCUSDT","side":"sell","quantity":"1","idempotencyKey":"c-2"}`)
	require.Equal(t, http.StatusConflict, code, resp.Error)
	_, known := p.ledger.Get("c-2")
	require.False(t, known, "conflicting intent must not reach the ledger")

	p.exchange.release("c-1")
	p.waitStatus(t, "c-1", schema.StatusFilled)

	code, _ = p.send(t, `{"symbol":"BTCUSDT","side":"sell","quantity":"1","idempotencyKey":"c-3"}`)
	require.Equal(t, http.StatusAccepted, code)
	p.exchange.release("c-3")
	p.waitStatus(t, "c-3", schema.StatusFilled)
	require.Equal(t, 2, p.exchange.placed())
}
