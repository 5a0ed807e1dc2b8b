package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/internal/schema"
)

type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

func (w wireRequest) streams(t *testing.T) []string {
	t.Helper()
	var out []string
	require.NoError(t, json.Unmarshal(w.Params, &out))
	return out
}

type serverConn struct {
	conn     *websocket.Conn
	path     string
	requests chan wireRequest
}

func (sc *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sc.conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (sc *serverConn) next(t *testing.T) wireRequest {
	t.Helper()
	select {
	case req := <-sc.requests:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client request")
		return wireRequest{}
	}
}

// fakeExchange accepts WebSocket connections and acknowledges control requests the way the
// exchange does.
type fakeExchange struct {
	srv   *httptest.Server
	conns chan *serverConn

	mu     sync.Mutex
	reject map[string]bool
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{conns: make(chan *serverConn, 8), reject: make(map[string]bool)}
	fx.srv = httptest.NewServer(http.HandlerFunc(fx.handle))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) url(path string) string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http") + path
}

func (fx *fakeExchange) rejectMethod(method string) {
	fx.mu.Lock()
	fx.reject[method] = true
	fx.mu.Unlock()
}

func (fx *fakeExchange) rejects(method string) bool {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.reject[method]
}

func (fx *fakeExchange) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn, path: r.URL.Path, requests: make(chan wireRequest, 64)}
	fx.conns <- sc
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		var reply string
		switch {
		case fx.rejects(req.Method):
			reply = fmt.Sprintf(`{"error":{"code":2,"msg":"Invalid request"},"id":%s}`, req.ID)
		case req.Method == "session.logon":
			reply = fmt.Sprintf(`{"id":%s,"status":200,"result":{"apiKey":"key"}}`, req.ID)
		default:
			reply = fmt.Sprintf(`{"result":null,"id":%s}`, req.ID)
		}
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(wctx, websocket.MessageText, []byte(reply))
		cancel()
		sc.requests <- req
	}
}

func (fx *fakeExchange) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fx.conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

type recorder struct {
	events chan schema.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan schema.Event, 256)}
}

func (r *recorder) Publish(_ context.Context, evt schema.Event) error {
	r.events <- evt
	return nil
}

func (r *recorder) next(t *testing.T) schema.Event {
	t.Helper()
	select {
	case evt := <-r.events:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return schema.Event{}
	}
}

func (r *recorder) empty(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-r.events:
		t.Fatalf("unexpected event %s seq=%d", evt.Type, evt.Seq)
	case <-time.After(wait):
	}
}

type fakeKeys struct {
	created atomic.Int32
	kept    atomic.Int32
	closed  atomic.Int32
}

func (k *fakeKeys) CreateListenKey(context.Context) (string, error) {
	k.created.Add(1)
	return "listen-abc", nil
}

func (k *fakeKeys) KeepAliveListenKey(context.Context) error {
	k.kept.Add(1)
	return nil
}

func (k *fakeKeys) CloseListenKey(context.Context) error {
	k.closed.Add(1)
	return nil
}

type fakeAuth struct{}

func (fakeAuth) LogonParams() (map[string]any, error) {
	return map[string]any{"apiKey": "key", "timestamp": 1, "signature": "sig"}, nil
}

func testConfig() Config {
	return Config{
		PingInterval:      time.Hour,
		PongTimeout:       time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Second,
		AckTimeout:        2 * time.Second,
		MaxResyncFailures: 2,
		ListenKeyRefresh:  time.Hour,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
	}
}

func aggTradeMsg(id uint64) string {
	return fmt.Sprintf(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000000,"s":"BTCUSDT","a":%d,"p":"100.5","q":"0.25","f":1,"l":1,"T":1700000000000,"m":true}}`, id)
}

func depthMsg(first, final, prev uint64) string {
	return fmt.Sprintf(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000000,"T":1700000000000,"s":"BTCUSDT","U":%d,"u":%d,"pu":%d,"b":[["100.0","1.5"]],"a":[["101.0","0"]]}}`, first, final, prev)
}

func startManager(t *testing.T, channels []ChannelConfig, pub Publisher, opts ...Option) (*Manager, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	mgr, err := NewManager(testConfig(), channels, pub, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return mgr, cancel, done
}
