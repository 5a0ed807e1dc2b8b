// Package httpserver exposes the read-only status API consumed by dashboards.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tradewire/internal/book"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/httpx"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/snapshot"
	"github.com/coachpo/tradewire/internal/stream"
)

const (
	apiPrefix = "/api/v1"

	ordersPath       = apiPrefix + "/orders"
	orderDetailPath  = ordersPath + "/"
	streamsPath      = apiPrefix + "/streams"
	rateLimitsPath   = apiPrefix + "/ratelimits"
	bookPrefix       = apiPrefix + "/book/"
	marketPath       = apiPrefix + "/market"
	marketPrefix     = marketPath + "/"
	busPath          = apiPrefix + "/bus"
	coordinatorPath  = apiPrefix + "/coordinator"
	eventsPath       = apiPrefix + "/events"
	healthPath       = "/healthz"
	defaultBookDepth = 20
	maxBookDepth     = 1000
)

// Orders reads the ledger.
type Orders interface {
	List() []schema.Order
	Get(key string) (schema.Order, bool)
}

// Streams reports stream channel status.
type Streams interface {
	States() []stream.ChannelStatus
}

// Budgets reports rate-limit buckets.
type Budgets interface {
	Budgets() []ratelimit.Budget
}

// Books reads order books.
type Books interface {
	View(symbol string, depth int) (book.View, bool)
}

// Market reads the latest market snapshots.
type Market interface {
	List(symbol string) []snapshot.Record
}

// Bus is subscribed to for the event feed and reports subscription health.
type Bus interface {
	Subscribe(ctx context.Context, opts bus.SubscribeOptions, types ...schema.EventType) (*bus.Subscription, error)
	Unsubscribe(id bus.SubscriptionID)
	Stats() []bus.SubscriptionStats
}

// InFlight reports held execution keys.
type InFlight interface {
	InFlight() map[string]string
}

// Credentials reports whether the exchange accepted our credentials on the last check.
type Credentials interface {
	Healthy() bool
}

// Deps wires the read models. Nil members disable their endpoints.
type Deps struct {
	Orders      Orders
	Streams     Streams
	Budgets     Budgets
	Books       Books
	Market      Market
	Bus         Bus
	InFlight    InFlight
	Credentials Credentials
}

type server struct {
	deps Deps
}

// NewHandler builds the status API.
func NewHandler(deps Deps) http.Handler {
	s := &server{deps: deps}
	mux := http.NewServeMux()
	get := func(h http.HandlerFunc) http.Handler {
		return httpx.Methods(map[string]http.HandlerFunc{http.MethodGet: h})
	}
	mux.Handle(ordersPath, get(s.listOrders))
	mux.Handle(orderDetailPath, get(s.getOrder))
	mux.Handle(streamsPath, get(s.listStreams))
	mux.Handle(rateLimitsPath, get(s.listBudgets))
	mux.Handle(bookPrefix, get(s.getBook))
	mux.Handle(marketPath, get(s.listMarket))
	mux.Handle(marketPrefix, get(s.listMarket))
	mux.Handle(busPath, get(s.busStats))
	mux.Handle(coordinatorPath, get(s.inFlight))
	mux.Handle(eventsPath, get(s.events))
	mux.Handle(healthPath, get(s.health))
	return httpx.WithCORS(mux)
}

func (s *server) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": []schema.Order{}})
		return
	}
	orders := s.deps.Orders.List()
	if want := strings.TrimSpace(r.URL.Query().Get("status")); want != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if strings.EqualFold(string(o.Status), want) {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPath), "/")
	if key == "" || s.deps.Orders == nil {
		httpx.WriteError(w, http.StatusNotFound, "order not found")
		return
	}
	order, ok := s.deps.Orders.Get(key)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "order not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, order)
}

func (s *server) listStreams(w http.ResponseWriter, _ *http.Request) {
	states := []stream.ChannelStatus{}
	if s.deps.Streams != nil {
		states = s.deps.Streams.States()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"streams": states})
}

func (s *server) listBudgets(w http.ResponseWriter, _ *http.Request) {
	budgets := []ratelimit.Budget{}
	if s.deps.Budgets != nil {
		budgets = s.deps.Budgets.Budgets()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (s *server) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.Trim(strings.TrimPrefix(r.URL.Path, bookPrefix), "/"))
	if symbol == "" || s.deps.Books == nil {
		httpx.WriteError(w, http.StatusNotFound, "book not found")
		return
	}
	depth := defaultBookDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxBookDepth {
			httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("depth must be 1..%d", maxBookDepth))
			return
		}
		depth = n
	}
	view, ok := s.deps.Books.View(symbol, depth)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "book not found")
		return
	}
	mid, hasMid := view.Mid()
	resp := map[string]any{"book": view}
	if hasMid {
		resp["mid"] = mid
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) listMarket(w http.ResponseWriter, r *http.Request) {
	records := []snapshot.Record{}
	if s.deps.Market != nil {
		symbol := strings.ToUpper(strings.Trim(strings.TrimPrefix(r.URL.Path, marketPath), "/"))
		records = s.deps.Market.List(symbol)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"market": records})
}

func (s *server) busStats(w http.ResponseWriter, _ *http.Request) {
	stats := []bus.SubscriptionStats{}
	if s.deps.Bus != nil {
		stats = s.deps.Bus.Stats()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": stats})
}

func (s *server) inFlight(w http.ResponseWriter, _ *http.Request) {
	held := map[string]string{}
	if s.deps.InFlight != nil {
		held = s.deps.InFlight.InFlight()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"inFlight": held})
}

type healthReport struct {
	Status      string            `json:"status"`
	Credentials bool              `json:"credentials"`
	Streams     map[string]string `json:"streams"`
	CheckedAt   time.Time         `json:"checkedAt"`
}

// health is 200 when credentials are valid and every channel is streaming.
func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{Status: "ok", Credentials: true, Streams: map[string]string{}, CheckedAt: time.Now().UTC()}
	if s.deps.Credentials != nil && !s.deps.Credentials.Healthy() {
		report.Credentials = false
		report.Status = "degraded"
	}
	if s.deps.Streams != nil {
		for _, st := range s.deps.Streams.States() {
			report.Streams[st.Name] = string(st.State)
			if st.State != stream.StateStreaming {
				report.Status = "degraded"
			}
		}
	}
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, report)
}
