// Package webhook receives externally triggered trade signals. Every request is authenticated
// before its body is parsed; accepted intents are handed to the coordinator and answered without
// waiting for exchange execution.
package webhook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/httpx"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/signer"
	"github.com/coachpo/tradewire/internal/telemetry"
)

const (
	scope = "webhook"

	// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
	SignatureHeader = "X-Signature"
	// TokenHeader carries a static shared token.
	TokenHeader = "X-Webhook-Token"
	// tokenQuery carries the token for senders that cannot set headers.
	tokenQuery = "token"
)

// Intake accepts intents. The coordinator implements it.
type Intake interface {
	Handle(ctx context.Context, intent schema.OrderIntent) (*ledger.Handle, error)
}

// Canceler cancels live orders for the "cancel" signal. The ledger implements it.
type Canceler interface {
	Cancel(ctx context.Context, ref ledger.Ref) (schema.Order, error)
}

// Auth holds the verifiers for each proof carrier. At least one must be set.
type Auth struct {
	Signature signer.Verifier
	Token     signer.Verifier
}

// Config configures the handler.
type Config struct {
	Path     string
	MaxBody  int64
	MaxSkew  time.Duration
	Window   *Window
	Defaults Defaults
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/webhook"
	}
	if c.MaxBody <= 0 {
		c.MaxBody = httpx.MaxBodyBytes
	}
	return c
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for skew and window checks.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCanceler enables the "cancel" signal. Without it cancel requests are refused.
func WithCanceler(c Canceler) Option {
	return func(h *Handler) { h.canceler = c }
}

// Handler serves the webhook endpoint.
type Handler struct {
	cfg      Config
	auth     Auth
	intake   Intake
	canceler Canceler
	clock    clock.Clock
	logger observability.Logger

	requests metric.Int64Counter
}

// Response is the JSON body returned to the sender.
type Response struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	OrderStatus    string `json:"orderStatus,omitempty"`
	Error          string `json:"error,omitempty"`
}

// New validates the configuration. A handler without any verifier is refused.
func New(cfg Config, auth Auth, intake Intake, opts ...Option) (*Handler, error) {
	if auth.Signature == nil && auth.Token == nil {
		return nil, errs.New(scope, errs.CodeCredential, errs.WithMessage("webhook requires a signature secret or token"))
	}
	if intake == nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("intake required"))
	}
	if cfg.Window != nil {
		if err := cfg.Window.validate(); err != nil {
			return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage(err.Error()))
		}
	}
	h := &Handler{
		cfg:    cfg.normalize(),
		auth:   auth,
		intake: intake,
		clock:  clock.Real{},
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.requests, _ = telemetry.Meter().Int64Counter(telemetry.MetricWebhookRequests,
		metric.WithDescription("Webhook requests by response status"),
		metric.WithUnit("{request}"))
	return h, nil
}

// Path returns the mount path.
func (h *Handler) Path() string { return h.cfg.Path }

// Mount registers the endpoint on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle(h.cfg.Path, httpx.Methods(map[string]http.HandlerFunc{
		http.MethodPost: h.ServeHTTP,
	}))
}

// ServeHTTP handles one signal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reply(r.Context(), w, http.StatusMethodNotAllowed, Response{Status: "error", Error: "method not allowed"})
		return
	}
	body, err := httpx.ReadBody(w, r, h.cfg.MaxBody)
	if err != nil {
		if httpx.TooLarge(err) {
			h.reply(r.Context(), w, http.StatusRequestEntityTooLarge, Response{Status: "error", Error: "request body too large"})
			return
		}
		h.reply(r.Context(), w, http.StatusBadRequest, Response{Status: "error", Error: "read body"})
		return
	}
	if err := h.authenticate(r, body); err != nil {
		h.logger.Warn("webhook authentication failed",
			observability.F("remote", r.RemoteAddr), observability.Err(err))
		h.reply(r.Context(), w, http.StatusUnauthorized, Response{Status: "error", Error: "unauthorized"})
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		h.reply(r.Context(), w, http.StatusBadRequest, Response{Status: "error", Error: "malformed payload: " + err.Error()})
		return
	}
	now := h.clock.Now()
	cancel := payload.cancels()
	window := h.cfg.Window
	if cancel {
		// Cancels are honoured outside trading hours.
		window = nil
	}
	sent, hasSent, err := parseTimestamp(payload.Timestamp)
	if err == nil {
		err = checkSchedule(sent, hasSent, now, h.cfg.MaxSkew, window)
	}
	if err != nil {
		h.reply(r.Context(), w, http.StatusUnprocessableEntity, Response{Status: "error", Error: message(err)})
		return
	}
	if cancel {
		h.serveCancel(w, r, payload)
		return
	}
	intent, err := payload.intent(body, h.cfg.Defaults, now)
	if err != nil {
		h.reply(r.Context(), w, http.StatusUnprocessableEntity, Response{Status: "error", Error: message(err)})
		return
	}

	handle, err := h.intake.Handle(r.Context(), intent)
	if err != nil {
		status := statusFor(err)
		h.logger.Info("webhook intent refused",
			observability.F("key", intent.IdempotencyKey),
			observability.F("symbol", intent.Symbol),
			observability.F("status", status),
			observability.Err(err))
		h.reply(r.Context(), w, status, Response{Status: "error", IdempotencyKey: intent.IdempotencyKey, Error: message(err)})
		return
	}
	order := handle.Snapshot()
	if handle.Replay() {
		h.reply(r.Context(), w, http.StatusOK, Response{Status: "duplicate", IdempotencyKey: handle.Key(), OrderStatus: string(order.Status)})
		return
	}
	h.reply(r.Context(), w, http.StatusAccepted, Response{Status: "accepted", IdempotencyKey: handle.Key(), OrderStatus: string(order.Status)})
}

func (h *Handler) serveCancel(w http.ResponseWriter, r *http.Request, payload Payload) {
	key := strings.TrimSpace(payload.IdempotencyKey)
	if h.canceler == nil {
		h.reply(r.Context(), w, http.StatusUnprocessableEntity, Response{Status: "error", Error: "cancel signal not enabled"})
		return
	}
	if key == "" {
		h.reply(r.Context(), w, http.StatusUnprocessableEntity, Response{Status: "error", Error: "cancel requires idempotencyKey"})
		return
	}
	order, err := h.canceler.Cancel(r.Context(), ledger.Ref{Key: key})
	if err != nil {
		status := statusFor(err)
		h.logger.Info("webhook cancel refused",
			observability.F("key", key),
			observability.F("status", status),
			observability.Err(err))
		h.reply(r.Context(), w, status, Response{Status: "error", IdempotencyKey: key, OrderStatus: string(order.Status), Error: message(err)})
		return
	}
	h.logger.Info("webhook cancel applied", observability.F("key", key), observability.F("order_status", string(order.Status)))
	h.reply(r.Context(), w, http.StatusOK, Response{Status: "canceled", IdempotencyKey: key, OrderStatus: string(order.Status)})
}

// authenticate verifies the signature header first, then the token header or query parameter.
func (h *Handler) authenticate(r *http.Request, body []byte) error {
	if sig := strings.TrimSpace(r.Header.Get(SignatureHeader)); sig != "" && h.auth.Signature != nil {
		sig = strings.TrimPrefix(sig, "sha256=")
		return h.auth.Signature.Verify(body, []byte(sig))
	}
	token := r.Header.Get(TokenHeader)
	if token == "" {
		token = r.URL.Query().Get(tokenQuery)
	}
	if token != "" && h.auth.Token != nil {
		return h.auth.Token.Verify(body, []byte(token))
	}
	return errs.New(scope, errs.CodeAuth, errs.WithMessage("no usable credential presented"))
}

func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, status int, resp Response) {
	if h.requests != nil {
		h.requests.Add(ctx, 1, metric.WithAttributes(telemetry.With(
			telemetry.AttrStatusCode.Int(status),
		)...))
	}
	httpx.WriteJSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeRejected:
		return http.StatusUnprocessableEntity
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeBackpressure, errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func message(err error) string {
	if e, ok := errs.As(err); ok {
		if e.RawMsg != "" {
			return e.RawMsg
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Code)
	}
	return err.Error()
}
