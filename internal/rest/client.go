// Package rest issues signed, rate-limited calls to the exchange REST API and classifies failures.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/signer"
	"github.com/coachpo/tradewire/internal/telemetry"
)

const (
	scope           = "rest"
	maxResponseBody = 8 << 20
)

// Security selects how a request is authenticated.
type Security int

const (
	SecurityNone Security = iota
	SecurityAPIKey
	SecuritySigned
)

// Request describes one logical call. Signed requests are re-signed on every attempt.
type Request struct {
	Method   string
	Path     string
	Params   url.Values
	Class    ratelimit.Class
	Weight   int
	Security Security
}

// Response is a successful HTTP exchange.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
	Latency  time.Duration
}

// Decode unmarshals the body into v.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errs.New(scope, errs.CodeTransient, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

// Signer is the subset of signer.Signer the client needs.
type Signer interface {
	APIKey() string
	SignREST(method, path string, params url.Values) (signer.SignedRequest, error)
	Revalidate(ctx context.Context) error
}

// Limiter is the subset of ratelimit.Limiter the client needs.
type Limiter interface {
	Reserve(ctx context.Context, class ratelimit.Class, weight int, timeout time.Duration) (ratelimit.Permit, error)
	Pause(class ratelimit.Class, until time.Time)
	Observe(header http.Header)
}

// Config tunes timeouts and retry budgets.
type Config struct {
	BaseURL string
	// Timeout is the hard per-attempt deadline. Expiry is Transient: the outcome is unknown.
	Timeout               time.Duration
	PermitTimeout         time.Duration
	MaxAttempts           int
	MaxRateLimitedRetries int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PermitTimeout <= 0 {
		c.PermitTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxRateLimitedRetries <= 0 {
		c.MaxRateLimitedRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Client performs exchange REST calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     Signer
	limiter    Limiter
	clock      clock.Clock
	logger     observability.Logger
	newBackoff func() backoff.BackOff

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock injects the clock used for retry delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clock.OrReal(clk) }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackoff replaces the transient retry policy.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(c *Client) {
		if factory != nil {
			c.newBackoff = factory
		}
	}
}

// New builds a client. limiter and sig are required; sig may be nil only for unsigned use.
func New(cfg Config, sig Signer, limiter Limiter, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("rest: base url required")
	}
	if limiter == nil {
		return nil, errors.New("rest: limiter required")
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		signer:     sig,
		limiter:    limiter,
		clock:      clock.Real{},
		logger:     observability.Log(),
	}
	c.newBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialBackoff
		b.MaxInterval = cfg.MaxBackoff
		b.Multiplier = 2
		b.RandomizationFactor = 0.5
		return b
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	meter := telemetry.Meter()
	c.calls, _ = meter.Int64Counter(telemetry.MetricRESTCalls,
		metric.WithDescription("REST attempts by outcome"),
		metric.WithUnit("{call}"))
	c.duration, _ = meter.Float64Histogram(telemetry.MetricRESTDuration,
		metric.WithDescription("REST attempt latency"),
		metric.WithUnit("ms"))
	return c, nil
}

// Call runs the request with retries. Transient failures back off with jitter up to MaxAttempts and
// then surface as ExecutionFailed. Rate limited answers wait for the exchange hint and draw on a
// separate budget. Rejections are returned verbatim; fatal auth failures trigger revalidation.
// Once a mutating request has failed transiently, any later failure is wrapped in UnknownOutcome
// because the earlier attempt may have executed.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	bo := c.newBackoff()
	bo.Reset()
	attempts, limited, total := 0, 0, 0
	uncertain := false

	for {
		total++
		resp, err := c.attempt(ctx, req)
		if err == nil {
			resp.Attempts = total
			return resp, nil
		}

		var delay time.Duration
		switch errs.CodeOf(err) {
		case errs.CodeTransient:
			attempts++
			uncertain = uncertain || req.Method != http.MethodGet
			if attempts >= c.cfg.MaxAttempts {
				return Response{}, c.exhausted(req, attempts, err)
			}
			delay = bo.NextBackOff()
			if delay == backoff.Stop {
				return Response{}, c.exhausted(req, attempts, err)
			}
		case errs.CodeRateLimited:
			limited++
			if limited > c.cfg.MaxRateLimitedRetries {
				return Response{}, c.settle(req, uncertain, err)
			}
			delay = retryAfterOf(err)
			if delay <= 0 {
				delay = bo.NextBackOff()
			}
			if delay != backoff.Stop && delay > 0 {
				c.limiter.Pause("", c.clock.Now().Add(delay))
			}
		case errs.CodeFatal:
			if c.signer != nil {
				go func() {
					rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
					defer cancel()
					_ = c.signer.Revalidate(rctx)
				}()
			}
			return Response{}, c.settle(req, uncertain, err)
		default:
			return Response{}, c.settle(req, uncertain, err)
		}

		if ctx.Err() != nil {
			return Response{}, c.exhausted(req, attempts, err)
		}
		c.logger.Debug("rest retry scheduled",
			observability.F("path", req.Path),
			observability.F("code", string(errs.CodeOf(err))),
			observability.F("delay", delay.String()),
			observability.F("attempt", total))
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return Response{}, c.exhausted(req, attempts, err)
		}
	}
}

func (c *Client) exhausted(req Request, attempts int, last error) error {
	return errs.New(scope, errs.CodeExecutionFailed,
		errs.WithMessage(fmt.Sprintf("%s %s failed after %d transient attempts", req.Method, req.Path, attempts)),
		errs.WithCause(last))
}

// settle returns last as is unless an earlier attempt left the outcome open.
func (c *Client) settle(req Request, uncertain bool, last error) error {
	if !uncertain {
		return last
	}
	return errs.New(scope, errs.CodeUnknownOutcome,
		errs.WithMessage(fmt.Sprintf("%s %s failed after an ambiguous attempt", req.Method, req.Path)),
		errs.WithCause(last))
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	if _, err := c.limiter.Reserve(ctx, req.Class, req.Weight, c.cfg.PermitTimeout); err != nil {
		return Response{}, err
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return Response{}, err
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	httpReq = httpReq.WithContext(actx)

	start := c.clock.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(ctx, req, start, "transport")
		return Response{}, classifyTransport(req, err, actx)
	}
	defer func() { _ = httpResp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		c.record(ctx, req, start, "transport")
		return Response{}, classifyTransport(req, err, actx)
	}
	c.limiter.Observe(httpResp.Header)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		c.record(ctx, req, start, "ok")
		return Response{
			Status:  httpResp.StatusCode,
			Header:  httpResp.Header,
			Body:    body,
			Latency: c.clock.Now().Sub(start),
		}, nil
	}
	classified := classifyStatus(req, httpResp.StatusCode, httpResp.Header, body, c.clock.Now())
	c.record(ctx, req, start, string(errs.CodeOf(classified)))
	return Response{}, classified
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	var encoded string
	switch req.Security {
	case SecuritySigned:
		if c.signer == nil {
			return nil, errs.New(scope, errs.CodeCredential, errs.WithMessage("signed request without signer"))
		}
		signed, err := c.signer.SignREST(method, req.Path, req.Params)
		if err != nil {
			return nil, err
		}
		encoded = signed.Encoded()
	default:
		encoded = req.Params.Encode()
	}

	target := c.cfg.BaseURL + req.Path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			target += "?" + encoded
		}
	} else {
		body = bytes.NewBufferString(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Security != SecurityNone && c.signer != nil {
		httpReq.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	}
	return httpReq, nil
}

func (c *Client) record(ctx context.Context, req Request, start time.Time, result string) {
	attrs := metric.WithAttributes(telemetry.With(
		telemetry.AttrEndpoint.String(req.Path),
		telemetry.AttrResult.String(result),
	)...)
	c.calls.Add(ctx, 1, attrs)
	c.duration.Record(ctx, float64(c.clock.Now().Sub(start).Milliseconds()), attrs)
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func classifyTransport(req Request, err error, attemptCtx context.Context) error {
	msg := "transport failure"
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		msg = "hard timeout, outcome unknown"
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		msg = "connection reset"
	}
	return errs.New(scope, errs.CodeTransient,
		errs.WithMessage(msg),
		errs.WithField("path", req.Path),
		errs.WithCause(err))
}

func classifyStatus(req Request, status int, header http.Header, body []byte, now time.Time) error {
	var api apiError
	_ = json.Unmarshal(body, &api)
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithField("path", req.Path),
	}
	if api.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(api.Code)))
	}
	if api.Msg != "" {
		opts = append(opts, errs.WithRawMessage(api.Msg))
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" && len(trimmed) < 512 {
		opts = append(opts, errs.WithRawMessage(trimmed))
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || api.Code == -1003:
		opts = append(opts, errs.WithRetryAfter(parseRetryAfter(header.Get("Retry-After"), now)))
		return errs.New(scope, errs.CodeRateLimited, opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		api.Code == -2014 || api.Code == -2015 || api.Code == -1022:
		return errs.New(scope, errs.CodeFatal, append(opts, errs.WithMessage("credential or signature rejected"))...)
	case status >= 500:
		return errs.New(scope, errs.CodeTransient, append(opts, errs.WithMessage("exchange unavailable"))...)
	case api.Code == -1001 || api.Code == -1007 || api.Code == -1021:
		return errs.New(scope, errs.CodeTransient, opts...)
	default:
		return errs.New(scope, errs.CodeRejected, append(opts, errs.WithReason(reasonFor(api)))...)
	}
}

func reasonFor(api apiError) errs.Reason {
	switch api.Code {
	case -2011, -2013:
		return errs.ReasonOrderNotFound
	case -2019, -2018:
		return errs.ReasonInsufficientBalance
	case -1121:
		return errs.ReasonInvalidSymbol
	case -4116:
		return errs.ReasonDuplicateOrder
	case -1111, -1013, -4003:
		return errs.ReasonPrecision
	}
	switch strings.ToLower(strings.TrimSpace(api.Msg)) {
	case "duplicate order sent.":
		return errs.ReasonDuplicateOrder
	case "account has insufficient balance for requested action.", "margin is insufficient.":
		return errs.ReasonInsufficientBalance
	case "unknown order sent.", "order does not exist.":
		return errs.ReasonOrderNotFound
	}
	return errs.ReasonUnknown
}

// parseRetryAfter accepts delta seconds or an HTTP date, measured from now.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	if e, ok := errs.As(err); ok {
		return e.RetryAfter
	}
	return 0
}
