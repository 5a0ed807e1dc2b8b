// Package ratelimit gates outbound REST calls against exchange weight budgets.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/telemetry"
)

// Class groups endpoints that share a bucket.
type Class string

const (
	ClassOrder  Class = "order"
	ClassQuery  Class = "query"
	ClassMarket Class = "market"
)

// BucketConfig sizes one bucket: Capacity weight refilled evenly over Window.
type BucketConfig struct {
	Capacity int
	Window   time.Duration
	// Header is the exchange response header reporting usage for this bucket.
	Header string
}

// DefaultBuckets mirrors the USD-M futures defaults.
func DefaultBuckets() map[Class]BucketConfig {
	return map[Class]BucketConfig{
		ClassOrder:  {Capacity: 300, Window: 10 * time.Second, Header: "X-MBX-ORDER-COUNT-10S"},
		ClassQuery:  {Capacity: 2400, Window: time.Minute, Header: "X-MBX-USED-WEIGHT-1M"},
		ClassMarket: {Capacity: 2400, Window: time.Minute, Header: "X-MBX-USED-WEIGHT-1M"},
	}
}

// Permit records a granted reservation.
type Permit struct {
	Class     Class
	Weight    int
	GrantedAt time.Time
	Waited    time.Duration
	// Seq is the grant order within the class.
	Seq uint64
}

// Budget is a point-in-time view of one bucket.
type Budget struct {
	Class        Class         `json:"class"`
	Capacity     int           `json:"capacity"`
	Window       time.Duration `json:"window"`
	Remaining    float64       `json:"remaining"`
	RefillPerSec float64       `json:"refillPerSec"`
	ExchangeUsed int           `json:"exchangeUsed"`
	ReportedAt   time.Time     `json:"reportedAt"`
	PausedUntil  time.Time     `json:"pausedUntil"`
	Waiting      int           `json:"waiting"`
}

type bucket struct {
	class Class
	cfg   BucketConfig
	lim   *rate.Limiter

	mu          sync.Mutex
	tail        chan struct{}
	pausedUntil time.Time
	used        int
	reportedAt  time.Time
	waiting     int
	granted     uint64
}

// Limiter owns one bucket per class.
type Limiter struct {
	clock   clock.Clock
	logger  observability.Logger
	buckets map[Class]*bucket

	waitHist metric.Float64Histogram
	rejected metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a limiter. Buckets start full.
func New(buckets map[Class]BucketConfig, opts ...Option) (*Limiter, error) {
	if len(buckets) == 0 {
		buckets = DefaultBuckets()
	}
	l := &Limiter{
		clock:   clock.Real{},
		logger:  observability.Log(),
		buckets: make(map[Class]*bucket, len(buckets)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	now := l.clock.Now()
	for class, cfg := range buckets {
		if cfg.Capacity <= 0 || cfg.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: bucket %s: capacity and window must be >0", class)
		}
		every := rate.Limit(float64(cfg.Capacity) / cfg.Window.Seconds())
		lim := rate.NewLimiter(every, cfg.Capacity)
		// Touch the limiter so its internal clock starts at the injected time.
		lim.AllowN(now, 0)
		done := make(chan struct{})
		close(done)
		l.buckets[class] = &bucket{class: class, cfg: cfg, lim: lim, tail: done}
	}

	meter := telemetry.Meter()
	l.waitHist, _ = meter.Float64Histogram(telemetry.MetricRateLimitWait,
		metric.WithDescription("Time spent waiting for a rate limit permit"),
		metric.WithUnit("ms"))
	l.rejected, _ = meter.Int64Counter(telemetry.MetricRateLimitRejected,
		metric.WithDescription("Reservations that returned backpressure"),
		metric.WithUnit("{reservation}"))
	return l, nil
}

// Reserve grants weight from the class bucket, blocking up to timeout. Grants are released strictly
// in arrival order. It returns a Backpressure error when capacity cannot be obtained in time.
func (l *Limiter) Reserve(ctx context.Context, class Class, weight int, timeout time.Duration) (Permit, error) {
	b, ok := l.buckets[class]
	if !ok {
		return Permit{}, errs.New("ratelimit", errs.CodeInvalid, errs.WithMessage("unknown class "+string(class)))
	}
	if weight <= 0 {
		weight = 1
	}
	if weight > b.cfg.Capacity {
		l.recordRejected(ctx, class)
		return Permit{}, backpressure(class, "weight exceeds bucket capacity", nil)
	}

	start := l.clock.Now()

	b.mu.Lock()
	res := b.lim.ReserveN(start, weight)
	delay := res.DelayFrom(start)
	if wait := b.pausedUntil.Sub(start); wait > delay {
		delay = wait
	}
	prev := b.tail
	mine := make(chan struct{})
	b.tail = mine
	b.waiting++
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
		go func() {
			<-prev
			close(mine)
		}()
	}

	if !res.OK() || (timeout > 0 && delay > timeout) || exceedsDeadline(ctx, start, delay) {
		res.CancelAt(start)
		release()
		l.recordRejected(ctx, class)
		return Permit{}, backpressure(class, fmt.Sprintf("no capacity within %s", timeout), nil)
	}

	if delay > 0 {
		select {
		case <-l.clock.After(delay):
		case <-ctx.Done():
			res.CancelAt(l.clock.Now())
			release()
			l.recordRejected(ctx, class)
			return Permit{}, backpressure(class, "reservation canceled", ctx.Err())
		}
	}

	select {
	case <-prev:
	case <-ctx.Done():
		release()
		l.recordRejected(ctx, class)
		return Permit{}, backpressure(class, "reservation canceled", ctx.Err())
	}
	b.mu.Lock()
	b.waiting--
	b.granted++
	seq := b.granted
	b.mu.Unlock()
	close(mine)

	granted := l.clock.Now()
	waited := granted.Sub(start)
	l.waitHist.Record(ctx, float64(waited.Milliseconds()),
		metric.WithAttributes(telemetry.With(telemetry.AttrRateClass.String(string(class)))...))
	if waited > 0 {
		l.logger.Debug("rate limit permit delayed",
			observability.F("class", string(class)),
			observability.F("weight", weight),
			observability.F("waited", waited.String()))
	}
	return Permit{Class: class, Weight: weight, GrantedAt: granted, Waited: waited, Seq: seq}, nil
}

// Pause blocks new grants until the given time. An empty class pauses every bucket, matching an
// IP-wide 429 from the exchange.
func (l *Limiter) Pause(class Class, until time.Time) {
	for c, b := range l.buckets {
		if class != "" && c != class {
			continue
		}
		b.mu.Lock()
		if until.After(b.pausedUntil) {
			b.pausedUntil = until
		}
		b.mu.Unlock()
	}
	l.logger.Info("rate limit paused", observability.F("class", string(class)), observability.F("until", until))
}

// Observe syncs local buckets with usage reported in exchange response headers. Local tokens are
// drained when the exchange reports more usage than we accounted for.
func (l *Limiter) Observe(header http.Header) {
	if header == nil {
		return
	}
	now := l.clock.Now()
	for _, b := range l.buckets {
		raw := header.Get(b.cfg.Header)
		if raw == "" {
			continue
		}
		used, err := strconv.Atoi(raw)
		if err != nil || used < 0 {
			continue
		}
		b.mu.Lock()
		b.used = used
		b.reportedAt = now
		local := b.lim.TokensAt(now)
		remote := float64(b.cfg.Capacity - used)
		if remote < 0 {
			remote = 0
		}
		if drain := int(local - remote); drain > 0 {
			b.lim.ReserveN(now, drain)
		}
		b.mu.Unlock()
	}
}

// Budget returns a snapshot of one class.
func (l *Limiter) Budget(class Class) (Budget, bool) {
	b, ok := l.buckets[class]
	if !ok {
		return Budget{}, false
	}
	now := l.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.lim.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}
	return Budget{
		Class:        class,
		Capacity:     b.cfg.Capacity,
		Window:       b.cfg.Window,
		Remaining:    remaining,
		RefillPerSec: float64(b.lim.Limit()),
		ExchangeUsed: b.used,
		ReportedAt:   b.reportedAt,
		PausedUntil:  b.pausedUntil,
		Waiting:      b.waiting,
	}, true
}

// Budgets returns snapshots of every class ordered by name.
func (l *Limiter) Budgets() []Budget {
	classes := make([]string, 0, len(l.buckets))
	for c := range l.buckets {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)
	out := make([]Budget, 0, len(classes))
	for _, c := range classes {
		if b, ok := l.Budget(Class(c)); ok {
			out = append(out, b)
		}
	}
	return out
}

func (l *Limiter) recordRejected(ctx context.Context, class Class) {
	l.rejected.Add(ctx, 1, metric.WithAttributes(telemetry.With(telemetry.AttrRateClass.String(string(class)))...))
}

func exceedsDeadline(ctx context.Context, now time.Time, delay time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return now.Add(delay).After(deadline)
}

func backpressure(class Class, msg string, cause error) error {
	return errs.New("ratelimit", errs.CodeBackpressure,
		errs.WithMessage(msg),
		errs.WithField("class", string(class)),
		errs.WithCause(cause))
}
