package stream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/telemetry"
)

// Publisher receives decoded events in arrival order.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

// Authenticator signs the session.logon request.
type Authenticator interface {
	LogonParams() (map[string]any, error)
}

// ListenKeys manages the user-data stream key.
type ListenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
}

// DialFunc opens a WebSocket connection.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	State       State         `json:"state"`
	Streams     []string      `json:"streams,omitempty"`
	Attempt     int           `json:"attempt"`
	NextRetry   time.Duration `json:"nextRetry,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	LastEventAt time.Time     `json:"lastEventAt,omitempty"`
	Reconnects  int           `json:"reconnects"`
	Desyncs     int           `json:"desyncs"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthenticator enables session.logon for channels that request it.
func WithAuthenticator(a Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

// WithListenKeys supplies the listen key lifecycle for user channels.
func WithListenKeys(k ListenKeys) Option {
	return func(m *Manager) { m.keys = k }
}

// WithDialer overrides websocket.Dial.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithClock injects the clock driving backoff, pacing and ping intervals.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBackoff overrides the reconnect backoff policy. The factory is called once per channel.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(m *Manager) {
		if factory != nil {
			m.newBackoff = factory
		}
	}
}

// Manager owns every configured channel.
type Manager struct {
	cfg        Config
	channels   []*channel
	byName     map[string]*channel
	publisher  Publisher
	auth       Authenticator
	keys       ListenKeys
	dial       DialFunc
	clock      clock.Clock
	logger     observability.Logger
	newBackoff func() backoff.BackOff

	reconnects metric.Int64Counter
	desyncs    metric.Int64Counter
	events     metric.Int64Counter
}

// NewManager validates the channel set and builds a manager. Nothing connects until Run.
func NewManager(cfg Config, channels []ChannelConfig, pub Publisher, opts ...Option) (*Manager, error) {
	if pub == nil {
		return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("publisher required"))
	}
	m := &Manager{
		cfg:       cfg.normalize(),
		byName:    make(map[string]*channel, len(channels)),
		publisher: pub,
		dial:      defaultDial,
		clock:     clock.Real{},
		logger:    observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.newBackoff == nil {
		initial, ceiling := m.cfg.InitialBackoff, m.cfg.MaxBackoff
		m.newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = ceiling
			b.Multiplier = 2
			b.RandomizationFactor = 0.5
			return b
		}
	}
	for _, cc := range channels {
		if err := cc.validate(); err != nil {
			return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage(err.Error()))
		}
		if _, dup := m.byName[cc.Name]; dup {
			return nil, errs.New("stream", errs.CodeInvalid, errs.WithMessage("duplicate channel "+cc.Name))
		}
		if cc.Auth && m.auth == nil {
			return nil, errs.New("stream", errs.CodeCredential,
				errs.WithMessage(fmt.Sprintf("channel %s requires logon but no authenticator is configured", cc.Name)))
		}
		if cc.Kind == KindUser && m.keys == nil {
			return nil, errs.New("stream", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("user channel %s requires a listen key provider", cc.Name)))
		}
		ch := newChannel(m, cc)
		m.channels = append(m.channels, ch)
		m.byName[cc.Name] = ch
	}

	meter := telemetry.Meter()
	m.reconnects, _ = meter.Int64Counter(telemetry.MetricStreamReconnects,
		metric.WithDescription("Stream reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.desyncs, _ = meter.Int64Counter(telemetry.MetricStreamDesyncs,
		metric.WithDescription("Sequence gaps detected on stream channels"),
		metric.WithUnit("{gap}"))
	m.events, _ = meter.Int64Counter(telemetry.MetricStreamEvents,
		metric.WithDescription("Events decoded from stream channels"),
		metric.WithUnit("{event}"))
	return m, nil
}

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// Run drives every channel until ctx is cancelled, then unsubscribes and closes each connection.
func (m *Manager) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	for _, ch := range m.channels {
		ch := ch
		wg.Go(func() { ch.run(ctx) })
	}
	wg.Wait()
	return nil
}

// State returns the current state of the named channel.
func (m *Manager) State(name string) (State, bool) {
	ch, ok := m.byName[name]
	if !ok {
		return "", false
	}
	return ch.snapshot().State, true
}

// States returns every channel's status sorted by name.
func (m *Manager) States() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
