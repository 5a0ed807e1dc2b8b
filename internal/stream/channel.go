package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/telemetry"
)

var errListenKeyExpired = errors.New("listen key expired")

type channel struct {
	m     *Manager
	cfg   ChannelConfig
	seq   *sequencer
	scope string

	mu      sync.RWMutex
	status  ChannelStatus
	gotData bool

	ctrlMu      sync.Mutex
	lastControl time.Time

	pendingMu sync.Mutex
	pending   map[string]chan probe

	nextID atomic.Uint64
	resync chan string
}

func newChannel(m *Manager, cfg ChannelConfig) *channel {
	return &channel{
		m:       m,
		cfg:     cfg,
		seq:     newSequencer(),
		scope:   "stream/" + cfg.Name,
		pending: make(map[string]chan probe),
		resync:  make(chan string, len(cfg.Streams)+1),
		status: ChannelStatus{
			Name:    cfg.Name,
			Kind:    cfg.Kind,
			State:   StateDisconnected,
			Streams: append([]string(nil), cfg.Streams...),
		},
	}
}

func (c *channel) snapshot() ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.status
	out.Streams = append([]string(nil), c.status.Streams...)
	return out
}

func (c *channel) setState(s State) {
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
}

func (c *channel) attrs(result string) metric.MeasurementOption {
	base := telemetry.With(telemetry.AttrChannel.String(c.cfg.Name))
	if result != "" {
		base = append(base, telemetry.AttrResult.String(result))
	}
	return metric.WithAttributes(base...)
}

// run keeps the channel connected until ctx is cancelled.
func (c *channel) run(ctx context.Context) {
	bo := c.m.newBackoff()
	attempt := 0
	everConnected := false
	var downSince time.Time

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateConnecting)
		connected, err := c.session(ctx, everConnected, attempt, downSince)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if connected {
			everConnected = true
			attempt = 0
			bo.Reset()
			downSince = c.m.clock.Now()
		}
		if downSince.IsZero() {
			downSince = c.m.clock.Now()
		}
		attempt++
		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay <= 0 {
			delay = c.m.cfg.MaxBackoff
		}

		c.mu.Lock()
		c.status.State = StateDisconnected
		c.status.Attempt = attempt
		c.status.NextRetry = delay
		if err != nil {
			c.status.LastError = err.Error()
		}
		c.mu.Unlock()

		result := "dropped"
		if !connected {
			result = "dial_failed"
		}
		c.m.reconnects.Add(ctx, 1, c.attrs(result))
		c.m.logger.Warn("stream channel disconnected",
			observability.F("channel", c.cfg.Name),
			observability.F("attempt", attempt),
			observability.F("retry_in", delay.String()),
			observability.Err(err))

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-c.m.clock.After(delay):
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *channel) session(ctx context.Context, reconnect bool, attempt int, downSince time.Time) (bool, error) {
	target, listenKey, err := c.resolveURL(ctx)
	if err != nil {
		return false, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.m.cfg.AckTimeout)
	conn, err := c.m.dial(dialCtx, target)
	cancelDial()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Name, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	c.seq.reset()
	c.drainResync()
	c.mu.Lock()
	c.gotData = false
	c.mu.Unlock()
	c.ctrlMu.Lock()
	c.lastControl = time.Time{}
	c.ctrlMu.Unlock()

	if c.cfg.Auth {
		if err := c.logon(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "logon failed")
			return false, err
		}
	}

	if reconnect {
		evt := schema.NewEvent(c.cfg.Name, "", 0, schema.StreamReconnected{
			Attempt:  attempt,
			Downtime: c.m.clock.Now().Sub(downSince),
		})
		c.publish(ctx, evt)
		c.mu.Lock()
		c.status.Reconnects++
		c.mu.Unlock()
	}

	// Reads run on a context detached from shutdown so UNSUBSCRIBE and the close handshake can
	// still be exchanged after ctx is cancelled.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	errCh := make(chan error, 3)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		connCancel()
	}
	var wg conc.WaitGroup
	wg.Go(func() { fail(c.readLoop(connCtx, conn)) })
	wg.Go(func() {
		if err := c.pingLoop(connCtx, conn); err != nil {
			fail(err)
		}
	})
	if c.cfg.Kind == KindUser {
		wg.Go(func() {
			if err := c.keepAlive(connCtx); err != nil {
				fail(err)
			}
		})
	}
	teardown := func(code websocket.StatusCode, reason string) {
		_ = conn.Close(code, reason)
		connCancel()
		wg.Wait()
	}
	shutdown := func() {
		c.shutdown(conn, listenKey)
		connCancel()
		wg.Wait()
	}

	if err := c.control(ctx, connCtx, conn, "SUBSCRIBE", c.cfg.Streams); err != nil {
		if ctx.Err() != nil {
			shutdown()
			return true, nil
		}
		teardown(websocket.StatusGoingAway, "subscribe failed")
		return true, err
	}

	c.mu.Lock()
	c.status.ConnectedAt = c.m.clock.Now()
	c.status.Attempt = 0
	c.status.NextRetry = 0
	c.status.LastError = ""
	if c.gotData {
		c.status.State = StateStreaming
	} else {
		c.status.State = StateSubscribed
	}
	c.mu.Unlock()
	c.m.logger.Info("stream channel subscribed",
		observability.F("channel", c.cfg.Name),
		observability.F("streams", len(c.cfg.Streams)))

	failures := 0
	for {
		select {
		case <-ctx.Done():
			shutdown()
			return true, nil
		case err := <-errCh:
			teardown(websocket.StatusGoingAway, "reconnecting")
			return true, err
		case stream := <-c.resync:
			if err := c.resubscribe(ctx, connCtx, conn, stream); err != nil {
				if ctx.Err() != nil {
					continue
				}
				failures++
				c.m.logger.Warn("stream resubscribe failed",
					observability.F("channel", c.cfg.Name),
					observability.F("stream", stream),
					observability.F("failures", failures),
					observability.Err(err))
				if failures >= c.m.cfg.MaxResyncFailures {
					c.publish(ctx, schema.NewEvent(c.cfg.Name, "", 0, schema.StreamError{
						Code:    schema.StreamErrDesync,
						Message: fmt.Sprintf("resubscribe of %s failed %d times: %v", stream, failures, err),
						Fatal:   true,
					}))
					teardown(websocket.StatusGoingAway, "resync failed")
					return true, errs.New(c.scope, errs.CodeStreamDesync,
						errs.WithMessage("resubscribe attempts exhausted"),
						errs.WithField("stream", stream),
						errs.WithCause(err))
				}
				c.requestResync(stream)
				continue
			}
			failures = 0
		}
	}
}

func (c *channel) resolveURL(ctx context.Context) (string, string, error) {
	if c.cfg.Kind != KindUser {
		return c.cfg.URL, "", nil
	}
	key, err := c.m.keys.CreateListenKey(ctx)
	if err != nil {
		return "", "", fmt.Errorf("listen key: %w", err)
	}
	return strings.TrimRight(c.cfg.URL, "/") + "/" + key, key, nil
}

func (c *channel) logon(ctx context.Context, conn *websocket.Conn) error {
	params, err := c.m.auth.LogonParams()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := c.send(ctx, conn, controlRequest{Method: "session.logon", Params: params, ID: id}); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, c.m.cfg.AckTimeout)
	defer cancel()
	for {
		typ, data, err := conn.Read(rctx)
		if err != nil {
			return fmt.Errorf("await logon reply: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var p probe
		if err := json.Unmarshal(data, &p); err != nil || !p.isRPC() || rpcKey(p.ID) != id {
			continue
		}
		if err := replyError(c.scope, p); err != nil {
			return errs.New(c.scope, errs.CodeFatal, errs.WithMessage("session.logon refused"), errs.WithCause(err))
		}
		return nil
	}
}

func replyError(scope string, p probe) error {
	if p.Error != nil {
		return errs.New(scope, errs.CodeRejected,
			errs.WithRawCode(strconv.Itoa(p.Error.Code)),
			errs.WithRawMessage(p.Error.Msg))
	}
	if p.Status >= 400 {
		return errs.New(scope, errs.CodeRejected, errs.WithHTTP(p.Status))
	}
	return nil
}

// control sends method for streams in chunks and waits for each acknowledgement.
func (c *channel) control(ctx, connCtx context.Context, conn *websocket.Conn, method string, streams []string) error {
	for _, chunk := range chunkStreams(streams, maxStreamsPerRequest) {
		id := c.nextID.Add(1)
		key := strconv.FormatUint(id, 10)
		reply := c.register(key)
		if err := c.send(ctx, conn, controlRequest{Method: method, Params: chunk, ID: id}); err != nil {
			c.unregister(key)
			return err
		}
		if err := c.await(ctx, connCtx, key, reply, method); err != nil {
			return err
		}
	}
	return nil
}

func (c *channel) register(key string) chan probe {
	ch := make(chan probe, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *channel) unregister(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

func (c *channel) await(ctx, connCtx context.Context, key string, reply chan probe, method string) error {
	defer c.unregister(key)
	actx, cancel := context.WithTimeout(connCtx, c.m.cfg.AckTimeout)
	defer cancel()
	select {
	case p := <-reply:
		if err := replyError(c.scope, p); err != nil {
			return fmt.Errorf("%s rejected: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-actx.Done():
		if connCtx.Err() != nil {
			return errs.New(c.scope, errs.CodeTransient, errs.WithMessage("connection lost awaiting "+method+" ack"))
		}
		return errs.New(c.scope, errs.CodeTransient, errs.WithMessage(method+" ack timed out"))
	}
}

func (c *channel) send(ctx context.Context, conn *websocket.Conn, req controlRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Method, err)
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if err := c.paceLocked(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Method, err)
	}
	c.lastControl = c.m.clock.Now()
	c.m.logger.Debug("stream control sent",
		observability.F("channel", c.cfg.Name),
		observability.F("method", req.Method))
	return nil
}

func (c *channel) paceLocked(ctx context.Context) error {
	interval := c.m.cfg.ControlInterval
	if interval <= 0 || c.lastControl.IsZero() {
		return nil
	}
	wait := c.lastControl.Add(interval).Sub(c.m.clock.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-c.m.clock.After(wait):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pacing control frames: %w", ctx.Err())
	}
}

func (c *channel) requestResync(stream string) {
	select {
	case c.resync <- stream:
	default:
	}
}

func (c *channel) drainResync() {
	for {
		select {
		case <-c.resync:
		default:
			return
		}
	}
}

func (c *channel) resubscribe(ctx, connCtx context.Context, conn *websocket.Conn, stream string) error {
	if err := c.control(ctx, connCtx, conn, "UNSUBSCRIBE", []string{stream}); err != nil {
		return err
	}
	if err := c.control(ctx, connCtx, conn, "SUBSCRIBE", []string{stream}); err != nil {
		return err
	}
	c.seq.resynced(stream)
	if !c.seq.degraded() {
		c.setState(StateStreaming)
	}
	c.m.logger.Info("stream resubscribed after gap",
		observability.F("channel", c.cfg.Name),
		observability.F("stream", stream))
	return nil
}

func (c *channel) shutdown(conn *websocket.Conn, listenKey string) {
	sctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.WriteTimeout)
	defer cancel()
	for _, chunk := range chunkStreams(c.cfg.Streams, maxStreamsPerRequest) {
		req := controlRequest{Method: "UNSUBSCRIBE", Params: chunk, ID: c.nextID.Add(1)}
		if err := c.send(sctx, conn, req); err != nil {
			c.m.logger.Debug("unsubscribe on shutdown failed",
				observability.F("channel", c.cfg.Name), observability.Err(err))
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	if listenKey != "" {
		if err := c.m.keys.CloseListenKey(sctx); err != nil {
			c.m.logger.Warn("close listen key failed",
				observability.F("channel", c.cfg.Name), observability.Err(err))
		}
	}
	c.setState(StateDisconnected)
}

func (c *channel) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.m.clock.After(c.m.cfg.PingInterval):
		}
		pctx, cancel := context.WithTimeout(ctx, c.m.cfg.PongTimeout)
		err := conn.Ping(pctx)
		timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if timedOut {
			return errs.New(c.scope, errs.CodeTransient, errs.WithMessage("pong not received within "+c.m.cfg.PongTimeout.String()))
		}
		return fmt.Errorf("ping: %w", err)
	}
}

func (c *channel) keepAlive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.m.clock.After(c.m.cfg.ListenKeyRefresh):
		}
		if err := c.m.keys.KeepAliveListenKey(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errs.Is(err, errs.CodeRejected) {
				return fmt.Errorf("listen key keepalive: %w", err)
			}
			c.m.logger.Warn("listen key keepalive failed",
				observability.F("channel", c.cfg.Name), observability.Err(err))
		}
	}
}

func (c *channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, c.m.cfg.ReadTimeout)
		typ, data, err := conn.Read(rctx)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			if timedOut {
				return errs.New(c.scope, errs.CodeTransient,
					errs.WithMessage("no frame received within "+c.m.cfg.ReadTimeout.String()))
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d: %w", status, err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := c.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (c *channel) handleFrame(ctx context.Context, data []byte) error {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		c.m.logger.Warn("undecodable stream frame",
			observability.F("channel", c.cfg.Name), observability.Err(err))
		return nil
	}
	if p.isRPC() {
		key := rpcKey(p.ID)
		c.pendingMu.Lock()
		reply, ok := c.pending[key]
		c.pendingMu.Unlock()
		if ok {
			select {
			case reply <- p:
			default:
			}
		} else if p.Error != nil {
			c.m.logger.Warn("unsolicited stream error reply",
				observability.F("channel", c.cfg.Name),
				observability.F("code", p.Error.Code),
				observability.F("msg", p.Error.Msg))
		}
		return nil
	}

	stream, body := p.Stream, []byte(p.Data)
	if stream == "" {
		stream, body = c.cfg.Name, data
	}
	d, err := decodeFrame(stream, body)
	if err != nil {
		c.m.logger.Warn("stream frame rejected",
			observability.F("channel", c.cfg.Name),
			observability.F("stream", stream),
			observability.Err(err))
		return nil
	}
	if d.listenKeyExpired {
		return errListenKeyExpired
	}
	if d.payload == nil {
		return nil
	}

	_, consecutive := d.payload.(schema.Trade)
	seq, g, drop := c.seq.check(d, consecutive)
	if drop {
		return nil
	}
	if g != nil {
		c.mu.Lock()
		c.status.State = StateDegraded
		c.status.Desyncs++
		c.mu.Unlock()
		c.m.desyncs.Add(ctx, 1, c.attrs(""))
		c.m.logger.Warn("stream sequence gap",
			observability.F("channel", c.cfg.Name),
			observability.F("stream", g.stream),
			observability.F("expected", g.expected),
			observability.F("got", g.got))
		evt := schema.NewEvent(c.cfg.Name, d.symbol, 0, schema.StreamError{
			Code:     schema.StreamErrDesync,
			Message:  g.reason,
			Expected: g.expected,
			Got:      g.got,
		})
		evt.Stream = g.stream
		c.publish(ctx, evt)
		c.requestResync(g.stream)
		return nil
	}

	evt := schema.NewEvent(c.cfg.Name, d.symbol, seq, d.payload)
	evt.Stream = stream
	evt.EventTime = d.eventTime
	evt.Received = c.m.clock.Now()
	c.publish(ctx, evt)

	c.mu.Lock()
	c.gotData = true
	c.status.LastEventAt = evt.Received
	if c.status.State == StateSubscribed {
		c.status.State = StateStreaming
	}
	c.mu.Unlock()
	c.m.events.Add(ctx, 1, metric.WithAttributes(telemetry.With(
		telemetry.AttrChannel.String(c.cfg.Name),
		telemetry.AttrEventType.String(string(evt.Type)))...))
	return nil
}

func (c *channel) publish(ctx context.Context, evt schema.Event) {
	if evt.Received.IsZero() {
		evt.Received = c.m.clock.Now()
	}
	if err := c.m.publisher.Publish(ctx, evt); err != nil {
		c.m.logger.Warn("publish stream event failed",
			observability.F("channel", c.cfg.Name),
			observability.F("type", string(evt.Type)),
			observability.Err(err))
	}
}
