// Package transport owns the single physical connection to the chat server:
// handshake, reconnect/backoff, and raw event multiplexing.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/ids"
	"marketchat/internal/metrics"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultRetryDelay   = 1 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Send when the channel is not live.
// Callers are responsible for queuing; this is never a user-facing error.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned once Disconnect has been called.
var ErrClosed = errors.New("transport: closed")

// Lifecycle describes a channel state transition delivered to subscribers.
type Lifecycle struct {
	State       State
	TransportID string
	RetryCount  int
}

// Handler consumes one validated inbound envelope.
type Handler func(env v1.Envelope)

// LifecycleHandler consumes channel state transitions.
type LifecycleHandler func(ev Lifecycle)

// Options configures a Channel.
type Options struct {
	// Addr is the websocket URL of the chat server.
	Addr string
	// Dialer defaults to WebsocketDialer().
	Dialer Dialer

	RetryDelay   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// Channel multiplexes the single physical connection.
//
// Concurrency model:
//   - All inbound envelopes and lifecycle events are dispatched from one
//     goroutine (the run loop), so handlers observe them in delivery order.
//   - Send is safe from any goroutine and never blocks on reconnection.
//   - Handle/OnLifecycle must be called before Connect.
type Channel struct {
	log  *slog.Logger
	met  *metrics.Metrics
	opts Options

	handlers  map[string][]Handler
	lifecycle []LifecycleHandler

	mu          sync.Mutex
	state       State
	transportID string
	retryCount  int
	conn        Conn
	started     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewChannel constructs a Channel in the Disconnected state.
func NewChannel(log *slog.Logger, met *metrics.Metrics, opts Options) *Channel {
	opts.applyDefaults()
	if met == nil {
		met = metrics.New(nil)
	}
	return &Channel{
		log:      log,
		met:      met,
		opts:     opts,
		handlers: make(map[string][]Handler),
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
}

// Handle registers a handler for one inbound envelope type.
func (c *Channel) Handle(typ string, h Handler) {
	c.handlers[typ] = append(c.handlers[typ], h)
}

// OnLifecycle registers a handler for state transitions. The Connected
// transition is the anchor point for all re-synchronization logic.
func (c *Channel) OnLifecycle(h LifecycleHandler) {
	c.lifecycle = append(c.lifecycle, h)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TransportID returns the current opaque transport id, empty unless Connected.
func (c *Channel) TransportID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transportID
}

// Connect starts the connection loop. It is idempotent: calling it while the
// loop is already running is a no-op. After Disconnect it returns ErrClosed.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect tears the channel down terminally. It is the only way to stop
// the retry loop. Safe to call multiple times and before Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if started {
		<-c.done
		return
	}

	// Never started: settle terminal state here since there is no run loop.
	c.setState(StateDisconnected, "", 0)
	c.emit(Lifecycle{State: StateDisconnected})
	close(c.done)
}

// Send writes one envelope when Connected; otherwise it fails fast with
// ErrNotConnected and the caller queues.
func (c *Channel) Send(ctx context.Context, typ string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewEnvelopeID(now),
		TS:      now,
		Payload: body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	if err := conn.Write(wctx, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}

	c.met.FramesOut.Inc()
	return nil
}

// ---- run loop ----

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	first := true
	for {
		if ctx.Err() != nil {
			c.settleDisconnected()
			return
		}

		if first {
			c.setState(StateConnecting, "", 0)
			first = false
		} else {
			c.setState(StateReconnecting, "", c.bumpRetry())
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := c.opts.Dialer(dialCtx, c.opts.Addr)
		cancel()

		if err != nil {
			// DNS/TLS/timeout failures are swallowed into the retry loop;
			// they are never fatal to the session.
			c.log.Info("transport.dial.fail", "addr", c.opts.Addr, "retry", c.retrySnapshot(), "err", err)
			if !c.sleep(ctx) {
				c.settleDisconnected()
				return
			}
			continue
		}

		c.attach(conn)
		c.met.Reconnects.Inc()
		c.log.Info("transport.connected", "transport_id", conn.TransportID(), "retries", c.retrySnapshot())
		c.emit(Lifecycle{State: StateConnected, TransportID: conn.TransportID(), RetryCount: c.retrySnapshot()})

		c.readLoop(ctx, conn)

		// transportId is invalidated on every disconnect.
		c.detach(conn)

		if ctx.Err() != nil {
			c.settleDisconnected()
			return
		}

		c.emit(Lifecycle{State: StateReconnecting})
		if !c.sleep(ctx) {
			c.settleDisconnected()
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			kind := classifyReadErr(err)
			if kind != readErrCtxDone {
				c.log.Info("transport.read.end", "kind", kind.String(), "err", err)
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one raw frame to the handlers registered for its type.
// The type is sniffed before full decode so malformed frames are dropped
// without tearing the connection down.
func (c *Channel) dispatch(data []byte) {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.String() == "" {
		c.log.Warn("transport.frame.no_type")
		return
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("transport.frame.bad_json", "type", typ.String(), "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		c.log.Warn("transport.frame.invalid", "type", env.Type, "err", err)
		return
	}

	c.met.FramesIn.Inc()

	for _, h := range c.handlers[env.Type] {
		h(env)
	}
}

func (c *Channel) emit(ev Lifecycle) {
	for _, h := range c.lifecycle {
		h(ev)
	}
}

func (c *Channel) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ---- state bookkeeping ----

func (c *Channel) setState(s State, transportID string, retry int) {
	c.mu.Lock()
	c.state = s
	c.transportID = transportID
	if retry > 0 {
		c.retryCount = retry
	}
	c.mu.Unlock()
}

func (c *Channel) attach(conn Conn) {
	c.mu.Lock()
	c.state = StateConnected
	c.transportID = conn.TransportID()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) detach(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.transportID = ""
	c.mu.Unlock()
}

func (c *Channel) settleDisconnected() {
	c.setState(StateDisconnected, "", 0)
	c.emit(Lifecycle{State: StateDisconnected})
	c.log.Info("transport.disconnected")
}

func (c *Channel) bumpRetry() int {
	c.mu.Lock()
	c.retryCount++
	n := c.retryCount
	c.mu.Unlock()
	return n
}

func (c *Channel) retrySnapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "close"
	case readErrCtxDone:
		return "ctx_done"
	case readErrConnClosed:
		return "conn_closed"
	default:
		return "unknown"
	}
}

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
