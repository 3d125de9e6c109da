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
	"testing"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scriptable connection: the test injects inbound frames and
// observes outbound writes.
type fakeConn struct {
	id     string
	inbox  chan []byte
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		inbox:  make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) TransportID() string { return c.id }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, net.ErrClosed
	case data := <-c.inbox:
		return data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.writes <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "in-1", TS: time.Now().UTC(), Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.inbox <- data
}

// fakeDialer hands out pre-built connections in order, failing while none
// are available.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) add(conn *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
}

func newTestChannel(d *fakeDialer) (*Channel, chan Lifecycle) {
	ch := NewChannel(testLogger(), nil, Options{
		Addr:       "ws://test/chat",
		Dialer:     d.dial,
		RetryDelay: 5 * time.Millisecond,
	})
	events := make(chan Lifecycle, 64)
	ch.OnLifecycle(func(ev Lifecycle) { events <- ev })
	return ch, events
}

func awaitState(t *testing.T, events chan Lifecycle, want State) Lifecycle {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for lifecycle state %s", want)
		case ev := <-events:
			if ev.State == want {
				return ev
			}
		}
	}
}

func TestConnectEmitsConnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	d.add(newFakeConn("t-1"))
	ch, events := newTestChannel(d)
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Idempotent while running.
	if err := ch.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	ev := awaitState(t, events, StateConnected)
	if ev.TransportID != "t-1" {
		t.Fatalf("transport id=%q want=t-1", ev.TransportID)
	}
	if got := ch.State(); got != StateConnected {
		t.Fatalf("state=%s want=connected", got)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(&fakeDialer{})
	defer ch.Disconnect()

	err := ch.Send(context.Background(), v1.TypeTyping, v1.TypingPayload{ConversationID: "conv1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want=ErrNotConnected", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	first := newFakeConn("t-1")
	d.add(first)
	ch, events := newTestChannel(d)
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, events, StateConnected)

	// Simulate a server-side drop. The channel must retry until a new
	// connection is available, then emit Connected with the fresh id.
	_ = first.Close()
	awaitState(t, events, StateReconnecting)

	d.add(newFakeConn("t-2"))
	ev := awaitState(t, events, StateConnected)
	if ev.TransportID != "t-2" {
		t.Fatalf("transport id=%q want=t-2", ev.TransportID)
	}
	if ev.RetryCount == 0 {
		t.Fatalf("retry count=0 want>0 after a drop")
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	d.add(newFakeConn("t-1"))
	ch, events := newTestChannel(d)

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, events, StateConnected)

	ch.Disconnect()
	awaitState(t, events, StateDisconnected)

	if err := ch.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Disconnect: err=%v want=ErrClosed", err)
	}
	err := ch.Send(context.Background(), v1.TypeTyping, v1.TypingPayload{ConversationID: "conv1"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Disconnect: err=%v want=ErrClosed", err)
	}
}

func TestDispatchPreservesDeliveryOrder(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	conn := newFakeConn("t-1")
	d.add(conn)
	ch, events := newTestChannel(d)
	defer ch.Disconnect()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 8)
	ch.Handle(v1.TypeNewMessage, func(env v1.Envelope) {
		var p v1.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		mu.Lock()
		got = append(got, p.ID)
		mu.Unlock()
		done <- struct{}{}
	})

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, events, StateConnected)

	for i := 1; i <= 3; i++ {
		conn.push(t, v1.TypeNewMessage, v1.NewMessagePayload{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "conv1",
			SenderID:       "u2",
			CreatedAt:      time.Now().UTC(),
		})
	}
	// Malformed and unknown frames are dropped, not fatal.
	conn.inbox <- []byte(`{"not json`)
	conn.inbox <- []byte(`{"v":"v1","type":"mystery"}`)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for dispatch %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Fatalf("dispatch order=%v want=[m1 m2 m3]", got)
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	conn := newFakeConn("t-1")
	d.add(conn)
	ch, events := newTestChannel(d)
	defer ch.Disconnect()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, events, StateConnected)

	err := ch.Send(context.Background(), v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: "conv1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-conn.writes:
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal write: %v", err)
		}
		if err := env.Validate(); err != nil {
			t.Fatalf("written envelope invalid: %v", err)
		}
		if env.Type != v1.TypeJoinChat || env.ID == "" || env.TS.IsZero() {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for write")
	}
}
