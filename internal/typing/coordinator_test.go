package typing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []v1.TypingPayload
	fail bool
}

func (f *fakeSender) Send(_ context.Context, typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("not connected")
	}
	if typ != v1.TypeTyping {
		return errors.New("unexpected type: " + typ)
	}
	f.sent = append(f.sent, payload.(v1.TypingPayload))
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTouchDebounce(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	clock := newFakeClock()
	c := NewCoordinator(testLogger(), sender, nil, clock.Now, 2*time.Second, 5*time.Second)

	ctx := context.Background()

	// A burst of keystrokes yields one wire event.
	for i := 0; i < 10; i++ {
		c.Touch(ctx, "conv1")
		clock.Advance(50 * time.Millisecond)
	}
	if got := sender.count(); got != 1 {
		t.Fatalf("events after burst=%d want=1", got)
	}

	// Past the window a new event goes out.
	clock.Advance(2 * time.Second)
	c.Touch(ctx, "conv1")
	if got := sender.count(); got != 2 {
		t.Fatalf("events after window=%d want=2", got)
	}

	// Debounce is per conversation.
	c.Touch(ctx, "conv2")
	if got := sender.count(); got != 3 {
		t.Fatalf("events after second conversation=%d want=3", got)
	}
}

func TestTouchDroppedWhileDisconnected(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fail: true}
	clock := newFakeClock()
	c := NewCoordinator(testLogger(), sender, nil, clock.Now, 0, 0)

	// Must not panic or queue; typing is ephemeral.
	c.Touch(context.Background(), "conv1")
	if got := sender.count(); got != 0 {
		t.Fatalf("events=%d want=0", got)
	}
}

func TestRemoteTypingExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewCoordinator(testLogger(), &fakeSender{}, nil, clock.Now, 0, 5*time.Second)

	c.OnRemoteTyping("conv1", "bob")
	c.OnRemoteTyping("conv1", "alice")

	got := c.TypingIn("conv1")
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("typing=%v want=[alice bob]", got)
	}

	// A refresh extends bob but not alice.
	clock.Advance(3 * time.Second)
	c.OnRemoteTyping("conv1", "bob")
	clock.Advance(3 * time.Second)

	got = c.TypingIn("conv1")
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing after partial expiry=%v want=[bob]", got)
	}

	// No stop event ever arrives; the signal still goes absent.
	clock.Advance(6 * time.Second)
	if got := c.TypingIn("conv1"); got != nil {
		t.Fatalf("typing after ttl=%v want=nil", got)
	}
}
