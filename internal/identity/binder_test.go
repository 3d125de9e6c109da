package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	v1 "marketchat/contracts/chat/v1"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	setups    []string
}

func (f *fakeSender) Send(_ context.Context, typ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	if typ != v1.TypeSetup {
		return errors.New("unexpected type: " + typ)
	}
	f.setups = append(f.setups, payload.(v1.SetupPayload).ProfileID)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setups...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBindSendsSetupWhenConnected(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{connected: true}
	b := NewBinder(testLogger(), sender)

	b.Bind(context.Background(), "p1")

	if got := sender.snapshot(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("setups=%v want=[p1]", got)
	}
	if !b.IsBound() {
		t.Fatalf("IsBound=false after successful setup")
	}
}

func TestBindWhileDisconnectedRebindsOnConnected(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	b := NewBinder(testLogger(), sender)
	ctx := context.Background()

	b.Bind(ctx, "p1")
	if b.IsBound() {
		t.Fatalf("IsBound=true while disconnected")
	}
	if b.ProfileID() != "p1" {
		t.Fatalf("ProfileID=%q want=p1", b.ProfileID())
	}

	sender.mu.Lock()
	sender.connected = true
	sender.mu.Unlock()

	b.OnConnected(ctx)
	if got := sender.snapshot(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("setups=%v want=[p1]", got)
	}
	if !b.IsBound() {
		t.Fatalf("IsBound=false after reconnect setup")
	}
}

func TestSwitchProfileUnbindsPrevious(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{connected: true}
	b := NewBinder(testLogger(), sender)
	ctx := context.Background()

	b.Bind(ctx, "p1")
	b.Bind(ctx, "p2")

	if got := sender.snapshot(); len(got) != 2 || got[1] != "p2" {
		t.Fatalf("setups=%v want=[p1 p2]", got)
	}
	if b.ProfileID() != "p2" {
		t.Fatalf("ProfileID=%q want=p2", b.ProfileID())
	}

	// After a reconnect only the active profile is re-bound.
	b.OnDisconnected()
	b.OnConnected(ctx)
	got := sender.snapshot()
	if got[len(got)-1] != "p2" || len(got) != 3 {
		t.Fatalf("setups=%v want one rebind of p2", got)
	}
}

func TestOnConnectedWithoutProfileIsNoop(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{connected: true}
	b := NewBinder(testLogger(), sender)

	b.OnConnected(context.Background())
	if got := sender.snapshot(); len(got) != 0 {
		t.Fatalf("setups=%v want empty", got)
	}
	if b.IsBound() {
		t.Fatalf("IsBound=true with no profile")
	}
}
