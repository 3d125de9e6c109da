// Package identity associates the physical connection with the currently
// active profile (personal or business) via the setup handshake.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(ctx context.Context, typ string, payload any) error
}

// Binder owns the ProfileBinding. It is the only component allowed to
// mutate it.
type Binder struct {
	log    *slog.Logger
	sender Sender

	mu        sync.Mutex
	profileID string
	boundAt   time.Time
	isBound   bool
}

// NewBinder constructs a Binder with no active profile.
func NewBinder(log *slog.Logger, sender Sender) *Binder {
	return &Binder{log: log, sender: sender}
}

// Bind switches the active identity and, when the channel is live, issues the
// setup handshake immediately. Switching implicitly unbinds the previous
// profile; room replay is not this component's job.
func (b *Binder) Bind(ctx context.Context, profileID string) {
	profileID = strings.TrimSpace(profileID)

	b.mu.Lock()
	b.profileID = profileID
	b.isBound = false
	b.mu.Unlock()

	if profileID == "" {
		return
	}
	b.sendSetup(ctx, profileID)
}

// OnConnected re-issues the setup handshake for the remembered profile.
// Invoked for every successful (re)connection.
func (b *Binder) OnConnected(ctx context.Context) {
	b.mu.Lock()
	profileID := b.profileID
	b.isBound = false
	b.mu.Unlock()

	if profileID == "" {
		return
	}
	b.sendSetup(ctx, profileID)
}

// OnDisconnected invalidates the binding until the next handshake.
func (b *Binder) OnDisconnected() {
	b.mu.Lock()
	b.isBound = false
	b.mu.Unlock()
}

// ProfileID returns the active profile id, empty when none is set.
func (b *Binder) ProfileID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profileID
}

// IsBound reports whether the setup handshake round-tripped on the current
// connection. Nothing may block on this: the wire carries no setup ack, so
// the flag turns true once the frame is written and downstream components
// key off the connected event instead.
func (b *Binder) IsBound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isBound
}

func (b *Binder) sendSetup(ctx context.Context, profileID string) {
	err := b.sender.Send(ctx, v1.TypeSetup, v1.SetupPayload{ProfileID: profileID})
	if err != nil {
		// Binding is fire-and-forget: a failed setup here means the channel
		// dropped, and the next connected event replays it.
		b.log.Info("identity.setup.defer", "profile_id", profileID, "err", err)
		return
	}

	b.mu.Lock()
	if b.profileID == profileID {
		b.isBound = true
		b.boundAt = time.Now().UTC()
	}
	b.mu.Unlock()

	b.log.Info("identity.setup.sent", "profile_id", profileID)
}
