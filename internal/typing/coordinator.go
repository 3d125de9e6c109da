// Package typing debounces local typing signals outbound and expires remote
// typing indicators inbound.
//
// A signal older than its TTL is treated as absent even if no explicit stop
// event arrived, which keeps the UI resilient to lost stop-typing events.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/metrics"
)

const (
	// DefaultDebounce is the minimum gap between outbound typing events per
	// conversation.
	DefaultDebounce = 1500 * time.Millisecond
	// DefaultTTL is how long a remote typing signal stays visible without a
	// refresh.
	DefaultTTL = 5 * time.Second
)

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(ctx context.Context, typ string, payload any) error
}

// Coordinator owns typing state in both directions. The clock is injected so
// debounce and expiry are testable without wall-clock waits.
type Coordinator struct {
	log    *slog.Logger
	sender Sender
	met    *metrics.Metrics
	nowFn  func() time.Time

	debounce time.Duration
	ttl      time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time            // conversation -> last outbound signal
	signals  map[string]map[string]time.Time // conversation -> user -> expiresAt
}

// NewCoordinator constructs a Coordinator. Zero durations select defaults.
func NewCoordinator(log *slog.Logger, sender Sender, met *metrics.Metrics, nowFn func() time.Time, debounce, ttl time.Duration) *Coordinator {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if met == nil {
		met = metrics.New(nil)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		log:      log,
		sender:   sender,
		met:      met,
		nowFn:    nowFn,
		debounce: debounce,
		ttl:      ttl,
		lastSent: make(map[string]time.Time),
		signals:  make(map[string]map[string]time.Time),
	}
}

// Touch registers local typing activity (typically per keystroke). At most
// one wire event goes out per debounce window per conversation. Typing is
// ephemeral: when the channel is down the signal is dropped, never queued.
func (c *Coordinator) Touch(ctx context.Context, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	now := c.nowFn()

	c.mu.Lock()
	if last, ok := c.lastSent[conversationID]; ok && now.Sub(last) < c.debounce {
		c.mu.Unlock()
		c.met.TypingDebounce.Inc()
		return
	}
	c.lastSent[conversationID] = now
	c.mu.Unlock()

	err := c.sender.Send(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: conversationID})
	if err != nil {
		c.log.Debug("typing.send.skip", "conversation_id", conversationID, "err", err)
	}
}

// OnRemoteTyping refreshes the signal for one remote user with a fresh TTL.
func (c *Coordinator) OnRemoteTyping(conversationID, userID string) {
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return
	}

	c.mu.Lock()
	users, ok := c.signals[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		c.signals[conversationID] = users
	}
	users[userID] = c.nowFn().Add(c.ttl)
	c.mu.Unlock()
}

// TypingIn returns the users currently typing in a conversation, sorted.
// Expired signals are swept lazily on read.
func (c *Coordinator) TypingIn(conversationID string) []string {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.signals[conversationID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(users))
	for userID, expiresAt := range users {
		if !expiresAt.After(now) {
			delete(users, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(c.signals, conversationID)
	}
	if len(out) == 0 {
		return nil
	}

	sort.Strings(out)
	return out
}

// Reset drops all typing state. Called on logout.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.lastSent = make(map[string]time.Time)
	c.signals = make(map[string]map[string]time.Time)
	c.mu.Unlock()
}
