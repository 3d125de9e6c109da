// Package rooms tracks which conversation rooms the client wants to be
// subscribed to, and replays joins after every reconnect. The server has no
// memory of a dropped connection's room state.
package rooms

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
)

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(ctx context.Context, typ string, payload any) error
}

type membership struct {
	joinedAt  time.Time
	serverAck bool
}

// Manager owns the desired and acked membership sets.
//
// Join/Leave mutate only the desired set; wire calls are derived from it so
// UI code cannot desync intent from wire state.
type Manager struct {
	log    *slog.Logger
	sender Sender
	nowFn  func() time.Time

	mu      sync.Mutex
	desired map[string]*membership
}

// NewManager constructs a Manager with an empty desired set.
func NewManager(log *slog.Logger, sender Sender, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		log:     log,
		sender:  sender,
		nowFn:   nowFn,
		desired: make(map[string]*membership),
	}
}

// Join adds the conversation to the desired set and issues the wire join when
// the channel is live. Joining while disconnected is legal: the room is
// replayed on the next connected event.
func (m *Manager) Join(ctx context.Context, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	m.mu.Lock()
	mb, ok := m.desired[conversationID]
	if !ok {
		mb = &membership{joinedAt: m.nowFn()}
		m.desired[conversationID] = mb
	}
	m.mu.Unlock()

	m.sendJoin(ctx, conversationID, mb)
}

// Leave removes the conversation from the desired set so it is never
// replayed. The wire leave is best-effort: while disconnected the server has
// already forgotten the membership.
func (m *Manager) Leave(ctx context.Context, conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	m.mu.Lock()
	_, existed := m.desired[conversationID]
	delete(m.desired, conversationID)
	m.mu.Unlock()

	if !existed {
		return
	}

	if err := m.sender.Send(ctx, v1.TypeLeaveChat, v1.LeaveChatPayload{ConversationID: conversationID}); err != nil {
		m.log.Info("rooms.leave.skip", "conversation_id", conversationID, "err", err)
	}
}

// OnConnected clears all acks and re-issues joins for the entire desired set,
// in stable order, regardless of prior ack state.
func (m *Manager) OnConnected(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.desired))
	for id, mb := range m.desired {
		mb.serverAck = false
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		m.mu.Lock()
		mb := m.desired[id]
		m.mu.Unlock()
		if mb == nil {
			// Left while we were replaying.
			continue
		}
		m.sendJoin(ctx, id, mb)
	}
}

// OnDisconnected clears the acked subset; desired intent is retained.
func (m *Manager) OnDisconnected() {
	m.mu.Lock()
	for _, mb := range m.desired {
		mb.serverAck = false
	}
	m.mu.Unlock()
}

// Desired returns a sorted snapshot of the desired conversation ids.
func (m *Manager) Desired() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Acked returns a sorted snapshot of conversations the server confirmed on
// the current connection.
func (m *Manager) Acked() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.desired))
	for id, mb := range m.desired {
		if mb.serverAck {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (m *Manager) sendJoin(ctx context.Context, conversationID string, mb *membership) {
	err := m.sender.Send(ctx, v1.TypeJoinChat, v1.JoinChatPayload{ConversationID: conversationID})
	if err != nil {
		m.log.Info("rooms.join.defer", "conversation_id", conversationID, "err", err)
		return
	}

	m.mu.Lock()
	if cur, ok := m.desired[conversationID]; ok && cur == mb {
		cur.serverAck = true
	}
	m.mu.Unlock()

	m.log.Info("rooms.join.sent", "conversation_id", conversationID)
}
