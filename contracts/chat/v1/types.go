// Package v1 defines the marketchat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the sync layer and any embedding application to keep
// the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "marketchat.chat.v1"

// Type constants (wire-stable).
const (
	// TypeSetup binds the connection to an active profile (client -> server).
	TypeSetup = "setup"

	// TypeJoinChat subscribes the connection to a conversation room (client -> server).
	TypeJoinChat = "join_chat"
	// TypeLeaveChat unsubscribes from a conversation room (client -> server).
	TypeLeaveChat = "leave_chat"

	// TypeSendMessage requests sending a message (client -> server).
	TypeSendMessage = "send_message"
	// TypeNewMessage delivers a confirmed or third-party message (server -> client).
	TypeNewMessage = "new_message"

	// TypeTyping is a typing signal in either direction.
	TypeTyping = "typing"

	// TypeUserStatusChanged is a presence push (server -> client).
	TypeUserStatusChanged = "user_status_changed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// MediaKind enumerates supported media attachment kinds.
const (
	MediaImage = "image"
	MediaVideo = "video"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSetup,
		TypeJoinChat,
		TypeLeaveChat,
		TypeSendMessage,
		TypeNewMessage,
		TypeTyping,
		TypeUserStatusChanged,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SetupPayload binds the connection to the active profile identity.
type SetupPayload struct {
	ProfileID string `json:"profile_id"`
}

// JoinChatPayload subscribes to a conversation room.
type JoinChatPayload struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveChatPayload unsubscribes from a conversation room.
type LeaveChatPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Media is an attachment already uploaded to the media service.
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Validate checks the attachment shape.
func (m Media) Validate() error {
	if strings.TrimSpace(m.URL) == "" {
		return errors.New("missing media url")
	}
	if m.Kind != MediaImage && m.Kind != MediaVideo {
		return fmt.Errorf("unsupported media kind: %q", m.Kind)
	}
	return nil
}

// SendMessagePayload requests sending a message into a conversation.
// CorrelationID is client-generated and echoed back on the confirming
// new_message so the optimistic envelope can be promoted in place.
type SendMessagePayload struct {
	CorrelationID  string `json:"correlation_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content,omitempty"`
	Media          *Media `json:"media,omitempty"`
}

// NewMessagePayload delivers a confirmed message. CorrelationID is present
// only when the message is an echo of this client's own send.
type NewMessagePayload struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content,omitempty"`
	Media          *Media    `json:"media,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingPayload carries typing signals. UserID is set only on inbound events.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// UserStatusChangedPayload is a presence push.
type UserStatusChangedPayload struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ErrorPayload is a generic error response payload. CorrelationID is set when
// the error rejects a specific send_message request.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
