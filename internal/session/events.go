package session

import (
	"marketchat/internal/presence"
	"marketchat/internal/reconcile"
	"marketchat/internal/transport"
)

// EventKind discriminates UI-facing events.
type EventKind uint8

const (
	// EventConnState signals a connection state transition.
	EventConnState EventKind = iota
	// EventMessage signals that a conversation's message sequence changed.
	EventMessage
	// EventPresence signals a presence record update.
	EventPresence
	// EventTyping signals that a conversation's typing set changed.
	EventTyping
)

// Event is one update on the UI-facing stream. Consumers treat it as a
// change notification and re-read snapshots for anything not carried inline.
type Event struct {
	Kind EventKind

	// ConnState is set for EventConnState.
	ConnState transport.State

	// Conversation is set for EventMessage and EventTyping.
	Conversation string

	// Message is set for EventMessage when a single envelope changed.
	Message reconcile.Envelope

	// Presence is set for EventPresence.
	Presence presence.Record

	// TypingUsers is set for EventTyping.
	TypingUsers []string
}
