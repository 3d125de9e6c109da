// Package reconcile merges locally-originated optimistic messages with
// server-confirmed messages per conversation, deduplicates, and orders them.
package reconcile

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/ids"

	"github.com/google/uuid"
)

// DeliveryState is the lifecycle state of one message envelope.
type DeliveryState uint8

const (
	// Pending is an optimistic local message awaiting server confirmation.
	Pending DeliveryState = iota
	// Sent is a server-confirmed message.
	Sent
	// Failed is terminal for the envelope; never auto-retried.
	Failed
)

// String returns the lowercase state name.
func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Envelope is one logical message. Exactly one envelope exists per logical
// message: a provisional envelope is replaced in place once the confirmation
// with a matching correlation id arrives.
type Envelope struct {
	// ID is server-assigned once confirmed; a provisional ULID before.
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        string
	Media          *v1.Media
	CreatedAt      time.Time
	State          DeliveryState
}

type sequence struct {
	msgs      []Envelope
	serverIDs map[string]struct{}
}

// Reconciler owns the authoritative ordered message sequence per
// conversation. UI layers only ever see copies.
type Reconciler struct {
	log   *slog.Logger
	nowFn func() time.Time

	mu    sync.Mutex
	convs map[string]*sequence
}

// NewReconciler constructs an empty Reconciler.
func NewReconciler(log *slog.Logger, nowFn func() time.Time) *Reconciler {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		log:   log,
		nowFn: nowFn,
		convs: make(map[string]*sequence),
	}
}

// SendLocal creates a Pending envelope with a fresh correlation id and
// inserts it immediately. The caller enqueues the wire send.
func (r *Reconciler) SendLocal(conversationID, senderID, content string, media *v1.Media) (Envelope, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Envelope{}, errors.New("reconcile: missing conversation id")
	}
	if strings.TrimSpace(content) == "" && media == nil {
		return Envelope{}, errors.New("reconcile: empty message")
	}
	if media != nil {
		if err := media.Validate(); err != nil {
			return Envelope{}, err
		}
	}

	now := r.nowFn()
	env := Envelope{
		ID:             ids.NewEnvelopeID(now),
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Media:          media,
		CreatedAt:      now,
		State:          Pending,
	}

	r.mu.Lock()
	r.seq(conversationID).insert(env)
	r.mu.Unlock()

	return env, nil
}

// OnServerMessage reconciles one inbound message, whether it is an echo of
// this client's own send or a message from another participant.
//
// Algorithm: a matching Pending correlation id promotes the envelope in place
// (adopt server id and timestamp, keep position); otherwise the message is
// inserted ordered by CreatedAt with ties broken by server id. A duplicate
// server id is a no-op.
func (r *Reconciler) OnServerMessage(p v1.NewMessagePayload) (Envelope, bool) {
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" || strings.TrimSpace(p.ID) == "" {
		return Envelope{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.seq(convID)

	if _, dup := s.serverIDs[p.ID]; dup {
		return Envelope{}, false
	}

	if p.CorrelationID != "" {
		if i := s.indexOfPending(p.CorrelationID); i >= 0 {
			env := &s.msgs[i]
			env.ID = p.ID
			env.CreatedAt = p.CreatedAt
			env.State = Sent
			s.serverIDs[p.ID] = struct{}{}
			return *env, true
		}
	}

	env := Envelope{
		ID:             p.ID,
		CorrelationID:  p.CorrelationID,
		ConversationID: convID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Media:          p.Media,
		CreatedAt:      p.CreatedAt,
		State:          Sent,
	}
	s.insert(env)
	s.serverIDs[p.ID] = struct{}{}
	return env, true
}

// SeedHistory layers REST-loaded history under live events. Inserts are
// idempotent by server id, so a seed racing live delivery is harmless.
func (r *Reconciler) SeedHistory(conversationID string, msgs []v1.NewMessagePayload) int {
	added := 0
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if _, ok := r.OnServerMessage(m); ok {
			added++
		}
	}
	return added
}

// MarkFailed flips the envelope with the given correlation id to Failed.
// Failed envelopes stay visible and are only retried on explicit user action.
func (r *Reconciler) MarkFailed(conversationID, correlationID string) (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.convs[conversationID]
	if !ok {
		return Envelope{}, false
	}
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == correlationID && s.msgs[i].State == Pending {
			s.msgs[i].State = Failed
			r.log.Info("reconcile.send.failed", "conversation_id", conversationID, "correlation_id", correlationID)
			return s.msgs[i], true
		}
	}
	return Envelope{}, false
}

// RetryLocal re-arms a Failed envelope as Pending, keeping the original
// correlation id so a late echo of the first attempt still reconciles into
// the same envelope. Returns the envelope to re-enqueue.
func (r *Reconciler) RetryLocal(conversationID, envelopeID string) (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.convs[conversationID]
	if !ok {
		return Envelope{}, false
	}
	for i := range s.msgs {
		if s.msgs[i].ID == envelopeID && s.msgs[i].State == Failed {
			s.msgs[i].State = Pending
			return s.msgs[i], true
		}
	}
	return Envelope{}, false
}

// Messages returns a copy of the conversation's ordered sequence.
func (r *Reconciler) Messages(conversationID string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.convs[conversationID]
	if !ok || len(s.msgs) == 0 {
		return nil
	}
	out := make([]Envelope, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Reset drops all sequences. Called on logout.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.convs = make(map[string]*sequence)
	r.mu.Unlock()
}

func (r *Reconciler) seq(conversationID string) *sequence {
	s, ok := r.convs[conversationID]
	if !ok {
		s = &sequence{
			msgs:      make([]Envelope, 0, 64),
			serverIDs: make(map[string]struct{}),
		}
		r.convs[conversationID] = s
	}
	return s
}

// insert places env keeping the sequence non-decreasing in CreatedAt, ties
// broken by id. Equal-key envelopes keep arrival order, which is what keeps a
// Pending message ahead of later-timestamped confirmations.
func (s *sequence) insert(env Envelope) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		if s.msgs[i].CreatedAt.Equal(env.CreatedAt) {
			return s.msgs[i].ID > env.ID
		}
		return s.msgs[i].CreatedAt.After(env.CreatedAt)
	})

	s.msgs = append(s.msgs, Envelope{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = env
}

func (s *sequence) indexOfPending(correlationID string) int {
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == correlationID && s.msgs[i].State == Pending {
			return i
		}
	}
	return -1
}
