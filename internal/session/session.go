// Package session wires the chat synchronization layer: one transport
// channel, the per-concern components around it, and the UI-facing event
// stream. A Session's lifecycle is tied to login/logout, not to the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/identity"
	"marketchat/internal/metrics"
	"marketchat/internal/outbox"
	"marketchat/internal/presence"
	"marketchat/internal/reconcile"
	"marketchat/internal/rest"
	"marketchat/internal/rooms"
	"marketchat/internal/transport"
	"marketchat/internal/typing"

	"github.com/prometheus/client_golang/prometheus"
)

// HistoryLoader seeds a conversation's initial message sequence. Implemented
// by rest.Client; injectable for tests.
type HistoryLoader interface {
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]v1.NewMessagePayload, error)
}

// Uploader exchanges raw media for a durable URL. Implemented by rest.Client.
type Uploader interface {
	Upload(ctx context.Context, filename, kind string, data io.Reader) (*v1.Media, error)
}

// Option configures optional Session dependencies.
type Option func(*Session)

// WithDialer overrides the transport dialer (tests use a fake).
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithHistoryLoader overrides the REST history collaborator.
func WithHistoryLoader(h HistoryLoader) Option {
	return func(s *Session) { s.history = h }
}

// WithUploader overrides the media-upload collaborator.
func WithUploader(u Uploader) Option {
	return func(s *Session) { s.uploader = u }
}

// WithClock injects the clock used by typing expiry and message timestamps.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Session) { s.nowFn = nowFn }
}

// Session owns the realtime sync layer for one logged-in identity.
//
// Single-writer discipline: the desired room set, presence table, and
// per-conversation sequences are mutated only by their owning component; UI
// layers receive copies and the Events stream, never internal state.
type Session struct {
	cfg Config
	log *slog.Logger

	reg *prometheus.Registry
	met *metrics.Metrics

	dialer   transport.Dialer
	nowFn    func() time.Time
	history  HistoryLoader
	uploader Uploader

	channel    *transport.Channel
	binder     *identity.Binder
	rooms      *rooms.Manager
	presence   *presence.Registry
	reconciler *reconcile.Reconciler
	typing     *typing.Coordinator
	outbox     *outbox.Queue

	mu           sync.Mutex
	sendConvs    map[string]string // correlation id -> conversation id
	eventsClosed bool

	events chan Event
}

// New constructs a fully wired Session.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Session, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	s := &Session{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		met:       met,
		nowFn:     func() time.Time { return time.Now().UTC() },
		sendConvs: make(map[string]string),
		events:    make(chan Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.history == nil || s.uploader == nil {
		if cfg.RESTBaseURL != "" {
			rc, err := rest.NewClient(cfg.RESTBaseURL, cfg.AccessToken, nil)
			if err != nil {
				return nil, err
			}
			if s.history == nil {
				s.history = rc
			}
			if s.uploader == nil {
				s.uploader = rc
			}
		}
	}

	s.channel = transport.NewChannel(log, met, transport.Options{
		Addr:         cfg.WSAddr,
		Dialer:       s.dialer,
		RetryDelay:   cfg.RetryDelay,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s.binder = identity.NewBinder(log, s.channel)
	s.rooms = rooms.NewManager(log, s.channel, s.nowFn)
	s.presence = presence.NewRegistry(met)
	s.reconciler = reconcile.NewReconciler(log, s.nowFn)
	s.typing = typing.NewCoordinator(log, s.channel, met, s.nowFn, cfg.TypingDebounce, cfg.TypingTTL)
	s.outbox = outbox.NewQueue(log, met, s.nowFn)

	s.channel.Handle(v1.TypeNewMessage, s.onNewMessage)
	s.channel.Handle(v1.TypeUserStatusChanged, s.onUserStatus)
	s.channel.Handle(v1.TypeTyping, s.onRemoteTyping)
	s.channel.Handle(v1.TypeError, s.onServerError)
	s.channel.OnLifecycle(s.onLifecycle)

	// Seed the binding from the session token so reconnects re-bind even if
	// the application never calls Bind explicitly.
	if cfg.AccessToken != "" {
		if profileID, err := identity.ProfileFromToken(cfg.AccessToken); err == nil {
			s.binder.Bind(context.Background(), profileID)
		} else {
			log.Warn("session.token.no_profile", "err", err)
		}
	}

	return s, nil
}

// Connect starts the connection loop. Idempotent.
func (s *Session) Connect() error {
	return s.channel.Connect()
}

// Close tears the session down terminally (logout). Buffered sends are marked
// Failed, per-session state is evicted, and the Events stream is closed.
func (s *Session) Close() {
	s.channel.Disconnect()
	s.presence.Reset()
	s.typing.Reset()
	s.reconciler.Reset()
}

// Bind switches the active profile identity (e.g. personal to business).
// Rooms joined under the previous identity stay in the desired set and are
// not automatically rejoined unless still desired.
func (s *Session) Bind(ctx context.Context, profileID string) {
	s.binder.Bind(ctx, profileID)
}

// OpenConversation adds the conversation to the desired room set and seeds
// its sequence from the REST history endpoint.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	s.rooms.Join(ctx, conversationID)

	if s.history == nil {
		return nil
	}
	msgs, err := s.history.FetchHistory(ctx, conversationID, s.cfg.HistoryLimit)
	if err != nil {
		// Live events still flow; history can be retried by reopening.
		s.log.Warn("session.history.fail", "conversation_id", conversationID, "err", err)
		return err
	}
	if added := s.reconciler.SeedHistory(conversationID, msgs); added > 0 {
		s.publish(Event{Kind: EventMessage, Conversation: conversationID})
	}
	return nil
}

// CloseConversation removes the room from the desired set. In-flight sends
// for it still complete or queue; the message sequence is retained.
func (s *Session) CloseConversation(ctx context.Context, conversationID string) {
	s.rooms.Leave(ctx, conversationID)
}

// SendMessage sends a text message optimistically and returns the
// provisional envelope id.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	return s.send(ctx, conversationID, content, nil)
}

// SendMedia uploads the attachment first, then sends a message referencing
// the durable URL.
func (s *Session) SendMedia(ctx context.Context, conversationID, content, filename, kind string, data io.Reader) (string, error) {
	if s.uploader == nil {
		return "", errors.New("session: no uploader configured")
	}
	media, err := s.uploader.Upload(ctx, filename, kind, data)
	if err != nil {
		return "", err
	}
	return s.send(ctx, conversationID, content, media)
}

// RetryMessage re-arms a Failed envelope and attempts delivery again.
// Only explicit user action goes through here; nothing auto-retries.
func (s *Session) RetryMessage(ctx context.Context, conversationID, envelopeID string) error {
	env, ok := s.reconciler.RetryLocal(conversationID, envelopeID)
	if !ok {
		return errors.New("session: no failed envelope to retry")
	}
	s.trackSend(env.CorrelationID, conversationID)
	s.publish(Event{Kind: EventMessage, Conversation: conversationID, Message: env})

	s.deliver(ctx, v1.SendMessagePayload{
		CorrelationID:  env.CorrelationID,
		ConversationID: conversationID,
		Content:        env.Content,
		Media:          env.Media,
	})
	return nil
}

// Typing registers local typing activity for a conversation.
func (s *Session) Typing(ctx context.Context, conversationID string) {
	s.typing.Touch(ctx, conversationID)
}

// ---- snapshots ----

// ConnState returns the current transport state.
func (s *Session) ConnState() transport.State { return s.channel.State() }

// Messages returns a copy of the ordered sequence for a conversation.
func (s *Session) Messages(conversationID string) []reconcile.Envelope {
	return s.reconciler.Messages(conversationID)
}

// PresenceOf returns the presence record for a user.
func (s *Session) PresenceOf(userID string) presence.Record {
	return s.presence.StatusOf(userID)
}

// TypingIn returns the users currently typing in a conversation.
func (s *Session) TypingIn(conversationID string) []string {
	return s.typing.TypingIn(conversationID)
}

// OpenRooms returns the desired room set.
func (s *Session) OpenRooms() []string { return s.rooms.Desired() }

// Events returns the UI-facing update stream. It is closed when the session
// terminates.
func (s *Session) Events() <-chan Event { return s.events }

// Registry exposes the session's metric collectors for the host app to mount.
func (s *Session) Registry() *prometheus.Registry { return s.reg }

// ---- send path ----

func (s *Session) send(ctx context.Context, conversationID, content string, media *v1.Media) (string, error) {
	env, err := s.reconciler.SendLocal(conversationID, s.binder.ProfileID(), content, media)
	if err != nil {
		return "", err
	}

	s.trackSend(env.CorrelationID, conversationID)
	s.publish(Event{Kind: EventMessage, Conversation: conversationID, Message: env})

	s.deliver(ctx, v1.SendMessagePayload{
		CorrelationID:  env.CorrelationID,
		ConversationID: conversationID,
		Content:        content,
		Media:          media,
	})
	return env.ID, nil
}

// deliver writes the payload now or buffers it for the next flush. A closed
// channel is terminal: the envelope fails immediately.
func (s *Session) deliver(ctx context.Context, p v1.SendMessagePayload) {
	err := s.channel.Send(ctx, v1.TypeSendMessage, p)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		s.failSend(p.ConversationID, p.CorrelationID)
		return
	}
	// NotConnected or a dying connection: buffer and replay on reconnect.
	s.outbox.Enqueue(p)
}

func (s *Session) trackSend(correlationID, conversationID string) {
	s.mu.Lock()
	s.sendConvs[correlationID] = conversationID
	s.mu.Unlock()
}

func (s *Session) sendConv(correlationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.sendConvs[correlationID]
	return conv, ok
}

func (s *Session) failSend(conversationID, correlationID string) {
	s.mu.Lock()
	delete(s.sendConvs, correlationID)
	s.mu.Unlock()

	if env, ok := s.reconciler.MarkFailed(conversationID, correlationID); ok {
		s.met.SendsFailed.Inc()
		s.publish(Event{Kind: EventMessage, Conversation: conversationID, Message: env})
	}
}

// ---- inbound handlers (invoked serially from the transport run loop) ----

func (s *Session) onNewMessage(env v1.Envelope) {
	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.new_message.bad_payload", "err", err)
		return
	}

	rec, changed := s.reconciler.OnServerMessage(p)
	if !changed {
		return
	}
	if p.CorrelationID != "" {
		s.mu.Lock()
		delete(s.sendConvs, p.CorrelationID)
		s.mu.Unlock()
	}
	s.publish(Event{Kind: EventMessage, Conversation: rec.ConversationID, Message: rec})
}

func (s *Session) onUserStatus(env v1.Envelope) {
	var p v1.UserStatusChangedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.presence.bad_payload", "err", err)
		return
	}

	s.presence.Apply(p.UserID, presence.Status(p.Status), p.LastSeen)
	s.publish(Event{Kind: EventPresence, Presence: s.presence.StatusOf(p.UserID)})
}

func (s *Session) onRemoteTyping(env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.typing.bad_payload", "err", err)
		return
	}
	if p.UserID == "" {
		return
	}

	s.typing.OnRemoteTyping(p.ConversationID, p.UserID)
	s.publish(Event{
		Kind:         EventTyping,
		Conversation: p.ConversationID,
		TypingUsers:  s.typing.TypingIn(p.ConversationID),
	})
}

// onServerError maps send rejections onto their envelopes. Other error
// envelopes are logged and swallowed; nothing here is fatal to the session.
func (s *Session) onServerError(env v1.Envelope) {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.error.bad_payload", "err", err)
		return
	}

	if p.CorrelationID != "" {
		if conv, ok := s.sendConv(p.CorrelationID); ok {
			s.failSend(conv, p.CorrelationID)
		}
	}
	s.log.Warn("session.server_error", "code", p.Code, "message", p.Message)
}

// ---- lifecycle ----

func (s *Session) onLifecycle(ev transport.Lifecycle) {
	ctx := context.Background()

	switch ev.State {
	case transport.StateConnected:
		// Re-synchronization anchor: identity first, then room replay, then
		// the buffered sends in enqueue order.
		s.binder.OnConnected(ctx)
		s.rooms.OnConnected(ctx)
		for _, res := range s.outbox.Flush(ctx, s.channel) {
			if res.Err != nil {
				s.failSend(res.Send.ConversationID, res.Send.CorrelationID)
			}
		}

	case transport.StateReconnecting:
		s.binder.OnDisconnected()
		s.rooms.OnDisconnected()

	case transport.StateDisconnected:
		s.binder.OnDisconnected()
		s.rooms.OnDisconnected()
		for _, dropped := range s.outbox.FailAll() {
			s.failSend(dropped.ConversationID, dropped.CorrelationID)
		}
	}

	s.publish(Event{Kind: EventConnState, ConnState: ev.State})

	if ev.State == transport.StateDisconnected {
		s.closeEvents()
	}
}

// ---- event stream ----

// publish is non-blocking: a slow consumer drops updates rather than stalling
// the dispatch goroutine. Consumers recover by re-reading snapshots.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.log.Warn("session.events.drop", "kind", ev.Kind)
	}
}

func (s *Session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	s.eventsClosed = true
	close(s.events)
}
