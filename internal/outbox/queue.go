// Package outbox buffers message sends issued while the channel is
// unavailable and flushes them in order once it is live again.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "marketchat/contracts/chat/v1"
	"marketchat/internal/metrics"
)

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(ctx context.Context, typ string, payload any) error
}

// QueuedSend is one buffered send_message request.
type QueuedSend struct {
	CorrelationID  string
	ConversationID string
	Payload        v1.SendMessagePayload
	EnqueuedAt     time.Time
}

// FlushResult reports the outcome for one drained item.
type FlushResult struct {
	Send QueuedSend
	Err  error
}

// Queue is a FIFO-per-conversation delivery buffer. Items are drained
// strictly in enqueue order and never reordered.
type Queue struct {
	log   *slog.Logger
	met   *metrics.Metrics
	nowFn func() time.Time

	mu      sync.Mutex
	pending []QueuedSend
}

// NewQueue constructs an empty Queue.
func NewQueue(log *slog.Logger, met *metrics.Metrics, nowFn func() time.Time) *Queue {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	if met == nil {
		met = metrics.New(nil)
	}
	return &Queue{log: log, met: met, nowFn: nowFn}
}

// Enqueue buffers one send for delivery on the next flush.
func (q *Queue) Enqueue(p v1.SendMessagePayload) {
	q.mu.Lock()
	q.pending = append(q.pending, QueuedSend{
		CorrelationID:  p.CorrelationID,
		ConversationID: p.ConversationID,
		Payload:        p,
		EnqueuedAt:     q.nowFn(),
	})
	depth := len(q.pending)
	q.mu.Unlock()

	q.met.SendsQueued.Inc()
	q.met.OutboxDepth.Set(float64(depth))
	q.log.Info("outbox.enqueue", "conversation_id", p.ConversationID, "correlation_id", p.CorrelationID, "depth", depth)
}

// Flush drains the buffer in enqueue order. A synchronous failure is
// per-item: the failed send is reported and subsequent items for the same
// conversation are still attempted.
func (q *Queue) Flush(ctx context.Context, sender Sender) []FlushResult {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	results := make([]FlushResult, 0, len(batch))
	for _, item := range batch {
		err := sender.Send(ctx, v1.TypeSendMessage, item.Payload)
		results = append(results, FlushResult{Send: item, Err: err})
		if err != nil {
			q.met.SendsFailed.Inc()
			q.log.Info("outbox.flush.item_fail", "conversation_id", item.ConversationID, "correlation_id", item.CorrelationID, "err", err)
			continue
		}
		q.met.SendsFlushed.Inc()
	}

	q.met.OutboxDepth.Set(0)
	q.log.Info("outbox.flush", "count", len(batch))
	return results
}

// FailAll empties the buffer and returns what was dropped. Called on terminal
// disconnect so every buffered intent surfaces as a Failed envelope instead
// of silently vanishing.
func (q *Queue) FailAll() []QueuedSend {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for range dropped {
		q.met.SendsFailed.Inc()
	}
	q.met.OutboxDepth.Set(0)
	return dropped
}

// Depth returns the number of buffered sends.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
