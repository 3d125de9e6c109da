// Package metrics exposes prometheus instrumentation for the sync layer.
//
// All collectors are registered on a caller-owned registry so an embedding
// application can mount them next to its own metrics without global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors mutated by the sync layer components.
type Metrics struct {
	Reconnects     prometheus.Counter
	FramesIn       prometheus.Counter
	FramesOut      prometheus.Counter
	SendsQueued    prometheus.Counter
	SendsFlushed   prometheus.Counter
	SendsFailed    prometheus.Counter
	OutboxDepth    prometheus.Gauge
	PresenceStale  prometheus.Counter
	TypingDebounce prometheus.Counter
}

// New constructs and registers the sync-layer collectors on reg.
// A nil registry yields a working but unregistered set, which keeps
// instrumented code paths unconditional in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful (re)connections established by the transport channel.",
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "transport",
			Name:      "frames_in_total",
			Help:      "Inbound frames dispatched to event handlers.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "transport",
			Name:      "frames_out_total",
			Help:      "Outbound frames written to the wire.",
		}),
		SendsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "outbox",
			Name:      "sends_queued_total",
			Help:      "Message sends buffered while the channel was unavailable.",
		}),
		SendsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "outbox",
			Name:      "sends_flushed_total",
			Help:      "Queued sends delivered after reconnect.",
		}),
		SendsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "outbox",
			Name:      "sends_failed_total",
			Help:      "Sends marked failed (server rejection or terminal disconnect).",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Subsystem: "outbox",
			Name:      "depth",
			Help:      "Sends currently buffered across all conversations.",
		}),
		PresenceStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "presence",
			Name:      "stale_updates_total",
			Help:      "Presence pushes discarded by the last-seen monotonicity rule.",
		}),
		TypingDebounce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "typing",
			Name:      "suppressed_total",
			Help:      "Local typing triggers coalesced away by the debounce window.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Reconnects,
			m.FramesIn,
			m.FramesOut,
			m.SendsQueued,
			m.SendsFlushed,
			m.SendsFailed,
			m.OutboxDepth,
			m.PresenceStale,
			m.TypingDebounce,
		)
	}

	return m
}
