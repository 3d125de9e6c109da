// Package presence maintains online/offline and last-seen status per user,
// updated from server push events.
package presence

import (
	"strings"
	"sync"
	"time"

	"marketchat/internal/metrics"
)

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Record is the presence state of one user. LastSeen is only meaningful when
// Status is offline.
type Record struct {
	UserID   string
	Status   Status
	LastSeen *time.Time
}

// Registry is the presence table. Records are created lazily on the first
// push for a user and kept for the session lifetime.
type Registry struct {
	met *metrics.Metrics

	mu      sync.RWMutex
	records map[string]Record
}

// NewRegistry constructs an empty Registry.
func NewRegistry(met *metrics.Metrics) *Registry {
	if met == nil {
		met = metrics.New(nil)
	}
	return &Registry{
		met:     met,
		records: make(map[string]Record),
	}
}

// Apply processes one presence push.
//
// Update rule: online is applied unconditionally; offline is applied only if
// the stored record does not carry a strictly newer last-seen. This guards
// against out-of-order delivery after reconnect storms.
func (r *Registry) Apply(userID string, status Status, lastSeen *time.Time) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if status == StatusOnline {
		r.records[userID] = Record{UserID: userID, Status: StatusOnline}
		return
	}

	if cur, ok := r.records[userID]; ok && cur.Status == StatusOffline {
		if cur.LastSeen != nil && (lastSeen == nil || cur.LastSeen.After(*lastSeen)) {
			r.met.PresenceStale.Inc()
			return
		}
	}

	r.records[userID] = Record{UserID: userID, Status: StatusOffline, LastSeen: lastSeen}
}

// StatusOf returns the presence record for userID, defaulting to offline with
// no last-seen for unknown users. It never blocks on the network.
func (r *Registry) StatusOf(userID string) Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.records[userID]; ok {
		return rec
	}
	return Record{UserID: userID, Status: StatusOffline}
}

// Reset evicts all records. Called on logout.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = make(map[string]Record)
	r.mu.Unlock()
}
