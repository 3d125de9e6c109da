package presence

import (
	"testing"
	"time"
)

func ts(sec int) *time.Time {
	t := time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
	return &t
}

func TestApplyOnlineUnconditional(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Apply("u1", StatusOffline, ts(30))
	r.Apply("u1", StatusOnline, nil)

	got := r.StatusOf("u1")
	if got.Status != StatusOnline {
		t.Fatalf("status=%s want=%s", got.Status, StatusOnline)
	}
	if got.LastSeen != nil {
		t.Fatalf("lastSeen must be cleared while online, got %v", got.LastSeen)
	}
}

func TestApplyOfflineMonotonic(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Apply("u1", StatusOffline, ts(30))

	// An older last-seen never overwrites a newer one.
	r.Apply("u1", StatusOffline, ts(10))
	if got := r.StatusOf("u1"); got.LastSeen == nil || !got.LastSeen.Equal(*ts(30)) {
		t.Fatalf("stale update overwrote record: %v", got.LastSeen)
	}

	// A nil last-seen is older than any recorded one.
	r.Apply("u1", StatusOffline, nil)
	if got := r.StatusOf("u1"); got.LastSeen == nil || !got.LastSeen.Equal(*ts(30)) {
		t.Fatalf("nil last-seen overwrote record: %v", got.LastSeen)
	}

	// A newer last-seen applies.
	r.Apply("u1", StatusOffline, ts(45))
	if got := r.StatusOf("u1"); got.LastSeen == nil || !got.LastSeen.Equal(*ts(45)) {
		t.Fatalf("newer update not applied: %v", got.LastSeen)
	}
}

func TestStatusOfUnknownUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	got := r.StatusOf("ghost")
	if got.Status != StatusOffline || got.LastSeen != nil {
		t.Fatalf("unknown user: got {%s %v} want {offline nil}", got.Status, got.LastSeen)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Apply("u1", StatusOnline, nil)
	r.Reset()

	if got := r.StatusOf("u1"); got.Status != StatusOffline {
		t.Fatalf("record survived reset: %s", got.Status)
	}
}
