package connectivity

import (
	"sync"
	"time"

	"canvas-sync/internal/domain"
)

// Tracker accumulates raw connectivity signals and produces Input values.
// It holds no derived state; the connectivity state is always recomputed.
type Tracker struct {
	mu         sync.Mutex
	thresholds Thresholds
	now        func() time.Time

	online           bool
	remoteConnected  bool
	disconnectedAt   time.Time
	errorTimes       []time.Time
	readOnlyFailsafe bool
}

func NewTracker(thresholds Thresholds) *Tracker {
	now := time.Now()
	return &Tracker{
		thresholds:     thresholds,
		now:            time.Now,
		online:         true,
		disconnectedAt: now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.disconnectedAt = now()
	return t
}

func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

func (t *Tracker) SetRemoteConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteConnected && !connected {
		t.disconnectedAt = t.now()
	}
	t.remoteConnected = connected
}

func (t *Tracker) SetReadOnlyFailsafe(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readOnlyFailsafe = enabled
}

// RecordError adds a failed request to the rolling error window.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneErrors(now)
	t.errorTimes = append(t.errorTimes, now)
}

// pruneErrors drops errors older than the error window. t.mu must be held.
func (t *Tracker) pruneErrors(now time.Time) {
	keep := 0
	for keep < len(t.errorTimes) && now.Sub(t.errorTimes[keep]) > t.thresholds.ErrorWindow {
		keep++
	}
	t.errorTimes = t.errorTimes[keep:]
}

// Snapshot returns the current signals for a document with pendingCount
// unsent operations.
func (t *Tracker) Snapshot(pendingCount int) Input {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneErrors(now)

	var windowStart time.Time
	if len(t.errorTimes) > 0 {
		windowStart = t.errorTimes[0]
	}
	return Input{
		Online:                  t.online,
		RemoteConnected:         t.remoteConnected,
		RemoteDisconnectedSince: t.disconnectedAt,
		PendingCount:            pendingCount,
		RecentErrors:            len(t.errorTimes),
		RecentErrorsWindowStart: windowStart,
		ReadOnlyFailsafe:        t.readOnlyFailsafe,
		Now:                     now,
	}
}

// State computes the connectivity state for pendingCount unsent operations.
func (t *Tracker) State(pendingCount int) domain.ConnectivityState {
	in := t.Snapshot(pendingCount)
	return t.thresholds.Compute(in)
}
