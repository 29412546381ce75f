package service

import (
	"context"
	"time"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/metrics"
)

// Run re-evaluates connectivity every MonitorInterval until ctx is done, then
// shuts the engine down.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	e.CheckConnectivity()
	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return nil
		case <-ticker.C:
			e.CheckConnectivity()
		}
	}
}

// CheckConnectivity recomputes the connectivity state over all open
// documents. Coming back from OFFLINE or DEGRADED schedules a rebase of every
// open document.
func (e *Engine) CheckConnectivity() domain.ConnectivityState {
	sessions := e.openSessions()
	state := e.tracker.State(totalPending(sessions))

	e.mu.Lock()
	prev := e.lastState
	e.lastState = state
	e.mu.Unlock()

	if prev == state {
		return state
	}

	metrics.SetConnectivity(state)
	e.logger.Info("connectivity changed", "from", prev, "to", state)
	e.events.publish(Event{Kind: EventConnectivity, State: state})

	reconnected := (prev == domain.StateOffline || prev == domain.StateDegraded) && state.Connected()
	for _, s := range sessions {
		if reconnected {
			s.mu.Lock()
			s.needsRebase = true
			s.mu.Unlock()
		}
		if state.Connected() {
			s.notify()
		}
	}
	return state
}

// Connectivity returns the current state and the signals it was computed
// from.
func (e *Engine) Connectivity() (domain.ConnectivityState, connectivity.Input) {
	in := e.tracker.Snapshot(totalPending(e.openSessions()))
	return e.tracker.State(in.PendingCount), in
}

func (e *Engine) SetOnline(online bool) domain.ConnectivityState {
	e.tracker.SetOnline(online)
	return e.CheckConnectivity()
}

func (e *Engine) SetRemoteConnected(connected bool) domain.ConnectivityState {
	e.tracker.SetRemoteConnected(connected)
	return e.CheckConnectivity()
}

func (e *Engine) SetReadOnly(enabled bool) domain.ConnectivityState {
	e.tracker.SetReadOnlyFailsafe(enabled)
	return e.CheckConnectivity()
}

func totalPending(sessions []*session) int {
	total := 0
	for _, s := range sessions {
		total += s.pendingCount()
	}
	return total
}
