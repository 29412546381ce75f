// Package connectivity derives the sync connectivity state from raw signals.
package connectivity

import (
	"time"

	"canvas-sync/internal/domain"
)

const (
	DefaultDisconnectGrace = 5 * time.Second
	DefaultErrorWindow     = 30 * time.Second
	DefaultErrorThreshold  = 5
)

// Input is the complete set of signals the state is computed from. Now is
// part of the input so that Compute stays a pure function.
type Input struct {
	Online                  bool
	RemoteConnected         bool
	RemoteDisconnectedSince time.Time
	PendingCount            int
	RecentErrors            int
	RecentErrorsWindowStart time.Time
	ReadOnlyFailsafe        bool
	Now                     time.Time
}

type Thresholds struct {
	DisconnectGrace time.Duration
	ErrorWindow     time.Duration
	ErrorThreshold  int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DisconnectGrace: DefaultDisconnectGrace,
		ErrorWindow:     DefaultErrorWindow,
		ErrorThreshold:  DefaultErrorThreshold,
	}
}

// Compute applies the default thresholds.
func Compute(in Input) domain.ConnectivityState {
	return DefaultThresholds().Compute(in)
}

// Compute evaluates the rules in order; the first match wins.
func (t Thresholds) Compute(in Input) domain.ConnectivityState {
	if in.ReadOnlyFailsafe {
		return domain.StateReadOnlyFailsafe
	}

	if !in.Online {
		return domain.StateOffline
	}
	if !in.RemoteConnected && in.Now.Sub(in.RemoteDisconnectedSince) > t.DisconnectGrace {
		return domain.StateOffline
	}

	if in.RecentErrors >= t.ErrorThreshold && in.Now.Sub(in.RecentErrorsWindowStart) <= t.ErrorWindow {
		return domain.StateDegraded
	}

	if in.PendingCount > 0 {
		return domain.StateOnlineSyncing
	}

	return domain.StateOnlineSynced
}
