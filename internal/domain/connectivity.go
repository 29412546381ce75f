package domain

type ConnectivityState string

const (
	StateOnlineSynced     ConnectivityState = "ONLINE_SYNCED"
	StateOnlineSyncing    ConnectivityState = "ONLINE_SYNCING"
	StateOffline          ConnectivityState = "OFFLINE"
	StateDegraded         ConnectivityState = "DEGRADED"
	StateReadOnlyFailsafe ConnectivityState = "READONLY_FAILSAFE"
)

// Connected reports whether the state allows talking to the service.
func (s ConnectivityState) Connected() bool {
	return s == StateOnlineSynced || s == StateOnlineSyncing || s == StateDegraded
}
