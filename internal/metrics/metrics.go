// Package metrics holds the prometheus collectors of the sync agent.
package metrics

import (
	"canvas-sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeAcked     = "acked"
	OutcomeDuplicate = "duplicate"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

var (
	opsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_ops_enqueued_total",
		Help: "Operations written to the outbox by origin",
	}, []string{"origin"})

	flushOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_flush_outcomes_total",
		Help: "Submit outcomes by result and error kind",
	}, []string{"outcome", "kind"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "canvas_sync_submit_duration_seconds",
		Help:    "Duration of submit requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	rebases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_rebases_total",
		Help: "Rebases against a fresh snapshot by result",
	}, []string{"result"})

	remoteOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_sync_remote_ops_applied_total",
		Help: "Operations of other clients applied from the realtime channel",
	})

	outboxPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canvas_sync_outbox_pending",
		Help: "Unsent operations per document",
	}, []string{"document_id"})

	outboxFailed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canvas_sync_outbox_failed",
		Help: "Failed operations per document",
	}, []string{"document_id"})

	connectivityState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canvas_sync_connectivity_state",
		Help: "1 for the current connectivity state, 0 otherwise",
	}, []string{"state"})
)

var allStates = []domain.ConnectivityState{
	domain.StateOnlineSynced,
	domain.StateOnlineSyncing,
	domain.StateOffline,
	domain.StateDegraded,
	domain.StateReadOnlyFailsafe,
}

func OpEnqueued(origin string) {
	opsEnqueued.WithLabelValues(origin).Inc()
}

func FlushOutcome(outcome, kind string) {
	flushOutcomes.WithLabelValues(outcome, kind).Inc()
}

func ObserveSubmit(seconds float64) {
	submitDuration.Observe(seconds)
}

func Rebase(ok bool) {
	if ok {
		rebases.WithLabelValues("ok").Inc()
		return
	}
	rebases.WithLabelValues("error").Inc()
}

func RemoteOpApplied() {
	remoteOps.Inc()
}

func SetOutbox(documentID string, count domain.OutboxCount) {
	outboxPending.WithLabelValues(documentID).Set(float64(count.Pending))
	outboxFailed.WithLabelValues(documentID).Set(float64(count.Failed))
}

// ForgetDocument drops the per-document series of a closed document.
func ForgetDocument(documentID string) {
	outboxPending.DeleteLabelValues(documentID)
	outboxFailed.DeleteLabelValues(documentID)
}

func SetConnectivity(state domain.ConnectivityState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectivityState.WithLabelValues(string(s)).Set(v)
	}
}
