package dbrb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dbrb"

var (
	quorumReachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "quorum_reached_total",
		Help:      "Number of quorum thresholds crossed, by event kind (acknowledged, delivered, confirmedDeliver, proposed, converged, stateUpdate, shardAcknowledged, shardCommit, shardDelivered).",
	}, []string{"event"})

	deliverLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "deliver_latency_seconds",
		Help:      "Elapsed time between a payload's Begin timestamp and its deliver-callback firing.",
		Buckets:   prometheus.DefBuckets,
	})

	viewInstalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "view_installed_total",
		Help:      "Total number of views this process has installed.",
	})

	currentViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "current_view_size",
		Help:      "Member count of the currently installed view.",
	})

	droppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "dropped_messages_total",
		Help:      "Messages silently dropped, by the dropping handler operation (the \"reason\" label carries ProtocolError.Op).",
	}, []string{"reason"})
)

func recordQuorum(event string) {
	quorumReachedTotal.WithLabelValues(event).Inc()
}

func recordDrop(reason string) {
	droppedMessagesTotal.WithLabelValues(reason).Inc()
}
