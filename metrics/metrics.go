package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "shard_reporter"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "messages_total",
		Help:      "Count of worker messages dispatched, by kind",
	}, []string{
		"kind",
	})

	transportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "transport_errors_total",
		Help:      "Count of transport-level failures",
	}, []string{
		"stage",
	})

	workersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_registered",
		Help:      "Number of workers that have registered this run",
	})

	workersCompleted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_completed",
		Help:      "Number of workers that have completed this run",
	})

	renderUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "render_updates_total",
		Help:      "Count of throttled progress line re-renders",
	})

	summariesReceived = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "summaries_received",
		Help:      "Number of per-worker summaries collected",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of the coordinated run",
	}, []string{
		"run_id",
	})
)

func RecordMessage(kind string) {
	messagesTotal.WithLabelValues(kind).Inc()
}

func RecordTransportError(stage string) {
	transportErrorsTotal.WithLabelValues(stage).Inc()
}

func RecordWorkerRegistered() {
	workersRegistered.Inc()
}

func RecordWorkerCompleted() {
	workersCompleted.Inc()
}

func RecordRenderUpdate() {
	renderUpdatesTotal.Inc()
}

func RecordSummaryReceived() {
	summariesReceived.Inc()
}

func RecordRunDuration(runID string, d time.Duration) {
	runDuration.WithLabelValues(runID).Set(d.Seconds())
}
