package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outbox",
		Name:      "events_enqueued_total",
		Help:      "Outbox rows written alongside a state change.",
	}, []string{"table", "event_type"})

	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outbox",
		Name:      "events_delivered_total",
		Help:      "Outbox rows published to the fabric.",
	}, []string{"table", "topic"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outbox",
		Name:      "events_failed_total",
		Help:      "Publish attempts that left rows pending.",
	}, []string{"table", "topic"})

	deadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outbox",
		Name:      "events_dead_lettered_total",
		Help:      "Outbox rows moved to the dead-letter table.",
	}, []string{"table", "topic"})

	batchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"table"})

	pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "outbox",
		Name:      "pending_rows",
		Help:      "Rows waiting to be published.",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(enqueuedCounter, deliveredCounter, failedCounter, deadLetterCounter, batchDuration, pendingGauge)
}
