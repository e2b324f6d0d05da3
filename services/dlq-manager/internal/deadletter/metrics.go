package deadletter

import "github.com/prometheus/client_golang/prometheus"

var (
	recordedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlq_manager",
		Name:      "recorded_total",
		Help:      "Dead-letter topic messages stored for operators.",
	}, []string{"topic", "group"})

	replayedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlq_manager",
		Name:      "replayed_total",
		Help:      "Dead letters published back to their original topic.",
	}, []string{"topic"})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlq_manager",
		Name:      "retry_scheduled_total",
		Help:      "Replays that failed and were scheduled again.",
	}, []string{"topic"})

	quarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlq_manager",
		Name:      "quarantined_total",
		Help:      "Dead letters quarantined after exhausting replay retries.",
	}, []string{"topic"})

	backlogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dlq_manager",
		Name:      "backlog_messages",
		Help:      "Dead letters that are not quarantined.",
	})
)

func init() {
	prometheus.MustRegister(recordedCounter, replayedCounter, retryCounter, quarantinedCounter, backlogGauge)
}
