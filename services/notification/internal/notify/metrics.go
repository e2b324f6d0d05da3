package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification",
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by channel and outcome (sent, failed, rejected).",
	}, []string{"channel", "outcome"})

	deadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification",
		Name:      "dead_total",
		Help:      "Notifications that reached DEAD.",
	}, []string{"channel"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification",
		Name:      "skipped_total",
		Help:      "Deliveries acknowledged without dispatch because the record was terminal.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(dispatchCounter, deadCounter, skippedCounter)
}
