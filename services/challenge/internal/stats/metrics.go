package stats

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge",
		Subsystem: "stats",
		Name:      "user_refreshes_total",
		Help:      "User statistics recomputations by outcome.",
	}, []string{"outcome"})

	platformUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "challenge",
		Subsystem: "stats",
		Name:      "platform_users",
		Help:      "Users counted in the last platform average recompute.",
	})
)

func init() {
	prometheus.MustRegister(refreshCounter, platformUsersGauge)
}
