package discovery

import "github.com/prometheus/client_golang/prometheus"

var (
	accountsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "discovery",
		Name:      "accounts_total",
		Help:      "Linked accounts processed by outcome (refreshed, failed).",
	}, []string{"provider", "outcome"})

	discoveredGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "discovery",
		Name:      "repositories",
		Help:      "Distinct repositories currently harvested because of discovery.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(accountsCounter, discoveredGauge)
}

func recordAccount(provider, outcome string) {
	accountsCounter.WithLabelValues(provider, outcome).Inc()
}
