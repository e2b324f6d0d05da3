package challenge

import "github.com/prometheus/client_golang/prometheus"

var (
	appliedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge",
		Name:      "events_applied_total",
		Help:      "Record changes folded into challenge progress.",
	}, []string{"challenge"})

	completionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge",
		Name:      "completions_total",
		Help:      "Challenges achieved for the first time.",
	}, []string{"challenge"})

	duplicatesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge",
		Name:      "duplicates_skipped_total",
		Help:      "Deliveries skipped as already applied, by the check that caught them.",
	}, []string{"reason"})

	conflictsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "challenge",
		Name:      "version_conflicts_total",
		Help:      "Optimistic concurrency conflicts that forced a refold.",
	})

	unresolvedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge",
		Name:      "unresolved_authors_total",
		Help:      "Changes discarded because the author has no linked account.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(appliedCounter, completionsCounter, duplicatesCounter, conflictsCounter, unresolvedCounter)
}
