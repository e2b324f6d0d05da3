package harvest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "runs_total",
		Help:      "Harvest runs by outcome (completed, aborted, skipped).",
	}, []string{"source", "outcome"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harvester",
		Name:      "run_duration_seconds",
		Help:      "Wall time of harvest runs that acquired a lease.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"source"})

	pagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "pages_committed_total",
		Help:      "Pages committed together with their cursor advance.",
	}, []string{"source"})

	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "events_emitted_total",
		Help:      "Change events written to the outbox.",
	}, []string{"source"})

	fetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Name:      "fetch_retries_total",
		Help:      "Retryable source failures retried within a run.",
	}, []string{"source"})

	cursorCommittedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "cursor",
		Name:      "last_committed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent page commit per entity.",
	}, []string{"source", "entity"})
)

func init() {
	prometheus.MustRegister(runsCounter, runDuration, pagesCounter, eventsCounter, fetchRetries, cursorCommittedGauge)
}

func recordRun(key Key, outcome string, elapsed time.Duration) {
	runsCounter.WithLabelValues(key.SourceID, outcome).Inc()
	if elapsed > 0 {
		runDuration.WithLabelValues(key.SourceID).Observe(elapsed.Seconds())
	}
}

func recordPage(key Key, emitted int, ts time.Time) {
	pagesCounter.WithLabelValues(key.SourceID).Inc()
	eventsCounter.WithLabelValues(key.SourceID).Add(float64(emitted))
	if ts.IsZero() {
		return
	}
	cursorCommittedGauge.WithLabelValues(key.SourceID, key.EntityID).Set(float64(ts.Unix()))
}

func recordFetchRetry(key Key) {
	fetchRetries.WithLabelValues(key.SourceID).Inc()
}
