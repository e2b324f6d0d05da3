package fabric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "messages_processed_total",
		Help:      "Messages handled successfully per topic and consumer group.",
	}, []string{"topic", "group"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "handler_errors_total",
		Help:      "Handler failures per topic, consumer group and error class.",
	}, []string{"topic", "group", "class"})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "retries_total",
		Help:      "Messages scheduled for delayed redelivery.",
	}, []string{"topic", "group"})

	deadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "dead_letters_total",
		Help:      "Messages routed to a dead-letter topic.",
	}, []string{"topic", "group", "reason"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "decode_errors_total",
		Help:      "Messages that could not be decoded.",
	}, []string{"topic", "group"})

	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "published_messages_total",
		Help:      "Messages acknowledged by the brokers.",
	}, []string{"topic"})

	publishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "publish_failures_total",
		Help:      "Failed broker writes.",
	}, []string{"topic"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabric",
		Name:      "handler_duration_seconds",
		Help:      "Handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic", "group"})

	inFlightGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric",
		Name:      "in_flight_messages",
		Help:      "Fetched messages whose offsets are not yet committed.",
	}, []string{"group"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic", "group"})
)

func init() {
	prometheus.MustRegister(
		processedCounter,
		handlerErrorCounter,
		retryCounter,
		deadLetterCounter,
		decodeErrorCounter,
		published,
		publishFailures,
		handlerDuration,
		inFlightGauge,
		lastMessageGauge,
	)
}

func recordProcessed(d Delivery, group string, elapsed time.Duration) {
	processedCounter.WithLabelValues(d.Topic, group).Inc()
	handlerDuration.WithLabelValues(d.Topic, group).Observe(elapsed.Seconds())
	if !d.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(d.Topic, group).Set(float64(d.Timestamp.Unix()))
	}
}

func recordHandlerError(d Delivery, group string, err error) {
	class := "transient"
	if IsPermanent(err) {
		class = "permanent"
	}
	handlerErrorCounter.WithLabelValues(d.Topic, group, class).Inc()
}
