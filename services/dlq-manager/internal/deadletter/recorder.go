// Package deadletter records messages that reached a dead-letter topic and replays the ones
// an operator asks for.
package deadletter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/outbox"
)

// Sink persists dead letters.
type Sink interface {
	Record(ctx context.Context, dl outbox.DeadLetter) (int64, error)
}

// Recorder copies every message from the dead-letter topics into the dead_letters table.
type Recorder struct {
	reader fabric.Reader
	sink   Sink
	logger *slog.Logger

	maxInterval time.Duration
}

// NewRecorder constructs a Recorder. A nil logger uses slog.Default.
func NewRecorder(reader fabric.Reader, sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{reader: reader, sink: sink, logger: log, maxInterval: 30 * time.Second}
}

// Run records messages until ctx is cancelled. A message is committed only after its row
// is stored, so storage outages stall the recorder instead of losing dead letters.
func (r *Recorder) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "dlq.recorder"})
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "fetch failed", "error", err)
			continue
		}

		dl := FromMessage(msg)
		id, err := r.store(ctx, dl)
		if err != nil {
			return err
		}
		recordedCounter.WithLabelValues(dl.Topic, dl.ConsumerGroup).Inc()
		r.logger.ErrorContext(ctx, "dead letter recorded",
			"dlq_id", id,
			"origin_topic", dl.Topic,
			"group", dl.ConsumerGroup,
			"event_type", dl.EventType,
			"event_id", dl.EventID,
			"attempts", dl.Attempts,
			"reason", dl.Reason,
		)

		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			r.logger.ErrorContext(ctx, "commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (r *Recorder) store(ctx context.Context, dl outbox.DeadLetter) (int64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = 0

	var id int64
	err := backoff.RetryNotify(func() error {
		var err error
		id, err = r.sink.Record(ctx, dl)
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "store dead letter failed", "retry_in", wait, "error", err)
	})
	return id, err
}

// FromMessage rebuilds the dead letter carried by a dead-letter topic message.
func FromMessage(msg kafka.Message) outbox.DeadLetter {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	dl := outbox.DeadLetter{
		Topic:         headers[fabric.HeaderOriginTopic],
		ConsumerGroup: headers[fabric.HeaderGroup],
		DedupKey:      headers[fabric.HeaderMessageID],
		EventType:     headers[fabric.HeaderEventType],
		Value:         msg.Value,
		Reason:        headers[fabric.HeaderError],
	}
	if dl.Topic == "" {
		dl.Topic = msg.Topic
	}
	if dl.Reason == "" {
		dl.Reason = "unknown"
	}
	if id, err := strconv.ParseInt(headers[fabric.HeaderEventID], 10, 64); err == nil {
		dl.EventID = id
	}
	if n, err := strconv.Atoi(headers[fabric.HeaderAttempt]); err == nil {
		dl.Attempts = n
	}
	return dl
}
