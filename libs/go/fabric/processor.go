// Package fabric carries domain events between services over Kafka: topology, producer,
// and a consumer processor that routes failures through delayed retry topics and dead-letter
// topics.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"example.com/platform/libs/go/logger"
)

// Handler processes one delivery. Returning nil acknowledges the message. A
// PermanentConsumerError dead-letters it immediately; any other error schedules a retry.
type Handler interface {
	Handle(context.Context, Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithPrefetch bounds the number of messages handled concurrently.
func WithPrefetch(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.prefetch = int64(n)
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithDelayedDelivery makes the processor hold each message until its x-not-before time.
// Processors reading a retry topic use it.
func WithDelayedDelivery() Option {
	return func(p *Processor) {
		p.delayed = true
	}
}

// Processor pulls messages for one subscription, hands them to a Handler and routes
// failures. Offsets are committed once a message is handled, retried or dead-lettered.
type Processor struct {
	sub      Subscription
	reader   Reader
	writer   Writer
	handler  Handler
	logger   *slog.Logger
	policy   RetryPolicy
	prefetch int64
	delayed  bool

	tracker  *offsetTracker
	commitMu sync.Mutex
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	tracer   trace.Tracer
}

// NewProcessor constructs a Processor. writer receives retry and dead-letter messages.
func NewProcessor(sub Subscription, reader Reader, writer Writer, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		sub:      sub,
		reader:   reader,
		writer:   writer,
		handler:  handler,
		logger:   slog.Default(),
		policy:   DefaultRetryPolicy(),
		prefetch: 16,
		tracker:  newOffsetTracker(),
		now:      time.Now,
		sleep:    sleepContext,
		tracer:   otel.Tracer("example.com/platform/libs/go/fabric"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("topic", sub.Topic, "group", sub.Group, "delayed", p.delayed)
	return p
}

// Run processes messages until ctx is cancelled. It waits for in-flight handlers before
// returning.
func (p *Processor) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(p.prefetch)
	var wg sync.WaitGroup
	defer wg.Wait()

	fetchBackoff := backoff.NewExponentialBackOff()
	fetchBackoff.InitialInterval = 100 * time.Millisecond
	fetchBackoff.MaxInterval = 10 * time.Second
	fetchBackoff.RandomizationFactor = 0.2
	fetchBackoff.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return err
			}
			wait := fetchBackoff.NextBackOff()
			p.logger.ErrorContext(ctx, "fetch failed", "retry_in", wait, "error", err)
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		fetchBackoff.Reset()

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		p.tracker.track(msg)
		inFlightGauge.WithLabelValues(p.sub.Group).Inc()

		wg.Add(1)
		go func(msg kafka.Message) {
			defer wg.Done()
			defer sem.Release(1)
			defer inFlightGauge.WithLabelValues(p.sub.Group).Dec()
			if p.process(ctx, msg) {
				p.complete(ctx, msg)
			}
		}(msg)
	}
}

// process handles msg and reports whether its offset may be committed.
func (p *Processor) process(ctx context.Context, msg kafka.Message) bool {
	delivery, err := Decode(msg)
	if err != nil {
		decodeErrorCounter.WithLabelValues(p.sub.Topic, p.sub.Group).Inc()
		p.logger.ErrorContext(ctx, "decode failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return p.deadLetter(ctx, msg, Delivery{Topic: p.sub.Topic, Attempt: 1}, fmt.Errorf("decode: %w", err), "undecodable")
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:  logger.Ptr(delivery.Event.EventID),
		DedupKey: logger.Ptr(delivery.Event.DedupKey),
		Topic:    logger.Ptr(delivery.Topic),
	})

	if p.delayed && !p.waitUntil(ctx, delivery.NotBefore) {
		return false
	}

	ctx, span := p.tracer.Start(ctx, "fabric.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", delivery.Topic),
			attribute.String("messaging.consumer.group.name", p.sub.Group),
			attribute.String("messaging.message.id", delivery.Event.DedupKey),
			attribute.Int("fabric.attempt", delivery.Attempt),
		))
	defer span.End()

	start := p.now()
	handleErr := p.handler.Handle(ctx, delivery)
	if handleErr == nil {
		recordProcessed(delivery, p.sub.Group, p.now().Sub(start))
		return true
	}

	span.RecordError(handleErr)
	span.SetStatus(codes.Error, handleErr.Error())
	recordHandlerError(delivery, p.sub.Group, handleErr)

	switch {
	case IsPermanent(handleErr):
		return p.deadLetter(ctx, msg, delivery, handleErr, "permanent")
	case p.policy.Exhausted(delivery.Attempt):
		return p.deadLetter(ctx, msg, delivery, handleErr, "exhausted")
	default:
		return p.retry(ctx, msg, delivery, handleErr)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Processor) waitUntil(ctx context.Context, notBefore time.Time) bool {
	if notBefore.IsZero() {
		return true
	}
	wait := notBefore.Sub(p.now())
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Processor) retry(ctx context.Context, msg kafka.Message, d Delivery, cause error) bool {
	next := d.Attempt + 1
	delay := p.policy.Delay(d.Attempt)
	out := p.forward(msg, d, cause)
	out.Headers = withHeader(out.Headers, HeaderAttempt, strconv.Itoa(next))
	out.Headers = withHeader(out.Headers, HeaderNotBefore, strconv.FormatInt(p.now().Add(delay).UnixMilli(), 10))

	if err := p.publish(ctx, p.sub.RetryTopic(), out); err != nil {
		return false
	}
	retryCounter.WithLabelValues(d.Topic, p.sub.Group).Inc()
	p.logger.WarnContext(ctx, "handler failed, scheduled redelivery",
		"attempt", d.Attempt, "next_attempt", next, "delay", delay, "error", cause)
	return true
}

func (p *Processor) deadLetter(ctx context.Context, msg kafka.Message, d Delivery, cause error, reason string) bool {
	out := p.forward(msg, d, cause)
	out.Headers = withHeader(out.Headers, HeaderAttempt, strconv.Itoa(d.Attempt))

	if err := p.publish(ctx, p.sub.DeadLetterTopic(), out); err != nil {
		return false
	}
	deadLetterCounter.WithLabelValues(d.Topic, p.sub.Group, reason).Inc()
	p.logger.ErrorContext(ctx, "message dead-lettered",
		"reason", reason, "attempt", d.Attempt, "event_type", d.Event.Type, "error", cause)
	return true
}

func (p *Processor) forward(msg kafka.Message, d Delivery, cause error) kafka.Message {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = withHeader(headers, HeaderOriginTopic, d.Topic)
	headers = withHeader(headers, HeaderGroup, p.sub.Group)
	headers = withHeader(headers, HeaderError, cause.Error())
	return kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    p.now().UTC(),
	}
}

// publish retries broker writes until they succeed or ctx ends. Leaving a failed message
// uncommitted would block the partition's commits behind it.
func (p *Processor) publish(ctx context.Context, topic string, msg kafka.Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return p.writer.WriteMessages(ctx, topic, msg)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		p.logger.WarnContext(ctx, "route publish failed", "target", topic, "retry_in", wait, "error", err)
	})
}

func (p *Processor) complete(ctx context.Context, msg kafka.Message) {
	// Held across the commit so offsets reach the broker in increasing order.
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	commit, ok := p.tracker.complete(msg)
	if !ok {
		return
	}
	if err := p.reader.CommitMessages(ctx, commit); err != nil {
		p.logger.ErrorContext(ctx, "commit failed", "partition", commit.Partition, "offset", commit.Offset, "error", err)
	}
}
