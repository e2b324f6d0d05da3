// Package trigger queues on-demand harvest runs on a Redis stream.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/harvester/internal/harvest"
	"example.com/platform/libs/go/logger"
)

// DefaultStream is the stream harvest triggers are written to.
const DefaultStream = "harvest-triggers"

// Request is one on-demand run.
type Request struct {
	ID          string
	Key         harvest.Key
	Attempt     int
	RequestedBy string
	LastError   string
	NotBefore   time.Time // zero runs immediately
}

// Producer appends trigger requests to the stream.
type Producer struct {
	client *redis.Client
	stream string
}

func NewProducer(client *redis.Client, stream string) *Producer {
	if stream == "" {
		stream = DefaultStream
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue adds a request for key and returns the stream entry id.
func (p *Producer) Enqueue(ctx context.Context, key harvest.Key, requestedBy string) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values(Request{Key: key, Attempt: 1, RequestedBy: requestedBy}),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue trigger: %w", err)
	}
	return id, nil
}

// ConsumerConfig configures the stream consumer group.
type ConsumerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	BatchSize    int64
	Block        time.Duration
	MaxAttempts  int           // requests still leased after this many attempts are dropped
	RequeueDelay time.Duration // how long a requeued request for a leased key waits
}

// Consumer runs harvests for requests read from the stream.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	runner harvest.Runner
	logger *slog.Logger

	// deferred holds requests read before their NotBefore. They stay pending in the group
	// until handled, so a restart recovers them.
	deferred []Request

	readGroup func(context.Context, *redis.XReadGroupArgs) ([]redis.XStream, error)
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

// NewConsumer creates the consumer group if needed.
func NewConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig, runner harvest.Runner, log *slog.Logger) (*Consumer, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Consumer{
		client: client,
		cfg:    cfg,
		runner: runner,
		logger: log,
		readGroup: func(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
			return client.XReadGroup(ctx, args).Result()
		},
		sleep: sleepContext,
		now:   time.Now,
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// Start at "0" so requests queued before the group existed are not lost.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Run first handles requests this consumer read but never acknowledged, then new ones,
// until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "harvester.trigger"})

	if err := c.recoverPending(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.runDue(ctx)

		reqs, _, err := c.read(ctx, ">", c.blockFor())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "read triggers failed", "error", err)
			if err := c.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		for _, req := range reqs {
			c.dispatch(ctx, req)
		}
	}
}

// recoverPending walks the consumer's pending list a batch at a time. Each read starts
// after the last id returned, so entries left pending by a handler are not read twice.
func (c *Consumer) recoverPending(ctx context.Context) error {
	from := "0"
	recovered := 0
	for {
		reqs, last, err := c.read(ctx, from, -1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if last == "" {
			break
		}
		recovered += len(reqs)
		for _, req := range reqs {
			c.dispatch(ctx, req)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		from = last
	}
	if recovered > 0 {
		c.logger.InfoContext(ctx, "recovered pending triggers", "count", recovered)
	}
	return nil
}

// read returns the parsed requests and the id of the last entry read, malformed ones
// included. A negative block does not block.
func (c *Consumer) read(ctx context.Context, from string, block time.Duration) ([]Request, string, error) {
	streams, err := c.readGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, from},
		Count:    c.cfg.BatchSize,
		Block:    block,
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("reading from stream: %w", err)
	}

	var (
		out  []Request
		last string
	)
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			last = msg.ID
			req, err := parse(msg)
			if err != nil {
				c.logger.ErrorContext(ctx, "dropping malformed trigger", "error", err, "message_id", msg.ID)
				_ = c.ack(ctx, msg.ID)
				continue
			}
			out = append(out, req)
		}
	}
	return out, last, nil
}

// blockFor caps the stream block so deferred requests run close to their time.
func (c *Consumer) blockFor() time.Duration {
	block := c.cfg.Block
	for _, req := range c.deferred {
		wait := req.NotBefore.Sub(c.now())
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if wait < block {
			block = wait
		}
	}
	return block
}

func (c *Consumer) dispatch(ctx context.Context, req Request) {
	if req.NotBefore.After(c.now()) {
		c.deferred = append(c.deferred, req)
		return
	}
	c.handle(ctx, req)
}

func (c *Consumer) runDue(ctx context.Context) {
	if len(c.deferred) == 0 {
		return
	}
	now := c.now()
	waiting := c.deferred[:0]
	var due []Request
	for _, req := range c.deferred {
		if req.NotBefore.After(now) {
			waiting = append(waiting, req)
			continue
		}
		due = append(due, req)
	}
	c.deferred = waiting
	for _, req := range due {
		c.handle(ctx, req)
	}
}

// handle runs one request. A leased key is re-queued until MaxAttempts; every other outcome
// is acknowledged because the run itself logs and counts failures.
func (c *Consumer) handle(ctx context.Context, req Request) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SourceID: logger.Ptr(req.Key.SourceID),
		EntityID: logger.Ptr(req.Key.EntityID),
	})

	_, err := c.runner.Run(ctx, req.Key)
	switch {
	case err == nil:
		c.logger.InfoContext(ctx, "triggered harvest finished", "requested_by", req.RequestedBy)
	case errors.Is(err, harvest.ErrRunInProgress):
		if req.Attempt >= c.cfg.MaxAttempts {
			c.logger.WarnContext(ctx, "dropping trigger, key stayed leased", "attempts", req.Attempt)
			break
		}
		if err := c.requeue(ctx, req, err.Error()); err != nil {
			c.logger.ErrorContext(ctx, "requeue trigger failed", "error", err)
			return
		}
		return
	case ctx.Err() != nil:
		// Left pending; recovered on the next start.
		return
	default:
		c.logger.WarnContext(ctx, "triggered harvest failed", "error", err)
	}

	if err := c.ack(ctx, req.ID); err != nil {
		c.logger.ErrorContext(ctx, "ack trigger failed", "error", err)
	}
}

// requeue re-adds req with a not-before time instead of waiting here, so other keys keep
// flowing while this one is leased.
func (c *Consumer) requeue(ctx context.Context, req Request, reason string) error {
	next := req
	next.Attempt++
	next.LastError = reason
	next.NotBefore = c.now().Add(c.cfg.RequeueDelay)

	pipe := c.client.TxPipeline()
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, req.ID)
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.Stream, Values: values(next)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	c.logger.InfoContext(ctx, "trigger requeued",
		"next_attempt", next.Attempt,
		"not_before", next.NotBefore,
		"reason", reason)
	return nil
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

func values(req Request) map[string]any {
	v := map[string]any{
		"source_id": req.Key.SourceID,
		"entity_id": req.Key.EntityID,
		"attempt":   req.Attempt,
	}
	if req.RequestedBy != "" {
		v["requested_by"] = req.RequestedBy
	}
	if req.LastError != "" {
		v["last_error"] = req.LastError
	}
	if !req.NotBefore.IsZero() {
		v["not_before"] = req.NotBefore.UnixMilli()
	}
	return v
}

func parse(msg redis.XMessage) (Request, error) {
	req := Request{ID: msg.ID, Attempt: 1}
	var ok bool
	if req.Key.SourceID, ok = str(msg.Values, "source_id"); !ok {
		return Request{}, fmt.Errorf("missing source_id")
	}
	if req.Key.EntityID, ok = str(msg.Values, "entity_id"); !ok {
		return Request{}, fmt.Errorf("missing entity_id")
	}
	if raw, ok := str(msg.Values, "attempt"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Request{}, fmt.Errorf("parsing attempt: %w", err)
		}
		if n > 0 {
			req.Attempt = n
		}
	}
	if raw, ok := str(msg.Values, "not_before"); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("parsing not_before: %w", err)
		}
		req.NotBefore = time.UnixMilli(ms)
	}
	req.RequestedBy, _ = str(msg.Values, "requested_by")
	req.LastError, _ = str(msg.Values, "last_error")
	return req, nil
}

func str(values map[string]any, key string) (string, bool) {
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	s := fmt.Sprint(raw)
	return s, s != ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
