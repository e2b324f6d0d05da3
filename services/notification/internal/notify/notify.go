// Package notify turns completed challenges into at-most-once-effective notifications with
// a bounded number of delivery attempts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"example.com/notification/internal/channel"
	"example.com/platform/libs/go/dedup"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/logger"
)

// Status of a notification.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// Terminal reports whether no further dispatch will happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDead
}

// DefaultMaxAttempts is the dispatch attempt limit when none is configured.
const DefaultMaxAttempts = 3

// Record is one notification, keyed by the dedup key of the event that caused it.
type Record struct {
	ID        uuid.UUID
	DedupKey  string
	Recipient string
	Channel   string
	Content   string
	Status    Status
	Attempts  int
	LastError string
}

// Store persists notification records.
type Store interface {
	// Ensure inserts rec unless a record with its dedup key exists, and returns the stored one.
	Ensure(ctx context.Context, rec Record) (Record, error)
	// Get returns the record for dedupKey.
	Get(ctx context.Context, dedupKey string) (Record, error)
	// Update writes status, attempts and last error.
	Update(ctx context.Context, rec Record) error
}

// Locker serialises dispatch per dedup key. *dedup.Locker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, dedupKey string) (*dedup.Lock, error)
}

// Content renders the notification text for a completed challenge.
func Content(c events.ChallengeCompleted) string {
	return fmt.Sprintf("Challenge '%s' completed (+%d points)", c.ChallengeName, c.PointsAwarded)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// Handler consumes challenge.completed events.
type Handler struct {
	store       Store
	locker      Locker
	channels    map[string]channel.Channel
	channel     string
	maxAttempts int
	logger      *slog.Logger
}

// NewHandler constructs a Handler that sends through channels[defaultChannel].
func NewHandler(store Store, locker Locker, channels map[string]channel.Channel, defaultChannel string, opts ...Option) *Handler {
	h := &Handler{
		store:       store,
		locker:      locker,
		channels:    channels,
		channel:     defaultChannel,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements fabric.Handler.
func (h *Handler) Handle(ctx context.Context, d fabric.Delivery) error {
	evt := d.Event
	if evt.Type != events.TypeChallengeCompleted {
		return nil
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "notification.consumer",
		EventID:   logger.Ptr(evt.EventID),
		DedupKey:  logger.Ptr(evt.DedupKey),
	})

	var completed events.ChallengeCompleted
	if err := json.Unmarshal(evt.Payload, &completed); err != nil {
		return fabric.Permanent(fmt.Errorf("decode %s payload: %w", evt.Type, err))
	}
	if completed.UserID == "" {
		return fabric.Permanent(errors.New("challenge.completed without user_id"))
	}

	rec, err := h.store.Ensure(ctx, Record{
		ID:        uuid.New(),
		DedupKey:  evt.DedupKey,
		Recipient: completed.UserID,
		Channel:   h.channel,
		Content:   Content(completed),
		Status:    StatusPending,
	})
	if err != nil {
		return fabric.Retryable(fmt.Errorf("ensure notification: %w", err))
	}
	if rec.Status.Terminal() {
		skippedCounter.WithLabelValues(string(rec.Status)).Inc()
		return nil
	}

	lock, err := h.locker.Acquire(ctx, evt.DedupKey)
	if errors.Is(err, dedup.ErrLockHeld) {
		return fabric.Retryable(fmt.Errorf("notification %s: %w", rec.ID, err))
	}
	if err != nil {
		return fabric.Retryable(err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			h.logger.WarnContext(ctx, "release dispatch lock failed", "error", err)
		}
	}()

	// Another worker may have finished between Ensure and Acquire.
	rec, err = h.store.Get(ctx, evt.DedupKey)
	if err != nil {
		return fabric.Retryable(fmt.Errorf("reload notification: %w", err))
	}
	if rec.Status.Terminal() {
		skippedCounter.WithLabelValues(string(rec.Status)).Inc()
		return nil
	}

	return h.dispatch(ctx, rec)
}

func (h *Handler) dispatch(ctx context.Context, rec Record) error {
	if rec.Attempts >= h.maxAttempts {
		return h.bury(ctx, rec, fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts, rec.LastError))
	}
	ch, ok := h.channels[rec.Channel]
	if !ok {
		return h.bury(ctx, rec, fmt.Sprintf("unknown channel %q", rec.Channel))
	}

	sendErr := ch.Send(ctx, channel.Message{Recipient: rec.Recipient, Channel: rec.Channel, Content: rec.Content})
	rec.Attempts++
	if sendErr == nil {
		rec.Status = StatusSent
		rec.LastError = ""
		if err := h.store.Update(ctx, rec); err != nil {
			// The message went out; a redelivery may send it again.
			return fabric.Retryable(fmt.Errorf("mark notification %s sent: %w", rec.ID, err))
		}
		dispatchCounter.WithLabelValues(rec.Channel, "sent").Inc()
		h.logger.InfoContext(ctx, "notification sent", "notification_id", rec.ID, "recipient", rec.Recipient, "attempts", rec.Attempts)
		return nil
	}

	rec.LastError = sendErr.Error()
	if channel.IsPermanent(sendErr) {
		dispatchCounter.WithLabelValues(rec.Channel, "rejected").Inc()
		return h.bury(ctx, rec, rec.LastError)
	}

	rec.Status = StatusFailed
	dispatchCounter.WithLabelValues(rec.Channel, "failed").Inc()
	if err := h.store.Update(ctx, rec); err != nil {
		return fabric.Retryable(fmt.Errorf("mark notification %s failed: %w", rec.ID, err))
	}
	h.logger.WarnContext(ctx, "notification dispatch failed", "notification_id", rec.ID, "attempts", rec.Attempts, "error", sendErr)
	return fabric.Retryable(fmt.Errorf("dispatch notification %s: %w", rec.ID, sendErr))
}

// bury marks rec DEAD and acknowledges the event.
func (h *Handler) bury(ctx context.Context, rec Record, reason string) error {
	rec.Status = StatusDead
	rec.LastError = reason
	if err := h.store.Update(ctx, rec); err != nil {
		return fabric.Retryable(fmt.Errorf("mark notification %s dead: %w", rec.ID, err))
	}
	deadCounter.WithLabelValues(rec.Channel).Inc()
	h.logger.ErrorContext(ctx, "notification dead", "notification_id", rec.ID, "recipient", rec.Recipient, "attempts", rec.Attempts, "reason", reason)
	return nil
}
