package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/platform/libs/go/fabric"
)

// HeaderReplayOf carries the dead_letters id on replayed messages.
const HeaderReplayOf = "x-replay-of"

// Entry is a dead_letters row.
type Entry struct {
	ID                int64
	Topic             string
	ConsumerGroup     string
	EventID           int64
	DedupKey          string
	EventType         string
	Value             []byte
	Reason            string
	Attempts          int
	RetryCount        int
	CreatedAt         time.Time
	ReplayRequestedAt *time.Time
	QuarantinedAt     *time.Time
	QuarantineReason  string
}

// ReplayStore is the storage the Manager works against.
type ReplayStore interface {
	// Due returns entries with a pending replay request whose next retry time has passed.
	Due(ctx context.Context, limit int) ([]Entry, error)
	// Replayed removes an entry that was published back to its topic.
	Replayed(ctx context.Context, id int64) error
	// ScheduleRetry bumps the retry count and delays the next attempt.
	ScheduleRetry(ctx context.Context, id int64, delay time.Duration, reason string) error
	// Quarantine parks an entry until an operator requests it again.
	Quarantine(ctx context.Context, id int64, reason string) error
	// Backlog counts entries that are not quarantined.
	Backlog(ctx context.Context) (int, error)
}

// Manager replays requested dead letters and quarantines exhausted entries.
type Manager struct {
	store      ReplayStore
	writer     fabric.Writer
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewManager constructs a Manager with the provided store and retry configuration.
func NewManager(store ReplayStore, writer fabric.Writer, maxRetries int, baseDelay time.Duration, log *slog.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, writer: writer, maxRetries: maxRetries, baseDelay: baseDelay, logger: log}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replayed, err := m.RunOnce(ctx, batchSize)
			if err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "dlq replay pass failed", "error", err)
			} else if replayed > 0 {
				m.logger.InfoContext(ctx, "dlq replay pass", "replayed", replayed)
			}
		}
	}
}

// RunOnce processes a batch of requested entries and returns the count published back to
// their topics.
func (m *Manager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := m.store.Due(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		ok, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		if ok {
			replayed++
		}
	}

	if backlog, backlogErr := m.store.Backlog(ctx); backlogErr == nil {
		backlogGauge.Set(float64(backlog))
	}
	return replayed, err
}

// handleEntry applies replay/quarantine logic for a single entry.
func (m *Manager) handleEntry(ctx context.Context, entry Entry) (bool, error) {
	if entry.RetryCount >= m.maxRetries {
		if err := m.store.Quarantine(ctx, entry.ID, "retry limit reached"); err != nil {
			return false, fmt.Errorf("quarantine dead letter %d: %w", entry.ID, err)
		}
		quarantinedCounter.WithLabelValues(entry.Topic).Inc()
		m.logger.WarnContext(ctx, "dead letter quarantined", "dlq_id", entry.ID, "topic", entry.Topic, "retries", entry.RetryCount)
		return false, nil
	}

	if publishErr := m.writer.WriteMessages(ctx, entry.Topic, replayMessage(entry)); publishErr != nil {
		delay := m.backoffDelay(entry.RetryCount + 1)
		if err := m.store.ScheduleRetry(ctx, entry.ID, delay, publishErr.Error()); err != nil {
			return false, fmt.Errorf("schedule retry for dead letter %d: %w", entry.ID, err)
		}
		retryCounter.WithLabelValues(entry.Topic).Inc()
		m.logger.WarnContext(ctx, "dead letter replay failed", "dlq_id", entry.ID, "retry_in", delay, "error", publishErr)
		return false, nil
	}

	if err := m.store.Replayed(ctx, entry.ID); err != nil {
		return false, fmt.Errorf("clear replayed dead letter %d: %w", entry.ID, err)
	}
	replayedCounter.WithLabelValues(entry.Topic).Inc()
	return true, nil
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// replayMessage republishes the stored value as a first delivery.
func replayMessage(entry Entry) kafka.Message {
	headers := []kafka.Header{
		{Key: fabric.HeaderAttempt, Value: []byte("1")},
		{Key: HeaderReplayOf, Value: []byte(strconv.FormatInt(entry.ID, 10))},
	}
	if entry.DedupKey != "" {
		headers = append(headers, kafka.Header{Key: fabric.HeaderMessageID, Value: []byte(entry.DedupKey)})
	}
	if entry.EventType != "" {
		headers = append(headers, kafka.Header{Key: fabric.HeaderEventType, Value: []byte(entry.EventType)})
	}
	if entry.EventID != 0 {
		headers = append(headers, kafka.Header{Key: fabric.HeaderEventID, Value: []byte(strconv.FormatInt(entry.EventID, 10))})
	}
	return kafka.Message{
		Key:     []byte(entry.DedupKey),
		Value:   entry.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
}
