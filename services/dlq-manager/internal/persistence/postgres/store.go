// Package postgres stores dead letters and replay requests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/dlqmanager/internal/deadletter"
	"example.com/platform/libs/go/outbox"
)

// Store implements deadletter.Sink and deadletter.ReplayStore.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `dlq_id, topic, consumer_group, COALESCE(event_id, 0), COALESCE(dedup_key, ''),
       COALESCE(event_type, ''), value, reason, attempts, retry_count, created_at,
       replay_requested_at, quarantined_at, COALESCE(quarantine_reason, '')`

func scanEntries(rows pgx.Rows) ([]deadletter.Entry, error) {
	defer rows.Close()
	var out []deadletter.Entry
	for rows.Next() {
		var e deadletter.Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.ConsumerGroup, &e.EventID, &e.DedupKey, &e.EventType, &e.Value,
			&e.Reason, &e.Attempts, &e.RetryCount, &e.CreatedAt, &e.ReplayRequestedAt, &e.QuarantinedAt, &e.QuarantineReason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Record inserts a dead letter.
func (s *Store) Record(ctx context.Context, dl outbox.DeadLetter) (int64, error) {
	return outbox.InsertDeadLetter(ctx, s.pool, dl)
}

// Due returns requested replays whose next retry time has passed, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM dead_letters
       WHERE replay_requested_at IS NOT NULL
         AND quarantined_at IS NULL
         AND (next_retry_at IS NULL OR next_retry_at <= NOW())
       ORDER BY created_at
       LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due dead letters: %w", err)
	}
	return scanEntries(rows)
}

// Replayed deletes an entry that was published back to its topic.
func (s *Store) Replayed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE dlq_id = $1`, id)
	return err
}

// ScheduleRetry records a failed replay.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, delay time.Duration, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE dead_letters
           SET retry_count = retry_count + 1,
               last_attempt_at = NOW(),
               next_retry_at = NOW() + $1::interval,
               reason = $2
         WHERE dlq_id = $3`, delay, reason, id)
	return err
}

// Quarantine parks an entry.
func (s *Store) Quarantine(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `UPDATE dead_letters SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, reason, id)
	return err
}

// Backlog counts entries that are not quarantined.
func (s *Store) Backlog(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters WHERE quarantined_at IS NULL`).Scan(&n)
	return n, err
}

// ListFilter narrows List.
type ListFilter struct {
	Topic              string
	IncludeQuarantined bool
	Limit              int
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]deadletter.Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM dead_letters
       WHERE ($1 = '' OR topic = $1)
         AND ($2 OR quarantined_at IS NULL)
       ORDER BY created_at DESC
       LIMIT $3`, f.Topic, f.IncludeQuarantined, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return scanEntries(rows)
}

// RequestReplay marks entries for replay. Quarantined entries are released with a fresh
// retry budget.
func (s *Store) RequestReplay(ctx context.Context, ids []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE dead_letters
           SET replay_requested_at = NOW(),
               next_retry_at = NULL,
               retry_count = 0,
               quarantined_at = NULL,
               quarantine_reason = NULL
         WHERE dlq_id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("request replay: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequestTopicReplay marks every unrequested, unquarantined entry of topic for replay.
func (s *Store) RequestTopicReplay(ctx context.Context, topic string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE dead_letters
           SET replay_requested_at = NOW(), next_retry_at = NULL
         WHERE topic = $1 AND replay_requested_at IS NULL AND quarantined_at IS NULL`, topic)
	if err != nil {
		return 0, fmt.Errorf("request topic replay: %w", err)
	}
	return tag.RowsAffected(), nil
}
