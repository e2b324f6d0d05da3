// Package postgres persists notification records.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/notification/internal/notify"
)

// ErrNotFound is returned by Get for unknown dedup keys.
var ErrNotFound = errors.New("notification not found")

// Store implements notify.Store on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const selectColumns = `notification_id, dedup_key, recipient, channel, content, status, attempts, COALESCE(last_error, '')`

func scanRecord(row pgx.Row) (notify.Record, error) {
	var (
		rec    notify.Record
		status string
	)
	err := row.Scan(&rec.ID, &rec.DedupKey, &rec.Recipient, &rec.Channel, &rec.Content, &status, &rec.Attempts, &rec.LastError)
	rec.Status = notify.Status(status)
	return rec, err
}

// Ensure inserts rec unless its dedup key is already stored.
func (s *Store) Ensure(ctx context.Context, rec notify.Record) (notify.Record, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO notifications (notification_id, dedup_key, recipient, channel, content, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (dedup_key) DO NOTHING`,
		rec.ID, rec.DedupKey, rec.Recipient, rec.Channel, rec.Content, string(rec.Status))
	if err != nil {
		return notify.Record{}, fmt.Errorf("insert notification: %w", err)
	}
	return s.Get(ctx, rec.DedupKey)
}

// Get loads the record for dedupKey.
func (s *Store) Get(ctx context.Context, dedupKey string) (notify.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM notifications WHERE dedup_key = $1`, dedupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return notify.Record{}, ErrNotFound
	}
	if err != nil {
		return notify.Record{}, fmt.Errorf("select notification: %w", err)
	}
	return rec, nil
}

// Update writes the delivery state of rec. Terminal records are never reopened.
func (s *Store) Update(ctx context.Context, rec notify.Record) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications
           SET status = $2, attempts = $3, last_error = NULLIF($4, ''), updated_at = NOW()
         WHERE notification_id = $1 AND status NOT IN ('SENT', 'DEAD')`,
		rec.ID, string(rec.Status), rec.Attempts, rec.LastError)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update notification %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}
