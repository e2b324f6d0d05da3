package outbox

import (
	"context"
	"fmt"
)

// DeadLetter is the operator-facing record of a message that could not be delivered or
// processed. Value holds the framed message exactly as it would be published.
type DeadLetter struct {
	Topic         string
	ConsumerGroup string
	EventID       int64
	DedupKey      string
	EventType     string
	Value         []byte
	Reason        string
	Attempts      int
}

// InsertDeadLetter records dl and returns its id.
func InsertDeadLetter(ctx context.Context, db Queryer, dl DeadLetter) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO dead_letters (topic, consumer_group, event_id, dedup_key, event_type, value, reason, attempts)
         VALUES ($1, $2, NULLIF($3::bigint, 0), NULLIF($4::text, ''), NULLIF($5::text, ''), $6, $7, $8)
         RETURNING dlq_id`,
		dl.Topic, dl.ConsumerGroup, dl.EventID, dl.DedupKey, dl.EventType, dl.Value, dl.Reason, dl.Attempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert dead letter for %s: %w", dl.Topic, err)
	}
	return id, nil
}
