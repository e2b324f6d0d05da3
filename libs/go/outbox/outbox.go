// Package outbox persists domain events in the same transaction as the state change that
// produced them, and relays them to the fabric.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/platform/libs/go/events"
)

// Status of an outbox row.
const (
	StatusPending   = "PENDING"
	StatusPublished = "PUBLISHED"
)

// Table names an outbox table. Each table is owned by a single component.
type Table string

const (
	HarvestTable   Table = "outbox"
	ChallengeTable Table = "challenge_outbox"
)

func (t Table) validate() error {
	switch t {
	case HarvestTable, ChallengeTable:
		return nil
	default:
		return fmt.Errorf("unknown outbox table %q", string(t))
	}
}

// Execer is satisfied by pgx.Tx, pgx.Conn and pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Queryer is satisfied by pgx.Tx, pgx.Conn and pgxpool.Pool.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one outbox row.
type Record struct {
	EventID       int64
	DedupKey      string
	EventType     string
	Topic         string
	PartitionKey  string
	SchemaSubject string
	Payload       json.RawMessage
	Attempts      int
}

// NewRecord wraps evt for the outbox. The topic is the event type. An empty partition key
// falls back to the dedup key.
func NewRecord(evt events.DomainEvent, partitionKey string) (Record, error) {
	if evt.EventID == 0 || evt.DedupKey == "" || evt.Type == "" {
		return Record{}, fmt.Errorf("outbox record requires event_id, dedup_key and type")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Record{}, fmt.Errorf("marshal event %d: %w", evt.EventID, err)
	}
	if partitionKey == "" {
		partitionKey = evt.DedupKey
	}
	return Record{
		EventID:       evt.EventID,
		DedupKey:      evt.DedupKey,
		EventType:     evt.Type,
		Topic:         evt.Type,
		PartitionKey:  partitionKey,
		SchemaSubject: evt.Type + "-value",
		Payload:       payload,
	}, nil
}

// Writer inserts records into one outbox table.
type Writer struct {
	table Table
}

func NewWriter(table Table) (*Writer, error) {
	if err := table.validate(); err != nil {
		return nil, err
	}
	return &Writer{table: table}, nil
}

// Insert adds rec as PENDING inside the caller's transaction. A record whose dedup key is
// already present is skipped and reported as not inserted.
func (w *Writer) Insert(ctx context.Context, db Execer, rec Record) (bool, error) {
	stmt := fmt.Sprintf(`INSERT INTO %s (event_id, dedup_key, event_type, topic, partition_key, schema_subject, payload, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, '%s')
        ON CONFLICT (dedup_key) DO NOTHING`, w.table, StatusPending)

	tag, err := db.Exec(ctx, stmt,
		rec.EventID,
		rec.DedupKey,
		rec.EventType,
		rec.Topic,
		rec.PartitionKey,
		rec.SchemaSubject,
		rec.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert %s record %d: %w", w.table, rec.EventID, err)
	}
	inserted := tag.RowsAffected() == 1
	if inserted {
		enqueuedCounter.WithLabelValues(string(w.table), rec.EventType).Inc()
	}
	return inserted, nil
}
