package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/fabric"
)

// DispatcherConfig tunes the relay loop.
type DispatcherConfig struct {
	Table        Table
	PollInterval time.Duration
	BatchSize    int
	// ClaimTimeout is how long a claimed row stays invisible to other dispatchers.
	ClaimTimeout time.Duration
}

// DispatcherOption configures optional behaviour.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher drains one outbox table and publishes rows to the fabric. A row becomes
// PUBLISHED only after the brokers acknowledged it; failed writes stay PENDING.
type Dispatcher struct {
	pool          *pgxpool.Pool
	producer      fabric.Writer
	registry      SchemaRegistrar
	cfg           DispatcherConfig
	logger        *slog.Logger
	schemaIDCache sync.Map

	shutdownComplete chan struct{}
}

func NewDispatcher(pool *pgxpool.Pool, producer fabric.Writer, registry SchemaRegistrar, cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := cfg.Table.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = time.Minute
	}
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		cfg:              cfg,
		logger:           slog.Default(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "outbox.dispatcher", "table", string(cfg.Table))
	return d, nil
}

// Start runs the polling loop until ctx is cancelled. Call it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if _, err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.ErrorContext(ctx, "outbox batch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// processBatch relays one batch and returns the number of rows published.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer d.updateBacklog(ctx)

	records, err := d.fetchAndClaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	defer func() {
		batchDuration.WithLabelValues(string(d.cfg.Table)).Observe(time.Since(start).Seconds())
	}()

	batches, rejected := d.prepare(ctx, records)

	var errs []error
	if len(rejected) > 0 {
		if err := d.moveToDeadLetters(ctx, rejected); err != nil {
			errs = append(errs, err)
		}
	}

	published := 0
	for topic, batch := range batches {
		if err := d.producer.WriteMessages(ctx, topic, batch.messages...); err != nil {
			failedCounter.WithLabelValues(string(d.cfg.Table), topic).Add(float64(len(batch.ids)))
			d.logger.WarnContext(ctx, "publish failed, rows stay pending", "topic", topic, "rows", len(batch.ids), "error", err)
			if markErr := d.markFailed(ctx, batch.ids, err); markErr != nil {
				errs = append(errs, markErr)
			}
			continue
		}
		if err := d.markPublished(ctx, batch.ids); err != nil {
			errs = append(errs, err)
			continue
		}
		deliveredCounter.WithLabelValues(string(d.cfg.Table), topic).Add(float64(len(batch.ids)))
		published += len(batch.ids)
	}
	return published, errors.Join(errs...)
}

type topicBatch struct {
	ids      []int64
	messages []kafka.Message
}

type rejectedRecord struct {
	record Record
	reason string
}

// prepare frames records per topic. Rows with an unknown event type or a malformed
// payload are rejected for dead-lettering.
func (d *Dispatcher) prepare(ctx context.Context, records []Record) (map[string]*topicBatch, []rejectedRecord) {
	batches := make(map[string]*topicBatch)
	var rejected []rejectedRecord

	for _, rec := range records {
		meta, ok := LookupSchema(rec.EventType)
		if !ok {
			rejected = append(rejected, rejectedRecord{record: rec, reason: fmt.Sprintf("no schema metadata for event_type=%s", rec.EventType)})
			continue
		}

		var evt events.DomainEvent
		if err := json.Unmarshal(rec.Payload, &evt); err != nil {
			rejected = append(rejected, rejectedRecord{record: rec, reason: fmt.Sprintf("malformed payload: %v", err)})
			continue
		}

		schemaID, err := d.schemaID(ctx, rec.SchemaSubject, meta.Schema)
		if err != nil {
			// Registry outages are transient; leave the row for the next poll.
			d.logger.WarnContext(ctx, "schema lookup failed", "subject", rec.SchemaSubject, "error", err)
			if markErr := d.markFailed(ctx, []int64{rec.EventID}, err); markErr != nil {
				d.logger.ErrorContext(ctx, "mark failed", "event_id", rec.EventID, "error", markErr)
			}
			continue
		}

		msg, err := fabric.NewMessage(evt, schemaID, rec.PartitionKey)
		if err != nil {
			rejected = append(rejected, rejectedRecord{record: rec, reason: err.Error()})
			continue
		}

		batch, exists := batches[rec.Topic]
		if !exists {
			batch = &topicBatch{}
			batches[rec.Topic] = batch
		}
		batch.ids = append(batch.ids, rec.EventID)
		batch.messages = append(batch.messages, msg)
	}
	return batches, rejected
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	cacheKey := subject + "::" + schema
	if v, ok := d.schemaIDCache.Load(cacheKey); ok {
		return v.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) ([]Record, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT event_id, dedup_key, event_type, topic, partition_key, schema_subject, payload, attempts
        FROM %s
        WHERE status = '%s'
          AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`, d.cfg.Table, StatusPending)

	rows, err := tx.Query(ctx, query, d.cfg.BatchSize, d.cfg.ClaimTimeout)
	if err != nil {
		return nil, fmt.Errorf("select pending from %s: %w", d.cfg.Table, err)
	}

	var (
		records []Record
		ids     []int64
	)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.DedupKey, &rec.EventType, &rec.Topic, &rec.PartitionKey, &rec.SchemaSubject, &rec.Payload, &rec.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
		ids = append(ids, rec.EventID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET claimed_at = NOW() WHERE event_id = ANY($1)`, d.cfg.Table), ids); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, ids []int64) error {
	_, err := d.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = '%s', published_at = NOW(), claimed_at = NULL WHERE event_id = ANY($1)`,
		d.cfg.Table, StatusPublished), ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, ids []int64, cause error) error {
	_, err := d.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET attempts = attempts + 1, last_error = $2, claimed_at = NULL WHERE event_id = ANY($1)`,
		d.cfg.Table), ids, cause.Error())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// moveToDeadLetters copies rejected rows to dead_letters and removes them from the outbox.
func (d *Dispatcher) moveToDeadLetters(ctx context.Context, rejected []rejectedRecord) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, r := range rejected {
		rec := r.record
		if _, err := InsertDeadLetter(ctx, tx, DeadLetter{
			Topic:     rec.Topic,
			EventID:   rec.EventID,
			DedupKey:  rec.DedupKey,
			EventType: rec.EventType,
			Value:     fabric.EncodeWireFormat(0, rec.Payload),
			Reason:    r.reason,
			Attempts:  rec.Attempts,
		}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE event_id = $1`, d.cfg.Table), rec.EventID); err != nil {
			return fmt.Errorf("remove dead-lettered row %d: %w", rec.EventID, err)
		}
		deadLetterCounter.WithLabelValues(string(d.cfg.Table), rec.Topic).Inc()
		d.logger.ErrorContext(ctx, "outbox row dead-lettered", "event_id", rec.EventID, "event_type", rec.EventType, "reason", r.reason)
	}
	return tx.Commit(ctx)
}

func (d *Dispatcher) updateBacklog(ctx context.Context) {
	var count int
	row := d.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = '%s'`, d.cfg.Table, StatusPending))
	if err := row.Scan(&count); err != nil {
		return
	}
	pendingGauge.WithLabelValues(string(d.cfg.Table)).Set(float64(count))
}
