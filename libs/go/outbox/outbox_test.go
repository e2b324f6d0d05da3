package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/platform/libs/go/events"
)

func TestNewRecordDerivesRoutingFromEventType(t *testing.T) {
	evt := events.DomainEvent{
		EventID:    11,
		DedupKey:   "dk",
		Type:       events.TypeChallengeCompleted,
		Payload:    json.RawMessage(`{"user_id":"u"}`),
		OccurredAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	rec, err := NewRecord(evt, "u")
	require.NoError(t, err)
	require.Equal(t, events.TypeChallengeCompleted, rec.Topic)
	require.Equal(t, "challenge.completed-value", rec.SchemaSubject)
	require.Equal(t, "u", rec.PartitionKey)

	var roundTrip events.DomainEvent
	require.NoError(t, json.Unmarshal(rec.Payload, &roundTrip))
	require.Equal(t, evt.DedupKey, roundTrip.DedupKey)

	rec, err = NewRecord(evt, "")
	require.NoError(t, err)
	require.Equal(t, "dk", rec.PartitionKey)

	_, err = NewRecord(events.DomainEvent{Type: "x"}, "")
	require.Error(t, err)
}

func TestNewWriterRejectsUnknownTable(t *testing.T) {
	_, err := NewWriter(Table("users; DROP TABLE outbox"))
	require.Error(t, err)

	w, err := NewWriter(ChallengeTable)
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestWriterInsertReportsDuplicates(t *testing.T) {
	w, err := NewWriter(HarvestTable)
	require.NoError(t, err)

	rec := Record{EventID: 1, DedupKey: "dk", EventType: events.TypeRecordChanged, Topic: events.TypeRecordChanged}
	before := testutil.ToFloat64(enqueuedCounter.WithLabelValues(string(HarvestTable), events.TypeRecordChanged))

	db := &stubExecer{tag: pgconn.NewCommandTag("INSERT 0 1")}
	inserted, err := w.Insert(context.Background(), db, rec)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Contains(t, db.sql, "INSERT INTO outbox")
	require.Contains(t, db.sql, "ON CONFLICT (dedup_key) DO NOTHING")

	db.tag = pgconn.NewCommandTag("INSERT 0 0")
	inserted, err = w.Insert(context.Background(), db, rec)
	require.NoError(t, err)
	require.False(t, inserted)

	after := testutil.ToFloat64(enqueuedCounter.WithLabelValues(string(HarvestTable), events.TypeRecordChanged))
	require.InDelta(t, before+1, after, 0.0001)
}

func TestSchemaCatalogIsValidJSON(t *testing.T) {
	for _, typ := range []string{events.TypeRecordChanged, events.TypeChallengeProgressed, events.TypeChallengeCompleted} {
		entry, ok := LookupSchema(typ)
		require.True(t, ok, typ)
		require.True(t, json.Valid([]byte(entry.Schema)), typ)
	}
	_, ok := LookupSchema("unknown.type")
	require.False(t, ok)
}

type stubExecer struct {
	tag  pgconn.CommandTag
	sql  string
	args []any
}

func (s *stubExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.sql = sql
	s.args = args
	return s.tag, nil
}
