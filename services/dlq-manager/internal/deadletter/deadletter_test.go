package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/outbox"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	rows     []outbox.DeadLetter
}

func (s *fakeSink) Record(_ context.Context, dl outbox.DeadLetter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("postgres unavailable")
	}
	s.rows = append(s.rows, dl)
	return int64(len(s.rows)), nil
}

func dlqMessage() kafka.Message {
	return kafka.Message{
		Topic: "harvest.record_changed.challenge-service.dlq",
		Value: fabric.EncodeWireFormat(7, []byte(`{"event_id":42}`)),
		Headers: []kafka.Header{
			{Key: fabric.HeaderMessageID, Value: []byte("dk-1")},
			{Key: fabric.HeaderEventType, Value: []byte("harvest.record_changed")},
			{Key: fabric.HeaderEventID, Value: []byte("42")},
			{Key: fabric.HeaderAttempt, Value: []byte("5")},
			{Key: fabric.HeaderOriginTopic, Value: []byte("harvest.record_changed")},
			{Key: fabric.HeaderGroup, Value: []byte("challenge-service")},
			{Key: fabric.HeaderError, Value: []byte("retryable: version conflict")},
		},
	}
}

func TestFromMessageReadsRoutingHeaders(t *testing.T) {
	dl := FromMessage(dlqMessage())
	require.Equal(t, outbox.DeadLetter{
		Topic:         "harvest.record_changed",
		ConsumerGroup: "challenge-service",
		EventID:       42,
		DedupKey:      "dk-1",
		EventType:     "harvest.record_changed",
		Value:         fabric.EncodeWireFormat(7, []byte(`{"event_id":42}`)),
		Reason:        "retryable: version conflict",
		Attempts:      5,
	}, dl)

	bare := FromMessage(kafka.Message{Topic: "x.dlq", Value: []byte("garbage")})
	require.Equal(t, "x.dlq", bare.Topic)
	require.Equal(t, "unknown", bare.Reason)
	require.Zero(t, bare.EventID)
}

func TestRecorderStoresThenCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{dlqMessage()}}
	sink := &fakeSink{failures: 2}
	rec := NewRecorder(reader, sink, nil)
	rec.maxInterval = time.Millisecond
	before := testutil.ToFloat64(recordedCounter.WithLabelValues("harvest.record_changed", "challenge-service"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, sink.rows, 1)
	require.Equal(t, "dk-1", sink.rows[0].DedupKey)
	require.Equal(t, before+1, testutil.ToFloat64(recordedCounter.WithLabelValues("harvest.record_changed", "challenge-service")))
}

func TestRecorderLeavesMessageUncommittedWhenCancelledDuringOutage(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{dlqMessage()}}
	sink := &fakeSink{failures: 1 << 30}
	rec := NewRecorder(reader, sink, nil)
	rec.maxInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, rec.Run(ctx))
	require.Zero(t, reader.commits())
}

type fakeStore struct {
	due         []Entry
	replayed    []int64
	retries     map[int64]time.Duration
	quarantined []int64
	replayedErr error
}

func (s *fakeStore) Due(_ context.Context, limit int) ([]Entry, error) {
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *fakeStore) Replayed(_ context.Context, id int64) error {
	if s.replayedErr != nil {
		return s.replayedErr
	}
	s.replayed = append(s.replayed, id)
	return nil
}

func (s *fakeStore) ScheduleRetry(_ context.Context, id int64, delay time.Duration, _ string) error {
	if s.retries == nil {
		s.retries = make(map[int64]time.Duration)
	}
	s.retries[id] = delay
	return nil
}

func (s *fakeStore) Quarantine(_ context.Context, id int64, _ string) error {
	s.quarantined = append(s.quarantined, id)
	return nil
}

func (s *fakeStore) Backlog(context.Context) (int, error) { return len(s.due), nil }

type fakeWriter struct {
	fail    map[string]error
	written map[string][]kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if err := w.fail[topic]; err != nil {
		return err
	}
	if w.written == nil {
		w.written = make(map[string][]kafka.Message)
	}
	w.written[topic] = append(w.written[topic], msgs...)
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestManagerReplaysToOriginalTopic(t *testing.T) {
	store := &fakeStore{due: []Entry{{ID: 9, Topic: "challenge.completed", DedupKey: "dk", EventType: "challenge.completed", EventID: 77, Value: []byte("framed"), RetryCount: 1}}}
	writer := &fakeWriter{}
	m := NewManager(store, writer, 5, time.Second, nil)

	n, err := m.RunOnce(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{9}, store.replayed)

	msgs := writer.written["challenge.completed"]
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("framed"), msgs[0].Value)
	require.Equal(t, []byte("dk"), msgs[0].Key)
	require.Equal(t, "1", header(msgs[0], fabric.HeaderAttempt))
	require.Equal(t, "9", header(msgs[0], HeaderReplayOf))
	require.Equal(t, "77", header(msgs[0], fabric.HeaderEventID))
}

func TestManagerBacksOffAndQuarantines(t *testing.T) {
	store := &fakeStore{due: []Entry{
		{ID: 1, Topic: "harvest.record_changed", RetryCount: 0},
		{ID: 2, Topic: "harvest.record_changed", RetryCount: 2},
		{ID: 3, Topic: "harvest.record_changed", RetryCount: 3},
	}}
	writer := &fakeWriter{fail: map[string]error{"harvest.record_changed": errors.New("broker down")}}
	m := NewManager(store, writer, 3, time.Minute, nil)

	n, err := m.RunOnce(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, map[int64]time.Duration{1: time.Minute, 2: 4 * time.Minute}, store.retries)
	require.Equal(t, []int64{3}, store.quarantined)
}

func TestManagerBackoffIsCapped(t *testing.T) {
	m := NewManager(&fakeStore{}, &fakeWriter{}, 0, 0, nil)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 8*time.Minute, m.backoffDelay(4))
	require.Equal(t, time.Hour, m.backoffDelay(10))
}

func TestManagerJoinsEntryErrors(t *testing.T) {
	store := &fakeStore{
		due:         []Entry{{ID: 1, Topic: "a"}, {ID: 2, Topic: "b"}},
		replayedErr: errors.New("db down"),
	}
	m := NewManager(store, &fakeWriter{}, 5, time.Second, nil)

	n, err := m.RunOnce(context.Background(), 10)
	require.Zero(t, n)
	require.ErrorContains(t, err, "dead letter 1")
	require.ErrorContains(t, err, "dead letter 2")
}
