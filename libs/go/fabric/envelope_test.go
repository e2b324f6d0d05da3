package fabric

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/platform/libs/go/events"
)

func TestNewMessageCarriesDedupKeyAsMessageID(t *testing.T) {
	evt := events.DomainEvent{
		EventID:    42,
		DedupKey:   "abc",
		Type:       events.TypeChallengeCompleted,
		Payload:    []byte(`{"user_id":"u1"}`),
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	msg, err := NewMessage(evt, 12, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", string(msg.Key))
	require.Equal(t, "abc", header(msg, HeaderMessageID))
	require.Equal(t, "42", header(msg, HeaderEventID))
	require.Equal(t, events.TypeChallengeCompleted, header(msg, HeaderEventType))

	msg.Topic = events.TypeChallengeCompleted
	d, err := Decode(msg)
	require.NoError(t, err)
	require.Equal(t, 12, d.SchemaID)
	require.Equal(t, int64(42), d.Event.EventID)
	require.Equal(t, "abc", d.Event.DedupKey)
	require.JSONEq(t, `{"user_id":"u1"}`, string(d.Event.Payload))
	require.True(t, evt.OccurredAt.Equal(d.Event.OccurredAt))
	require.Equal(t, 1, d.Attempt)
}

func TestNewMessageDefaultsKeyToDedupKey(t *testing.T) {
	msg, err := NewMessage(events.DomainEvent{EventID: 1, DedupKey: "k", Type: "x", Payload: []byte(`{}`)}, 1, "")
	require.NoError(t, err)
	require.Equal(t, "k", string(msg.Key))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte{0, 0}})
	require.Error(t, err)

	_, err = Decode(kafka.Message{Value: []byte{9, 0, 0, 0, 1, '{', '}'}})
	require.ErrorContains(t, err, "magic byte")

	_, err = Decode(kafka.Message{Value: EncodeWireFormat(1, []byte(`{"event_id":1}`))})
	require.ErrorContains(t, err, "missing")

	_, err = Decode(kafka.Message{Value: EncodeWireFormat(1, []byte(`not json`))})
	require.ErrorContains(t, err, "decode envelope")
}

func TestDecodeUsesOriginTopicForRetries(t *testing.T) {
	msg, err := NewMessage(events.DomainEvent{EventID: 1, DedupKey: "k", Type: "x", Payload: []byte(`{}`)}, 1, "")
	require.NoError(t, err)
	msg.Topic = RetryTopic("x", "g")
	msg.Headers = withHeader(msg.Headers, HeaderOriginTopic, "x")
	msg.Headers = withHeader(msg.Headers, HeaderAttempt, "4")
	msg.Headers = withHeader(msg.Headers, HeaderNotBefore, "1767225600000")

	d, err := Decode(msg)
	require.NoError(t, err)
	require.Equal(t, "x", d.Topic)
	require.Equal(t, 4, d.Attempt)
	require.Equal(t, time.UnixMilli(1767225600000).UTC(), d.NotBefore)
}

func TestWithHeaderReplacesExistingValue(t *testing.T) {
	headers := []kafka.Header{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}
	headers = withHeader(headers, "a", "3")
	require.Len(t, headers, 2)
	require.Equal(t, "3", header(kafka.Message{Headers: headers}, "a"))
}
