package fabric

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/platform/libs/go/events"
)

// Header keys carried on every fabric message.
const (
	HeaderMessageID   = "message_id"
	HeaderEventType   = "event_type"
	HeaderEventID     = "event_id"
	HeaderAttempt     = "x-attempt"
	HeaderNotBefore   = "x-not-before"
	HeaderOriginTopic = "x-origin-topic"
	HeaderError       = "x-error"
	HeaderGroup       = "x-consumer-group"
)

// Delivery is a decoded fabric message handed to a Handler.
type Delivery struct {
	Event     events.DomainEvent
	Topic     string // topic the event was originally published to
	Partition int
	Offset    int64
	Attempt   int
	NotBefore time.Time
	SchemaID  int
	Timestamp time.Time
	Headers   map[string]string
}

// NewMessage frames evt for publication. The dedup key travels as the message id header and
// as the Kafka key unless an explicit partition key is given.
func NewMessage(evt events.DomainEvent, schemaID int, partitionKey string) (kafka.Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %d: %w", evt.EventID, err)
	}
	key := partitionKey
	if key == "" {
		key = evt.DedupKey
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: EncodeWireFormat(schemaID, body),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(evt.DedupKey)},
			{Key: HeaderEventType, Value: []byte(evt.Type)},
			{Key: HeaderEventID, Value: []byte(strconv.FormatInt(evt.EventID, 10))},
			{Key: HeaderAttempt, Value: []byte("1")},
		},
	}, nil
}

// Decode parses a framed fabric message.
func Decode(msg kafka.Message) (Delivery, error) {
	schemaID, body, err := DecodeWireFormat(msg.Value)
	if err != nil {
		return Delivery{}, err
	}

	var evt events.DomainEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return Delivery{}, fmt.Errorf("decode envelope: %w", err)
	}
	if evt.EventID == 0 || evt.DedupKey == "" || evt.Type == "" {
		return Delivery{}, errors.New("envelope missing event_id, dedup_key or type")
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	d := Delivery{
		Event:     evt,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Attempt:   1,
		SchemaID:  schemaID,
		Timestamp: msg.Time,
		Headers:   headers,
	}
	if origin := headers[HeaderOriginTopic]; origin != "" {
		d.Topic = origin
	}
	if v, ok := headers[HeaderAttempt]; ok {
		if attempt, convErr := strconv.Atoi(v); convErr == nil && attempt > 0 {
			d.Attempt = attempt
		}
	}
	if v, ok := headers[HeaderNotBefore]; ok {
		if ms, convErr := strconv.ParseInt(v, 10, 64); convErr == nil {
			d.NotBefore = time.UnixMilli(ms).UTC()
		}
	}
	return d, nil
}

// EncodeWireFormat applies Confluent framing: magic byte 0 followed by the big-endian schema id.
func EncodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// DecodeWireFormat strips Confluent framing.
func DecodeWireFormat(value []byte) (int, []byte, error) {
	if len(value) < 5 {
		return 0, nil, fmt.Errorf("invalid payload length: %d", len(value))
	}
	if value[0] != 0 {
		return 0, nil, fmt.Errorf("unexpected magic byte %#x", value[0])
	}
	schemaID := int(binary.BigEndian.Uint32(value[1:5]))
	return schemaID, append([]byte(nil), value[5:]...), nil
}

func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
