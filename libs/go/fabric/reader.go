package fabric

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader exposes the part of kafka.Reader the processor needs.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ReaderConfig describes a consumer group reader.
type ReaderConfig struct {
	Brokers  []string
	Group    string
	Topic    string
	Topics   []string // several topics under one group, replaces Topic
	MaxWait  time.Duration
	MinBytes int
	MaxBytes int
}

// NewReader builds a consumer group reader with synchronous commits.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	topic := cfg.Topic
	if len(cfg.Topics) > 0 {
		topic = ""
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Group,
		Topic:          topic,
		GroupTopics:    cfg.Topics,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		MaxWait:        maxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
}
