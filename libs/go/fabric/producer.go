package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer publishes messages to a named topic.
type Writer interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// Producer lazily manages one synchronous kafka.Writer per topic. A write returns only after
// every in-sync replica acknowledged it.
type Producer struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes msgs to topic. Messages must not carry their own Topic.
func (p *Producer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if err := p.writerFor(topic).WriteMessages(ctx, msgs...); err != nil {
		publishFailures.WithLabelValues(topic).Inc()
		return fmt.Errorf("write %d message(s) to %s: %w", len(msgs), topic, err)
	}
	published.WithLabelValues(topic).Add(float64(len(msgs)))
	return nil
}

func (p *Producer) writerFor(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 10 * time.Millisecond,
	}
	p.writers[topic] = w
	return w
}

// Close flushes and releases every writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
