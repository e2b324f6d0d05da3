// Package channel delivers notification content to recipients.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Channel names.
const (
	Webhook = "webhook"
	Log     = "log"
)

// Message is one rendered notification.
type Message struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
}

// Channel sends messages. Errors satisfying IsPermanent will never succeed on retry.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// StatusError represents a non-successful delivery response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery failed with status %d %s", e.Status, http.StatusText(e.Status))
}

// Permanent reports whether the recipient rejected the message. 429 is a throttle, not a
// rejection.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a delivery failure that retrying cannot fix.
func IsPermanent(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.Permanent()
}

// LogChannel writes messages to the log. It is used in development.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel constructs a LogChannel. A nil logger uses slog.Default.
func NewLogChannel(log *slog.Logger) *LogChannel {
	if log == nil {
		log = slog.Default()
	}
	return &LogChannel{logger: log}
}

// Send logs msg.
func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.InfoContext(ctx, "notification", "recipient", msg.Recipient, "channel", msg.Channel, "content", msg.Content)
	return nil
}
