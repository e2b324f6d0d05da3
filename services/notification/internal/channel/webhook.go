package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookChannel posts messages as JSON to an HTTP endpoint.
type WebhookChannel struct {
	client *http.Client
	url    string
	token  string
}

// NewWebhookChannel constructs a WebhookChannel.
func NewWebhookChannel(endpoint, token string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

// Send posts msg. Any status of 400 or above is returned as a *StatusError.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
