package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebhookPostsMessage(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL+"/", "secret", time.Second)
	msg := Message{Recipient: "user-1", Channel: Webhook, Content: "Challenge 'First Commit' completed (+10 points)"}
	require.NoError(t, ch.Send(context.Background(), msg))
	require.Equal(t, msg, got)
	require.Equal(t, "Bearer secret", auth)
}

func TestWebhookClassifiesStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusNotFound:            true,
		http.StatusGone:                true,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for status, permanent := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		err := NewWebhookChannel(srv.URL, "", time.Second).Send(context.Background(), Message{Recipient: "u"})
		srv.Close()

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr, "status %d", status)
		require.Equal(t, status, statusErr.Status)
		require.Equal(t, permanent, IsPermanent(err), "status %d", status)
	}
}

func TestWebhookTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	err := NewWebhookChannel(srv.URL, "", time.Second).Send(context.Background(), Message{Recipient: "u"})
	require.Error(t, err)
	require.False(t, IsPermanent(err))
}

func TestLogChannelWritesContent(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, ch.Send(context.Background(), Message{Recipient: "user-1", Channel: Log, Content: "hello"}))
	require.Contains(t, buf.String(), "recipient=user-1")
	require.Contains(t, buf.String(), "content=hello")
}
