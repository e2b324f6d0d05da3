//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/notification/internal/notify"
	"example.com/platform/libs/go/testsupport"
)

func TestEnsureKeepsFirstRecordPerDedupKey(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testsupport.StartPostgres(ctx, t))

	first := notify.Record{ID: uuid.New(), DedupKey: "k1", Recipient: "user-1", Channel: "log", Content: "hi", Status: notify.StatusPending}
	got, err := store.Ensure(ctx, first)
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := first
	second.ID = uuid.New()
	got, err = store.Ensure(ctx, second)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDoesNotReopenTerminalRecords(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testsupport.StartPostgres(ctx, t))

	rec, err := store.Ensure(ctx, notify.Record{ID: uuid.New(), DedupKey: "k1", Recipient: "user-1", Channel: "log", Content: "hi", Status: notify.StatusPending})
	require.NoError(t, err)

	rec.Status = notify.StatusFailed
	rec.Attempts = 1
	rec.LastError = "timeout"
	require.NoError(t, store.Update(ctx, rec))

	rec.Status = notify.StatusSent
	rec.Attempts = 2
	rec.LastError = ""
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, notify.StatusSent, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Empty(t, got.LastError)

	rec.Status = notify.StatusFailed
	require.ErrorIs(t, store.Update(ctx, rec), ErrNotFound)
}
