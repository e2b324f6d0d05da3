//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/harvester/internal/harvest"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/outbox"
	"example.com/platform/libs/go/testsupport"
)

var key = harvest.Key{SourceID: "github", EntityID: "acme/widgets:commits"}

func outboxRecord(t *testing.T, id int64, dedupKey string) outbox.Record {
	t.Helper()
	rec, err := outbox.NewRecord(events.DomainEvent{
		EventID:    id,
		DedupKey:   dedupKey,
		Type:       events.TypeRecordChanged,
		Payload:    []byte(`{"record_id":"sha-1"}`),
		OccurredAt: time.Now().UTC(),
	}, "ada")
	require.NoError(t, err)
	return rec
}

func countRows(t *testing.T, s *Store, query string) int {
	t.Helper()
	var n int
	require.NoError(t, s.pool.QueryRow(context.Background(), query).Scan(&n))
	return n
}

func TestLeaseIsExclusiveUntilReleasedOrExpired(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	lease, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err)
	require.Empty(t, lease.Marker)
	require.Zero(t, lease.Version)

	_, err = store.AcquireLease(ctx, key, time.Minute)
	require.ErrorIs(t, err, harvest.ErrRunInProgress)

	require.NoError(t, store.ReleaseLease(ctx, lease))
	second, err := store.AcquireLease(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotEqual(t, lease.Token, second.Token)

	time.Sleep(100 * time.Millisecond)
	third, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err, "an expired lease can be taken over")

	_, _, err = store.CommitPage(ctx, second, harvest.PageCommit{NextMarker: "stale", LeaseTTL: time.Minute})
	require.ErrorIs(t, err, harvest.ErrLeaseLost)

	// Releasing with a stale token leaves the new holder in place.
	require.NoError(t, store.ReleaseLease(ctx, second))
	_, err = store.AcquireLease(ctx, key, time.Minute)
	require.ErrorIs(t, err, harvest.ErrRunInProgress)
	require.NoError(t, store.ReleaseLease(ctx, third))
}

func TestCommitPageWritesOutboxFingerprintsAndCursorAtomically(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	lease, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err)

	lease, inserted, err := store.CommitPage(ctx, lease, harvest.PageCommit{
		Records:      []outbox.Record{outboxRecord(t, 1, "k1"), outboxRecord(t, 2, "k2")},
		Fingerprints: map[string]string{"sha-1": "fp-1", "sha-2": "fp-2"},
		NextMarker:   "page-2",
		LeaseTTL:     time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, 2, inserted)
	require.Equal(t, "page-2", lease.Marker)
	require.EqualValues(t, 1, lease.Version)

	fps, err := store.Fingerprints(ctx, key, []string{"sha-1", "sha-2", "sha-3"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"sha-1": "fp-1", "sha-2": "fp-2"}, fps)

	// A replayed page with a fresh event id is absorbed by the dedup key.
	lease, inserted, err = store.CommitPage(ctx, lease, harvest.PageCommit{
		Records:      []outbox.Record{outboxRecord(t, 3, "k2")},
		Fingerprints: map[string]string{"sha-2": "fp-2b"},
		NextMarker:   "resume",
		LeaseTTL:     time.Minute,
	})
	require.NoError(t, err)
	require.Zero(t, inserted, "a replayed dedup key is not counted")
	require.EqualValues(t, 2, lease.Version)
	require.Equal(t, 2, countRows(t, store, `SELECT COUNT(*) FROM outbox`))
	require.Equal(t, 2, countRows(t, store, `SELECT COUNT(*) FROM outbox WHERE status = 'PENDING'`))

	fps, err = store.Fingerprints(ctx, key, []string{"sha-2"})
	require.NoError(t, err)
	require.Equal(t, "fp-2b", fps["sha-2"])

	require.NoError(t, store.ReleaseLease(ctx, lease))
	resumed, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "resume", resumed.Marker)
	require.EqualValues(t, 2, resumed.Version)
}

func TestLostLeaseCommitWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	lease, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err)
	lease.Token = uuid.New()

	_, _, err = store.CommitPage(ctx, lease, harvest.PageCommit{
		Records:      []outbox.Record{outboxRecord(t, 1, "k1")},
		Fingerprints: map[string]string{"sha-1": "fp-1"},
		NextMarker:   "page-2",
		LeaseTTL:     time.Minute,
	})
	require.ErrorIs(t, err, harvest.ErrLeaseLost)
	require.Zero(t, countRows(t, store, `SELECT COUNT(*) FROM outbox`))
	require.Zero(t, countRows(t, store, `SELECT COUNT(*) FROM harvest_fingerprints`))
}

func TestResetAndStatus(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	lease, err := store.AcquireLease(ctx, key, time.Minute)
	require.NoError(t, err)
	lease, _, err = store.CommitPage(ctx, lease, harvest.PageCommit{
		Fingerprints: map[string]string{"sha-1": "fp-1"},
		NextMarker:   "resume",
		LeaseTTL:     time.Minute,
	})
	require.NoError(t, err)

	_, err = store.Reset(ctx, key)
	require.ErrorIs(t, err, harvest.ErrRunInProgress, "reset must not race a running harvest")

	statuses, err := store.Status(ctx, "")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, key, statuses[0].Key)
	require.Equal(t, "resume", statuses[0].Marker)
	require.Equal(t, 1, statuses[0].Fingerprints)
	require.True(t, statuses[0].Leased(time.Now()))

	require.NoError(t, store.ReleaseLease(ctx, lease))
	existed, err := store.Reset(ctx, key)
	require.NoError(t, err)
	require.True(t, existed)

	statuses, err = store.Status(ctx, "github")
	require.NoError(t, err)
	require.Empty(t, statuses)
	require.Zero(t, countRows(t, store, `SELECT COUNT(*) FROM harvest_fingerprints`))

	existed, err = store.Reset(ctx, key)
	require.NoError(t, err)
	require.False(t, existed)
}
