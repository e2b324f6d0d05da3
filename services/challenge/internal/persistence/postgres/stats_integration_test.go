//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/challenge/internal/stats"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/testsupport"
)

func TestContributionsMarkUsersDirtyUntilSaved(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := stats.Contribution{SourceID: "github", Repository: "acme/widgets", RecordID: "pull/7",
		Kind: events.KindPullRequest, OccurredAt: at}
	require.NoError(t, store.RecordContribution(ctx, "user-1", open))

	merged := open
	merged.Merged = true
	merged.OccurredAt = at.Add(time.Hour)
	require.NoError(t, store.RecordContribution(ctx, "user-1", merged))
	// A late redelivery of the older state does not win.
	require.NoError(t, store.RecordContribution(ctx, "user-1", open))

	contribs, err := store.Contributions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	require.True(t, contribs[0].Merged)

	dirty, err := store.DirtyUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.EqualValues(t, 2, dirty[0].Generation)

	_, err = store.pool.Exec(ctx, `INSERT INTO contributed_repositories (provider, login, full_name, user_id, owner, stars)
        VALUES ('github', 'ada', 'acme/widgets', 'user-1', 'acme', 2100)`)
	require.NoError(t, err)
	repos, err := store.Repositories(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, []stats.Repository{{FullName: "acme/widgets", Stars: 2100}}, repos)

	st := stats.Aggregate("user-1", contribs, repos, time.UTC)
	st.ComputedAt = at.Add(2 * time.Hour)

	// A save against a stale generation keeps the user dirty.
	require.NoError(t, store.SaveStatistics(ctx, st, 1))
	dirty, err = store.DirtyUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, store.SaveStatistics(ctx, st, 2))
	dirty, err = store.DirtyUsers(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dirty)

	loaded, ok, err := store.Statistics(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, loaded.MergedPullRequests)
	require.InDelta(t, 2.0, loaded.Scores.Impact, 1e-9)
	require.Len(t, loaded.Repositories, 1)
	require.True(t, st.ComputedAt.Equal(loaded.ComputedAt))

	_, ok, err = store.Statistics(ctx, "user-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPlatformAveragesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	_, ok, err := store.PlatformStatistics(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, commits := range []int{10, 30} {
		require.NoError(t, store.SaveStatistics(ctx, stats.Statistics{
			UserID:     []string{"user-1", "user-2"}[i],
			Commits:    commits,
			OwnedStars: 4,
			ComputedAt: now,
		}, 0))
	}

	avg, err := store.Averages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, avg.TotalUsers)
	require.InDelta(t, 20.0, avg.AvgCommits, 1e-9)
	require.InDelta(t, 4.0, avg.AvgStars, 1e-9)

	avg.ComputedAt = now
	require.NoError(t, store.SavePlatform(ctx, avg))
	stored, ok, err := store.PlatformStatistics(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, stored.TotalUsers)
	require.InDelta(t, 20.0, stored.AvgCommits, 1e-9)
}
