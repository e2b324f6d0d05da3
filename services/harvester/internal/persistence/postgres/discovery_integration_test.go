//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/harvester/internal/discovery"
	"example.com/platform/libs/go/testsupport"
)

func TestDiscoveredRepositoriesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(testsupport.StartPostgres(ctx, t))
	require.NoError(t, err)

	_, err = store.pool.Exec(ctx, `INSERT INTO linked_accounts (provider, login, user_id) VALUES
        ('github', 'lin', 'user-2'), ('github', 'ada', 'user-1'), ('gitlab', 'ada', 'user-1')`)
	require.NoError(t, err)

	accounts, err := store.LinkedAccounts(ctx, "github")
	require.NoError(t, err)
	require.Equal(t, []discovery.Account{
		{Provider: "github", Login: "ada", UserID: "user-1"},
		{Provider: "github", Login: "lin", UserID: "user-2"},
	}, accounts)

	pushed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRepositories(ctx, accounts[0], []discovery.Repository{
		{FullName: "ada/engine", Owner: "ada", Owned: true, Stars: 140, PushedAt: pushed},
		{FullName: "acme/widgets", Owner: "acme", Stars: 2100},
	}))
	require.NoError(t, store.SaveRepositories(ctx, accounts[1], []discovery.Repository{
		{FullName: "acme/widgets", Owner: "acme", Stars: 2101},
	}))
	// A second refresh updates in place.
	require.NoError(t, store.SaveRepositories(ctx, accounts[0], []discovery.Repository{
		{FullName: "ada/engine", Owner: "ada", Owned: true, Stars: 150, PushedAt: pushed},
	}))
	require.Equal(t, 3, countRows(t, store, `SELECT COUNT(*) FROM contributed_repositories`))
	require.Equal(t, 150, countRows(t, store, `SELECT stars FROM contributed_repositories WHERE full_name = 'ada/engine'`))

	names, err := store.DiscoveredRepositories(ctx, "github", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"acme/widgets", "ada/engine"}, names)

	names, err = store.DiscoveredRepositories(ctx, "github", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, names)
}
