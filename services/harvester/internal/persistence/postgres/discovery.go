package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/harvester/internal/discovery"
)

var _ discovery.Store = (*Store)(nil)

// LinkedAccounts lists the accounts linked for provider.
func (s *Store) LinkedAccounts(ctx context.Context, provider string) ([]discovery.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT provider, login, user_id
          FROM linked_accounts
         WHERE provider = $1
         ORDER BY login`, provider)
	if err != nil {
		return nil, fmt.Errorf("select linked accounts: %w", err)
	}
	defer rows.Close()

	var out []discovery.Account
	for rows.Next() {
		var a discovery.Account
		if err := rows.Scan(&a.Provider, &a.Login, &a.UserID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveRepositories upserts every repository of account and stamps it as seen.
func (s *Store) SaveRepositories(ctx context.Context, account discovery.Account, repos []discovery.Repository) error {
	if len(repos) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range repos {
		var pushedAt *time.Time
		if !r.PushedAt.IsZero() {
			pushedAt = &r.PushedAt
		}
		batch.Queue(`INSERT INTO contributed_repositories
                (provider, login, full_name, user_id, owner, owned, fork, private, language, stars, forks, pushed_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
            ON CONFLICT (provider, login, full_name) DO UPDATE
               SET user_id = EXCLUDED.user_id,
                   owner = EXCLUDED.owner,
                   owned = EXCLUDED.owned,
                   fork = EXCLUDED.fork,
                   private = EXCLUDED.private,
                   language = EXCLUDED.language,
                   stars = EXCLUDED.stars,
                   forks = EXCLUDED.forks,
                   pushed_at = EXCLUDED.pushed_at,
                   last_seen_at = NOW()`,
			account.Provider, account.Login, r.FullName, account.UserID, r.Owner, r.Owned, r.Fork, r.Private,
			r.Language, r.Stars, r.Forks, pushedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert repositories: %w", err)
	}
	return nil
}

// DiscoveredRepositories lists the distinct repositories of provider seen since the given
// time.
func (s *Store) DiscoveredRepositories(ctx context.Context, provider string, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT full_name
          FROM contributed_repositories
         WHERE provider = $1 AND last_seen_at >= $2
         ORDER BY full_name`, provider, since)
	if err != nil {
		return nil, fmt.Errorf("select discovered repositories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
