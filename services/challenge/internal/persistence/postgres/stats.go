package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/challenge/internal/stats"
)

const platformStatKey = "GLOBAL"

var _ stats.Store = (*Store)(nil)

// RecordContribution upserts the latest state of one contribution and marks the user's
// statistics stale. An older state than the stored one is ignored.
func (s *Store) RecordContribution(ctx context.Context, userID string, c stats.Contribution) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO user_contributions
            (user_id, source_id, repository, record_id, kind, merged, additions, deletions, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (user_id, source_id, repository, record_id) DO UPDATE
           SET kind = EXCLUDED.kind,
               merged = EXCLUDED.merged,
               additions = EXCLUDED.additions,
               deletions = EXCLUDED.deletions,
               occurred_at = EXCLUDED.occurred_at,
               recorded_at = NOW()
         WHERE user_contributions.occurred_at <= EXCLUDED.occurred_at`,
		userID, c.SourceID, c.Repository, c.RecordID, c.Kind, c.Merged, c.Additions, c.Deletions, c.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert contribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO user_statistics_dirty (user_id) VALUES ($1)
        ON CONFLICT (user_id) DO UPDATE
           SET generation = user_statistics_dirty.generation + 1, marked_at = NOW()`, userID); err != nil {
		return fmt.Errorf("mark statistics dirty: %w", err)
	}
	return tx.Commit(ctx)
}

// DirtyUsers lists the users marked longest ago first.
func (s *Store) DirtyUsers(ctx context.Context, limit int) ([]stats.DirtyUser, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, generation FROM user_statistics_dirty
        ORDER BY marked_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select dirty users: %w", err)
	}
	defer rows.Close()

	var out []stats.DirtyUser
	for rows.Next() {
		var d stats.DirtyUser
		if err := rows.Scan(&d.UserID, &d.Generation); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Contributions(ctx context.Context, userID string) ([]stats.Contribution, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_id, repository, record_id, kind, merged, additions, deletions, occurred_at
          FROM user_contributions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("select contributions: %w", err)
	}
	defer rows.Close()

	var out []stats.Contribution
	for rows.Next() {
		var c stats.Contribution
		if err := rows.Scan(&c.SourceID, &c.Repository, &c.RecordID, &c.Kind, &c.Merged, &c.Additions, &c.Deletions, &c.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Repositories reads what harvester discovery stored for the user, one row per
// repository across the user's linked logins.
func (s *Store) Repositories(ctx context.Context, userID string) ([]stats.Repository, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (LOWER(full_name)) full_name, owned, stars, forks
          FROM contributed_repositories
         WHERE user_id = $1
         ORDER BY LOWER(full_name), last_seen_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select repositories: %w", err)
	}
	defer rows.Close()

	var out []stats.Repository
	for rows.Next() {
		var r stats.Repository
		if err := rows.Scan(&r.FullName, &r.Owned, &r.Stars, &r.Forks); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveStatistics upserts st and clears the dirty mark only if no contribution arrived
// after generation was read.
func (s *Store) SaveStatistics(ctx context.Context, st stats.Statistics, generation int64) error {
	repos, err := json.Marshal(st.Repositories)
	if err != nil {
		return fmt.Errorf("encode repositories: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO user_statistics (
            user_id, total_commits, total_additions, total_deletions, total_lines,
            total_pull_requests, merged_pull_requests, total_issues,
            owned_repositories, contributed_repositories, owned_stars, owned_forks,
            night_commits, day_commits, repositories,
            activity_score, diversity_score, impact_score, computed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        ON CONFLICT (user_id) DO UPDATE SET
            total_commits = EXCLUDED.total_commits,
            total_additions = EXCLUDED.total_additions,
            total_deletions = EXCLUDED.total_deletions,
            total_lines = EXCLUDED.total_lines,
            total_pull_requests = EXCLUDED.total_pull_requests,
            merged_pull_requests = EXCLUDED.merged_pull_requests,
            total_issues = EXCLUDED.total_issues,
            owned_repositories = EXCLUDED.owned_repositories,
            contributed_repositories = EXCLUDED.contributed_repositories,
            owned_stars = EXCLUDED.owned_stars,
            owned_forks = EXCLUDED.owned_forks,
            night_commits = EXCLUDED.night_commits,
            day_commits = EXCLUDED.day_commits,
            repositories = EXCLUDED.repositories,
            activity_score = EXCLUDED.activity_score,
            diversity_score = EXCLUDED.diversity_score,
            impact_score = EXCLUDED.impact_score,
            computed_at = EXCLUDED.computed_at`,
		st.UserID, st.Commits, st.Additions, st.Deletions, st.Lines,
		st.PullRequests, st.MergedPullRequests, st.Issues,
		st.OwnedRepositories, st.ContributedRepositories, st.OwnedStars, st.OwnedForks,
		st.NightCommits, st.DayCommits, repos,
		st.Scores.Activity, st.Scores.Diversity, st.Scores.Impact, st.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert statistics: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_statistics_dirty WHERE user_id = $1 AND generation = $2`,
		st.UserID, generation); err != nil {
		return fmt.Errorf("clear dirty mark: %w", err)
	}
	return tx.Commit(ctx)
}

// Statistics loads the stored statistics of userID.
func (s *Store) Statistics(ctx context.Context, userID string) (stats.Statistics, bool, error) {
	st := stats.Statistics{UserID: userID}
	var repos []byte
	err := s.pool.QueryRow(ctx, `SELECT total_commits, total_additions, total_deletions, total_lines,
               total_pull_requests, merged_pull_requests, total_issues,
               owned_repositories, contributed_repositories, owned_stars, owned_forks,
               night_commits, day_commits, repositories,
               activity_score, diversity_score, impact_score, computed_at
          FROM user_statistics WHERE user_id = $1`, userID).
		Scan(&st.Commits, &st.Additions, &st.Deletions, &st.Lines,
			&st.PullRequests, &st.MergedPullRequests, &st.Issues,
			&st.OwnedRepositories, &st.ContributedRepositories, &st.OwnedStars, &st.OwnedForks,
			&st.NightCommits, &st.DayCommits, &repos,
			&st.Scores.Activity, &st.Scores.Diversity, &st.Scores.Impact, &st.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("select statistics: %w", err)
	}
	if err := json.Unmarshal(repos, &st.Repositories); err != nil {
		return st, false, fmt.Errorf("decode repositories: %w", err)
	}
	return st, true, nil
}

func (s *Store) Averages(ctx context.Context) (stats.Platform, error) {
	var p stats.Platform
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*),
               COALESCE(AVG(total_commits), 0)::float8,
               COALESCE(AVG(total_pull_requests), 0)::float8,
               COALESCE(AVG(total_issues), 0)::float8,
               COALESCE(AVG(owned_stars), 0)::float8
          FROM user_statistics`).
		Scan(&p.TotalUsers, &p.AvgCommits, &p.AvgPullRequests, &p.AvgIssues, &p.AvgStars)
	if err != nil {
		return p, fmt.Errorf("average statistics: %w", err)
	}
	return p, nil
}

// PlatformStatistics loads the last stored averages.
func (s *Store) PlatformStatistics(ctx context.Context) (stats.Platform, bool, error) {
	var p stats.Platform
	err := s.pool.QueryRow(ctx, `SELECT total_users, avg_commits, avg_pull_requests, avg_issues, avg_stars, computed_at
          FROM platform_statistics WHERE stat_key = $1`, platformStatKey).
		Scan(&p.TotalUsers, &p.AvgCommits, &p.AvgPullRequests, &p.AvgIssues, &p.AvgStars, &p.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("select platform statistics: %w", err)
	}
	return p, true, nil
}

func (s *Store) SavePlatform(ctx context.Context, p stats.Platform) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO platform_statistics
            (stat_key, total_users, avg_commits, avg_pull_requests, avg_issues, avg_stars, computed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (stat_key) DO UPDATE SET
            total_users = EXCLUDED.total_users,
            avg_commits = EXCLUDED.avg_commits,
            avg_pull_requests = EXCLUDED.avg_pull_requests,
            avg_issues = EXCLUDED.avg_issues,
            avg_stars = EXCLUDED.avg_stars,
            computed_at = EXCLUDED.computed_at`,
		platformStatKey, p.TotalUsers, p.AvgCommits, p.AvgPullRequests, p.AvgIssues, p.AvgStars, p.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert platform statistics: %w", err)
	}
	return nil
}
