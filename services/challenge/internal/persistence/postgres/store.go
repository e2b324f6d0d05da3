// Package postgres persists challenge progress, applied events and the challenge outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/challenge/internal/challenge"
	"example.com/platform/libs/go/outbox"
)

// Store implements challenge.Store and challenge.UserResolver on Postgres.
type Store struct {
	pool   *pgxpool.Pool
	outbox *outbox.Writer
}

// NewStore constructs a Store writing result events to the challenge outbox table.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	writer, err := outbox.NewWriter(outbox.ChallengeTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, outbox: writer}, nil
}

// Snapshot loads progress for (userID, challengeID). A missing row is version 0.
func (s *Store) Snapshot(ctx context.Context, userID, challengeID, dedupKey, recordKey string) (challenge.Snapshot, error) {
	snap := challenge.Snapshot{Progress: challenge.Progress{UserID: userID, ChallengeID: challengeID}}

	var (
		state       []byte
		lastApplied *int64
	)
	err := s.pool.QueryRow(ctx, `SELECT metric_state, version, last_applied_event_id
        FROM challenge_progress WHERE user_id = $1 AND challenge_id = $2`, userID, challengeID).
		Scan(&state, &snap.Progress.Version, &lastApplied)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("select progress: %w", err)
	default:
		if err := json.Unmarshal(state, &snap.Progress.State); err != nil {
			return snap, fmt.Errorf("decode metric_state: %w", err)
		}
		if lastApplied != nil {
			snap.Progress.LastAppliedEventID = *lastApplied
		}
	}

	err = s.pool.QueryRow(ctx, `SELECT
            EXISTS (SELECT 1 FROM challenge_applied_events WHERE user_id = $1 AND challenge_id = $2 AND dedup_key = $3),
            EXISTS (SELECT 1 FROM challenge_counted_records WHERE user_id = $1 AND challenge_id = $2 AND record_id = $4)`,
		userID, challengeID, dedupKey, recordKey).Scan(&snap.Applied, &snap.Counted)
	if err != nil {
		return snap, fmt.Errorf("select applied: %w", err)
	}
	return snap, nil
}

// Apply commits one fold. The applied row goes first so a concurrent duplicate loses on
// the primary key before touching progress.
func (s *Store) Apply(ctx context.Context, app challenge.Application) error {
	state, err := json.Marshal(app.Next.State)
	if err != nil {
		return fmt.Errorf("encode metric_state: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	userID, challengeID := app.Next.UserID, app.Next.ChallengeID
	tag, err := tx.Exec(ctx, `INSERT INTO challenge_applied_events (user_id, challenge_id, event_id, dedup_key)
        VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		userID, challengeID, app.Event.EventID, app.Event.DedupKey)
	if err != nil {
		return fmt.Errorf("insert applied event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return challenge.ErrAlreadyApplied
	}

	if app.Amount > 0 {
		tag, err = tx.Exec(ctx, `INSERT INTO challenge_counted_records (user_id, challenge_id, record_id, amount)
            VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			userID, challengeID, app.RecordKey, app.Amount)
		if err != nil {
			return fmt.Errorf("insert counted record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return challenge.ErrVersionConflict
		}
	}

	if app.Expected == 0 {
		tag, err = tx.Exec(ctx, `INSERT INTO challenge_progress (user_id, challenge_id, metric_state, version, last_applied_event_id)
            VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			userID, challengeID, state, app.Next.Version, app.Next.LastAppliedEventID)
	} else {
		tag, err = tx.Exec(ctx, `UPDATE challenge_progress
               SET metric_state = $3, version = $4, last_applied_event_id = $5, updated_at = NOW()
             WHERE user_id = $1 AND challenge_id = $2 AND version = $6`,
			userID, challengeID, state, app.Next.Version, app.Next.LastAppliedEventID, app.Expected)
	}
	if err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return challenge.ErrVersionConflict
	}

	for _, rec := range app.Results {
		if _, err := s.outbox.Insert(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Resolve maps a source login to the linked platform user. Logins compare case-insensitively.
func (s *Store) Resolve(ctx context.Context, provider, login string) (string, bool, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM linked_accounts
        WHERE provider = $1 AND lower(login) = lower($2)`, provider, login).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve linked account: %w", err)
	}
	return userID, true, nil
}

// LinkAccount links a source login to a platform user, replacing any previous link.
func (s *Store) LinkAccount(ctx context.Context, provider, login, userID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO linked_accounts (provider, login, user_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (provider, login) DO UPDATE SET user_id = EXCLUDED.user_id`,
		provider, login, userID)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

// Progress lists a user's challenge progress.
func (s *Store) Progress(ctx context.Context, userID string) ([]challenge.Progress, error) {
	rows, err := s.pool.Query(ctx, `SELECT challenge_id, metric_state, version, COALESCE(last_applied_event_id, 0)
        FROM challenge_progress WHERE user_id = $1 ORDER BY challenge_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select progress: %w", err)
	}
	defer rows.Close()

	var out []challenge.Progress
	for rows.Next() {
		p := challenge.Progress{UserID: userID}
		var state []byte
		if err := rows.Scan(&p.ChallengeID, &state, &p.Version, &p.LastAppliedEventID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(state, &p.State); err != nil {
			return nil, fmt.Errorf("decode metric_state for %s: %w", p.ChallengeID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
