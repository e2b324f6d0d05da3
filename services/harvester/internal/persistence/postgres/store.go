// Package postgres persists harvest cursors, record fingerprints and the harvest outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/harvester/internal/harvest"
	"example.com/platform/libs/go/outbox"
)

// Store implements harvest.Store on Postgres.
type Store struct {
	pool   *pgxpool.Pool
	outbox *outbox.Writer
}

// NewStore constructs a Store writing events to the harvest outbox table.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	writer, err := outbox.NewWriter(outbox.HarvestTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, outbox: writer}, nil
}

// AcquireLease creates the cursor on first use and takes the lease when it is free or
// expired.
func (s *Store) AcquireLease(ctx context.Context, key harvest.Key, ttl time.Duration) (harvest.Lease, error) {
	const stmt = `INSERT INTO harvest_cursors (source_id, entity_id, run_id, lease_token, lease_expires_at)
        VALUES ($1, $2, $3, $4, NOW() + $5::interval)
        ON CONFLICT (source_id, entity_id) DO UPDATE
           SET run_id = EXCLUDED.run_id,
               lease_token = EXCLUDED.lease_token,
               lease_expires_at = EXCLUDED.lease_expires_at,
               updated_at = NOW()
         WHERE harvest_cursors.lease_token IS NULL
            OR harvest_cursors.lease_expires_at < NOW()
        RETURNING last_marker, version`

	lease := harvest.Lease{Key: key, Token: uuid.New(), RunID: uuid.New()}
	err := s.pool.QueryRow(ctx, stmt, key.SourceID, key.EntityID, lease.RunID, lease.Token, ttl).
		Scan(&lease.Marker, &lease.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Lease{}, harvest.ErrRunInProgress
	}
	if err != nil {
		return harvest.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	return lease, nil
}

// Fingerprints returns the stored fingerprints of the given records.
func (s *Store) Fingerprints(ctx context.Context, key harvest.Key, recordIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT record_id, fingerprint FROM harvest_fingerprints
        WHERE source_id = $1 AND entity_id = $2 AND record_id = ANY($3)`,
		key.SourceID, key.EntityID, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("select fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, err
		}
		out[id] = fp
	}
	return out, rows.Err()
}

// CommitPage applies a page in one transaction. The cursor update runs first so a lost
// lease writes nothing.
func (s *Store) CommitPage(ctx context.Context, lease harvest.Lease, page harvest.PageCommit) (harvest.Lease, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return lease, 0, err
	}
	defer tx.Rollback(ctx)

	const advance = `UPDATE harvest_cursors
           SET last_marker = $4,
               version = version + 1,
               lease_expires_at = NOW() + $5::interval,
               updated_at = NOW()
         WHERE source_id = $1 AND entity_id = $2 AND lease_token = $3
        RETURNING version`

	var version int64
	err = tx.QueryRow(ctx, advance, lease.Key.SourceID, lease.Key.EntityID, lease.Token, page.NextMarker, page.LeaseTTL).
		Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return lease, 0, harvest.ErrLeaseLost
	}
	if err != nil {
		return lease, 0, fmt.Errorf("advance cursor: %w", err)
	}

	inserted := 0
	for _, rec := range page.Records {
		ok, err := s.outbox.Insert(ctx, tx, rec)
		if err != nil {
			return lease, 0, err
		}
		if ok {
			inserted++
		}
	}

	if len(page.Fingerprints) > 0 {
		batch := &pgx.Batch{}
		for recordID, fp := range page.Fingerprints {
			batch.Queue(`INSERT INTO harvest_fingerprints (source_id, entity_id, record_id, fingerprint)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (source_id, entity_id, record_id)
                DO UPDATE SET fingerprint = EXCLUDED.fingerprint, updated_at = NOW()`,
				lease.Key.SourceID, lease.Key.EntityID, recordID, fp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return lease, 0, fmt.Errorf("upsert fingerprints: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return lease, 0, err
	}

	lease.Marker = page.NextMarker
	lease.Version = version
	return lease, inserted, nil
}

// ReleaseLease clears the lease if lease still owns it.
func (s *Store) ReleaseLease(ctx context.Context, lease harvest.Lease) error {
	_, err := s.pool.Exec(ctx, `UPDATE harvest_cursors
           SET lease_token = NULL, lease_expires_at = NULL, updated_at = NOW()
         WHERE source_id = $1 AND entity_id = $2 AND lease_token = $3`,
		lease.Key.SourceID, lease.Key.EntityID, lease.Token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Reset deletes the cursor and fingerprints of key so the next run starts from scratch.
// It reports whether a cursor existed and refuses while a run holds the lease.
func (s *Store) Reset(ctx context.Context, key harvest.Key) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM harvest_cursors
        WHERE source_id = $1 AND entity_id = $2
          AND (lease_token IS NULL OR lease_expires_at < NOW())`,
		key.SourceID, key.EntityID)
	if err != nil {
		return false, fmt.Errorf("delete cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var leased bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM harvest_cursors WHERE source_id = $1 AND entity_id = $2)`,
			key.SourceID, key.EntityID).Scan(&leased); err != nil {
			return false, err
		}
		if leased {
			return false, harvest.ErrRunInProgress
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM harvest_fingerprints WHERE source_id = $1 AND entity_id = $2`,
		key.SourceID, key.EntityID); err != nil {
		return false, fmt.Errorf("delete fingerprints: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CursorStatus is one row of the cursor listing.
type CursorStatus struct {
	Key            harvest.Key
	Marker         string
	Version        int64
	RunID          *uuid.UUID
	LeaseExpiresAt *time.Time
	UpdatedAt      time.Time
	Fingerprints   int
}

// Leased reports whether a run held an unexpired lease at now.
func (c CursorStatus) Leased(now time.Time) bool {
	return c.LeaseExpiresAt != nil && c.LeaseExpiresAt.After(now)
}

// Status lists cursors, optionally restricted to one source.
func (s *Store) Status(ctx context.Context, sourceID string) ([]CursorStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT c.source_id, c.entity_id, c.last_marker, c.version, c.run_id,
               c.lease_expires_at, c.updated_at,
               (SELECT COUNT(*) FROM harvest_fingerprints f
                 WHERE f.source_id = c.source_id AND f.entity_id = c.entity_id)
          FROM harvest_cursors c
         WHERE $1 = '' OR c.source_id = $1
         ORDER BY c.source_id, c.entity_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("select cursors: %w", err)
	}
	defer rows.Close()

	var out []CursorStatus
	for rows.Next() {
		var st CursorStatus
		if err := rows.Scan(&st.Key.SourceID, &st.Key.EntityID, &st.Marker, &st.Version, &st.RunID,
			&st.LeaseExpiresAt, &st.UpdatedAt, &st.Fingerprints); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var _ harvest.Store = (*Store)(nil)
