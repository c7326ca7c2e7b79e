package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Pending persistence for two-phase commit: the refresh queue of a prepared
// transaction is stored as an opaque blob keyed by the global transaction id
// until the coordinator finishes it.

// SavePending stores a prepared transaction's serialized refresh queue. Runs
// inside the preparing transaction so the row commits atomically with the
// PREPARE itself.
func (s *Store) SavePending(ctx context.Context, q Querier, gid string, blob []byte, size int, ttl time.Duration) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tview_pending_refresh (gid, queue, queue_size, expires_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4))`,
		gid, blob, size, ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("saving pending queue %q: %w", gid, err)
	}
	return nil
}

// TakePending atomically claims and removes a pending queue. The second
// return is false when the row was already taken, which makes completion
// idempotent across competing coordinators.
func (s *Store) TakePending(ctx context.Context, q Querier, gid string) ([]byte, bool, error) {
	var blob []byte
	err := q.QueryRow(ctx,
		`DELETE FROM tview_pending_refresh WHERE gid = $1 RETURNING queue`, gid,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taking pending queue %q: %w", gid, err)
	}
	return blob, true, nil
}

// DeletePending discards a pending queue without applying it (rollback path).
func (s *Store) DeletePending(ctx context.Context, q Querier, gid string) error {
	if _, err := q.Exec(ctx, `DELETE FROM tview_pending_refresh WHERE gid = $1`, gid); err != nil {
		return fmt.Errorf("deleting pending queue %q: %w", gid, err)
	}
	return nil
}

// SweepPending removes expired pending queues and returns how many were
// discarded. An expired entry means the in-doubt transaction was never
// finished within the TTL; the queue is no longer trustworthy.
func (s *Store) SweepPending(ctx context.Context, q Querier) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM tview_pending_refresh WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweeping pending queues: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPending returns the gids of unfinished prepared transactions, oldest
// first, for the recovery sweep.
func (s *Store) ListPending(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT gid FROM tview_pending_refresh ORDER BY prepared_at`)
	if err != nil {
		return nil, fmt.Errorf("listing pending queues: %w", err)
	}
	defer rows.Close()

	var gids []string
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		gids = append(gids, gid)
	}
	return gids, rows.Err()
}
