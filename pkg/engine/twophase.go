package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/tverr"
)

// Two-phase completion. The refresh queue of a prepared transaction was
// persisted atomically with the PREPARE; completing the transaction replays
// it in a fresh engine transaction. The DELETE ... RETURNING claim makes
// completion exactly-once when coordinators race.

// SQLSTATE undefined_object: COMMIT/ROLLBACK PREPARED names a gid that no
// longer exists, i.e. the transaction was already finished.
const sqlstateUndefinedObject = "42704"

// CommitPrepared commits the prepared transaction gid and flushes its
// persisted refresh queue. A gid that was already committed is not an error:
// a coordinator may crash between COMMIT PREPARED and the replay, and the
// retry must still claim and replay the persisted queue.
func (e *Engine) CommitPrepared(ctx context.Context, gid string) error {
	if !gidRE.MatchString(gid) {
		return fmt.Errorf("invalid global transaction id %q", gid)
	}
	if _, err := e.pool.Exec(ctx, fmt.Sprintf("COMMIT PREPARED '%s'", gid)); err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != sqlstateUndefinedObject {
			return fmt.Errorf("committing prepared transaction %q: %w", gid, err)
		}
		e.log.Info("prepared transaction already finished, claiming its queue",
			zap.String("gid", gid))
	}

	tx, err := e.Begin(ctx)
	if err != nil {
		return &tverr.QueuePersistenceError{GID: gid, Err: err}
	}
	defer tx.Rollback(ctx)

	blob, taken, err := e.store.TakePending(ctx, tx.pgtx, gid)
	if err != nil {
		return &tverr.QueuePersistenceError{GID: gid, Err: err}
	}
	if !taken {
		// another coordinator already replayed the queue
		return nil
	}
	env, err := decodeQueue(blob)
	if err != nil {
		return &tverr.QueuePersistenceError{GID: gid, Err: err}
	}
	for _, c := range env.Changes {
		if err := tx.Enqueue(c.Entity, c.Kind, c.PK); err != nil {
			return err
		}
	}
	e.log.Info("replaying prepared refresh queue",
		zap.String("gid", gid),
		zap.Int("changes", len(env.Changes)),
		zap.Time("enqueued_at", env.EnqueuedAt))
	return tx.Commit(ctx)
}

// RollbackPrepared rolls back the prepared transaction gid and discards its
// persisted queue. The queue row was written inside the prepared transaction
// itself, so rolling back already removes it; the explicit delete covers
// queues injected out of band.
func (e *Engine) RollbackPrepared(ctx context.Context, gid string) error {
	if !gidRE.MatchString(gid) {
		return fmt.Errorf("invalid global transaction id %q", gid)
	}
	if _, err := e.pool.Exec(ctx, fmt.Sprintf("ROLLBACK PREPARED '%s'", gid)); err != nil {
		return fmt.Errorf("rolling back prepared transaction %q: %w", gid, err)
	}
	return e.store.DeletePending(ctx, e.pool, gid)
}

// RecoverPrepared discards persisted queues whose transactions were never
// finished within the TTL and returns how many were swept. It does not
// decide in-doubt transactions; that stays with the coordinator.
func (e *Engine) RecoverPrepared(ctx context.Context) (int64, error) {
	swept, err := e.store.SweepPending(ctx, e.pool)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		e.log.Warn("swept expired prepared refresh queues", zap.Int64("count", swept))
	}
	return swept, nil
}

// PendingPrepared lists the gids with persisted queues, oldest first.
func (e *Engine) PendingPrepared(ctx context.Context) ([]string, error) {
	return e.store.ListPending(ctx, e.pool)
}
