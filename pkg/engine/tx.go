package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/tverr"
)

// Tx is the engine's transaction handle. The host runs its own reads and
// writes through it and reports source-row changes with Enqueue or
// OnRowChange; Commit flushes the accumulated cascade before committing the
// underlying transaction, so a committed transaction never leaves a
// materialization behind its sources.
//
// A Tx is bound to one goroutine, like the pgx.Tx it wraps.
type Tx struct {
	eng  *Engine
	conn *pgxpool.Conn
	pgtx pgx.Tx
	log  *zap.Logger

	state      txState
	queue      *refreshQueue
	savepoints []savepoint
	applied    []RefreshEvent
}

type savepoint struct {
	name  string
	queue *refreshQueue
}

// Begin opens a transaction handle on a dedicated pooled connection.
func (e *Engine) Begin(ctx context.Context) (*Tx, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	pgtx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{
		eng:   e,
		conn:  conn,
		pgtx:  pgtx,
		log:   e.log.With(zap.String("tx", uuid.NewString()[:8])),
		queue: newRefreshQueue(),
	}, nil
}

// Exec, Query and QueryRow expose the underlying transaction so host writes
// and engine refreshes share one snapshot.

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pgtx.Exec(ctx, sql, args...)
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pgtx.Query(ctx, sql, args...)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pgtx.QueryRow(ctx, sql, args...)
}

// Enqueue records a source-row change for a tracked entity. Changes for the
// same (entity, pk) collapse into one queue entry.
func (t *Tx) Enqueue(entity string, kind ChangeKind, pk int64) error {
	if err := t.state.require("enqueue", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	t.queue.add(Change{Key: Key{Entity: entity, PK: pk}, Kind: kind})
	t.state = stateAccumulating
	return nil
}

// OnRowChange is the change-notifier entry point for relation-level feeds:
// it maps a relation name to its entity and enqueues when tracked, silently
// ignoring relations no tview depends on.
func (t *Tx) OnRowChange(ctx context.Context, relation string, kind ChangeKind, pk int64) error {
	entity, tracked, err := t.eng.EntityForRelation(ctx, relation)
	if err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	return t.Enqueue(entity, kind, pk)
}

// Pending returns the queued changes in insertion order, for inspection.
func (t *Tx) Pending() []Change { return t.queue.snapshot() }

// Savepoint creates a SQL savepoint and snapshots the refresh queue with it.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if err := t.state.require("savepoint", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	if err := validSavepointName(name); err != nil {
		return err
	}
	if _, err := t.pgtx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("creating savepoint %s: %w", name, err)
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, queue: t.queue.clone()})
	return nil
}

// RollbackTo rolls back to a savepoint and restores the queue snapshot taken
// with it. The savepoint stays usable, matching SQL semantics.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := t.state.require("rollback to savepoint", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	idx := t.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("unknown savepoint %q", name)
	}
	if _, err := t.pgtx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rolling back to savepoint %s: %w", name, err)
	}
	t.queue.restore(t.savepoints[idx].queue)
	t.savepoints = t.savepoints[:idx+1]
	return nil
}

// Release releases a savepoint; its queue snapshot is discarded and the
// changes made since stay queued.
func (t *Tx) Release(ctx context.Context, name string) error {
	if err := t.state.require("release savepoint", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	idx := t.findSavepoint(name)
	if idx < 0 {
		return fmt.Errorf("unknown savepoint %q", name)
	}
	if _, err := t.pgtx.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("releasing savepoint %s: %w", name, err)
	}
	t.savepoints = append(t.savepoints[:idx], t.savepoints[idx+1:]...)
	return nil
}

func (t *Tx) findSavepoint(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// Commit flushes the refresh queue and commits. Any flush failure aborts the
// whole transaction: host writes and materializations stand or fall together.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.state.require("commit", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	if t.queue.len() > 0 {
		if err := t.flush(ctx); err != nil {
			t.abort(ctx)
			return err
		}
	}
	if err := t.pgtx.Commit(ctx); err != nil {
		t.abort(ctx)
		return fmt.Errorf("committing: %w", err)
	}
	t.state = stateCommitted
	t.conn.Release()
	t.eng.publish(t.applied)
	return nil
}

// Rollback aborts the transaction and discards the queue. Safe to defer:
// calling it after Commit or Prepare is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	switch t.state {
	case stateCommitted, stateAborted, statePrepared:
		return nil
	}
	t.abort(ctx)
	return nil
}

func (t *Tx) abort(ctx context.Context) {
	if err := t.pgtx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		t.log.Warn("rollback failed", zap.Error(err))
	}
	t.state = stateAborted
	t.conn.Release()
}

var gidRE = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

var savepointRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validSavepointName(name string) error {
	if !savepointRE.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	return nil
}

// Prepare runs the first phase of two-phase commit: the unflushed refresh
// queue is persisted inside this transaction, then the transaction is
// prepared under gid. The cascade itself runs when the coordinator calls
// Engine.CommitPrepared.
func (t *Tx) Prepare(ctx context.Context, gid string) error {
	if err := t.state.require("prepare", stateEmpty, stateAccumulating); err != nil {
		return err
	}
	if !gidRE.MatchString(gid) {
		return fmt.Errorf("invalid global transaction id %q", gid)
	}

	if t.queue.len() > 0 {
		changes := t.queue.snapshot()
		blob, err := encodeQueue(changes, uuid.NewString())
		if err != nil {
			t.abort(ctx)
			return &tverr.QueuePersistenceError{GID: gid, Err: err}
		}
		if err := t.eng.store.SavePending(ctx, t.pgtx, gid, blob, len(changes), t.eng.cfg.PreparedTTL()); err != nil {
			t.abort(ctx)
			return &tverr.QueuePersistenceError{GID: gid, Err: err}
		}
	}

	// PREPARE TRANSACTION ends the transaction at the session level; issue
	// it on the connection directly since pgx.Tx has no prepare verb.
	if _, err := t.pgtx.Conn().Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", gid)); err != nil {
		t.abort(ctx)
		return fmt.Errorf("preparing transaction %q: %w", gid, err)
	}
	t.state = statePrepared
	t.conn.Release()
	return nil
}
