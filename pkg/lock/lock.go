// Package lock serializes concurrent refreshes of the same materialized row
// with transaction-scoped Postgres advisory locks. Every transaction acquires
// its locks in the same global order (entity lexicographically, then pk
// numerically), which rules out deadlocks between engine transactions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// lockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// Key identifies one materialized row to lock.
type Key struct {
	Entity string
	PK     int64
}

// Sort orders keys into the global acquisition order.
func Sort(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Entity != keys[j].Entity {
			return keys[i].Entity < keys[j].Entity
		}
		return keys[i].PK < keys[j].PK
	})
}

// Token maps a key into the 64-bit advisory lock space. Stable across
// processes so independent engines contend on the same lock.
func Token(k Key) int64 {
	return int64(xxhash.Sum64String(fmt.Sprintf("tview\x00%s\x00%d", k.Entity, k.PK)))
}

type Manager struct {
	timeout time.Duration
	log     *zap.Logger
}

func NewManager(timeout time.Duration, log *zap.Logger) *Manager {
	return &Manager{timeout: timeout, log: log}
}

// AcquireAll takes transaction-scoped advisory locks for every key, in the
// global order, bounded by lock_timeout. The locks release automatically at
// transaction end. Keys are sorted in place.
func (m *Manager) AcquireAll(ctx context.Context, q catalog.Querier, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	Sort(keys)

	if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", m.timeout.Milliseconds())); err != nil {
		return fmt.Errorf("setting lock_timeout: %w", err)
	}
	for _, k := range keys {
		if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", Token(k)); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
				m.log.Warn("refresh lock timed out",
					zap.String("entity", k.Entity),
					zap.Int64("pk", k.PK),
					zap.Duration("timeout", m.timeout))
				return &tverr.LockTimeoutError{Entity: k.Entity, PK: k.PK, Timeout: m.timeout}
			}
			return fmt.Errorf("acquiring refresh lock %s/%d: %w", k.Entity, k.PK, err)
		}
	}
	// restore for the rest of the transaction; locks stay held until tx end
	if _, err := q.Exec(ctx, "SET LOCAL lock_timeout = 0"); err != nil {
		return fmt.Errorf("resetting lock_timeout: %w", err)
	}
	return nil
}
