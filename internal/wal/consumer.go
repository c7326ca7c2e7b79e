// Package wal turns logical-decoding JSON events from the sidecar into
// engine transactions, so materializations track writers that do not embed
// the engine. Each envelope becomes one transaction: its changes are
// enqueued together and flushed with a single cascade.
package wal

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/engine"
)

// Change is one row-level event in wal2json's key-centric layout.
type Change struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	OldKeys Keys   `json:"oldkeys"`
	NewKeys Keys   `json:"newkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

type Envelope struct {
	Change []Change `json:"change"`
}

type Consumer struct {
	Eng *engine.Engine
	Log *zap.Logger
}

// OnMessage decodes one envelope and replays it through the engine. Events
// for untracked relations are skipped; a malformed envelope is logged and
// dropped rather than wedging the feed.
func (c *Consumer) OnMessage(ctx context.Context, line []byte) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.Log.Warn("dropping undecodable change event", zap.Error(err))
		return
	}
	if len(env.Change) == 0 {
		return
	}

	tx, err := c.Eng.Begin(ctx)
	if err != nil {
		c.Log.Error("cannot open replay transaction", zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	enqueued := 0
	for _, ch := range env.Change {
		kind, ok := changeKind(ch.Kind)
		if !ok {
			continue
		}
		pk, ok := ch.primaryKey()
		if !ok {
			c.Log.Debug("change event without integer primary key",
				zap.String("table", ch.Table),
				zap.String("kind", ch.Kind))
			continue
		}
		if err := tx.OnRowChange(ctx, ch.Table, kind, pk); err != nil {
			c.Log.Error("enqueueing change event",
				zap.String("table", ch.Table),
				zap.Error(err))
			return
		}
		enqueued++
	}
	if enqueued == 0 {
		return
	}

	if err := tx.Commit(ctx); err != nil {
		c.Log.Error("replaying change events", zap.Int("changes", enqueued), zap.Error(err))
		return
	}
	c.Log.Debug("replayed change events", zap.Int("changes", enqueued))
}

func changeKind(kind string) (engine.ChangeKind, bool) {
	switch kind {
	case "insert":
		return engine.ChangeInsert, true
	case "update":
		return engine.ChangeUpdate, true
	case "delete":
		return engine.ChangeDelete, true
	default:
		return 0, false
	}
}

// primaryKey extracts the row's integer primary key: the pk_* entry of the
// new keys, falling back to the old keys for deletes.
func (ch Change) primaryKey() (int64, bool) {
	if pk, ok := ch.NewKeys.intKey(); ok {
		return pk, true
	}
	return ch.OldKeys.intKey()
}

func (k Keys) intKey() (int64, bool) {
	for i, name := range k.KeyNames {
		if i >= len(k.KeyValues) {
			break
		}
		if len(name) > 3 && name[:3] == "pk_" {
			// JSON numbers arrive as float64
			if f, ok := k.KeyValues[i].(float64); ok {
				return int64(f), true
			}
		}
	}
	return 0, false
}
