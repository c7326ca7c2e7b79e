package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/cache"
	"github.com/tviewdb/pgtview/pkg/catalog"
)

// Outcome classifies what a refresh did to a materialized row.
type Outcome uint8

const (
	// OutcomeNone: nothing changed (row absent on both sides).
	OutcomeNone Outcome = iota
	// OutcomeUpserted: the row was recomputed from the view and written.
	OutcomeUpserted
	// OutcomeDeleted: the view returned no row, the materialized row was removed.
	OutcomeDeleted
	// OutcomePatched: a dependency document was merged in place.
	OutcomePatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpserted:
		return "upserted"
	case OutcomeDeleted:
		return "deleted"
	case OutcomePatched:
		return "patched"
	default:
		return "none"
	}
}

// Result is the effect of refreshing one row. Doc carries the row's document
// after the refresh so dependents can be patched without re-reading it; nil
// when the row was deleted.
type Result struct {
	Outcome Outcome
	Doc     map[string]any
}

// Applier executes refreshes against the materialized tables. Generated SQL
// is cached per definition checksum so repeated refreshes of the same entity
// skip string building.
type Applier struct {
	log   *zap.Logger
	stmts *cache.LRU[string]
}

func NewApplier(log *zap.Logger, stmtCacheSize int) *Applier {
	return &Applier{log: log, stmts: cache.NewLRU[string](stmtCacheSize)}
}

// Recompute refreshes one row of def from its defining view. A missing view
// row deletes the materialized row.
func (a *Applier) Recompute(ctx context.Context, q catalog.Querier, def *catalog.Definition, pk int64) (Result, error) {
	rows, err := q.Query(ctx, a.stmt(def, "select", buildSelect), pk)
	if err != nil {
		return Result{}, fmt.Errorf("recomputing %s/%d: %w", def.Entity, pk, err)
	}
	vals, err := oneRow(rows)
	if err != nil {
		return Result{}, fmt.Errorf("recomputing %s/%d: %w", def.Entity, pk, err)
	}
	if vals == nil {
		return a.delete(ctx, q, def, pk)
	}
	return a.upsert(ctx, q, def, pk, vals)
}

// RecomputeMany refreshes several rows of one entity with a single view read
// (WHERE pk = ANY). Rows absent from the view are deleted.
func (a *Applier) RecomputeMany(ctx context.Context, q catalog.Querier, def *catalog.Definition, pks []int64) (map[int64]Result, error) {
	results := make(map[int64]Result, len(pks))
	if len(pks) == 0 {
		return results, nil
	}

	rows, err := q.Query(ctx, a.stmt(def, "select_many", buildSelectMany), pks)
	if err != nil {
		return nil, fmt.Errorf("recomputing %s (%d keys): %w", def.Entity, len(pks), err)
	}
	fresh := make(map[int64][]any, len(pks))
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading %s view row: %w", def.Entity, err)
		}
		pk, ok := toInt64(vals[0])
		if !ok {
			rows.Close()
			return nil, fmt.Errorf("%s view returned non-integer %s", def.Entity, def.PKColumn)
		}
		fresh[pk] = vals[1:]
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s view rows: %w", def.Entity, err)
	}

	for _, pk := range pks {
		vals, ok := fresh[pk]
		var res Result
		if !ok {
			res, err = a.delete(ctx, q, def, pk)
		} else {
			res, err = a.upsert(ctx, q, def, pk, vals)
		}
		if err != nil {
			return nil, err
		}
		results[pk] = res
	}
	return results, nil
}

// PatchDependent merges a dependency's refreshed document into one dependent
// row along every edge that reaches it. Conditions the merge cannot handle,
// or cannot be proven equivalent to a rebuild, fall back to a full recompute
// of the row: scalar edges (the dependent copies dependency fields under
// names of its own choosing), a source payload that is not a JSON object,
// and any per-edge merge failure. The fallback is logged, never surfaced.
func (a *Applier) PatchDependent(ctx context.Context, q catalog.Querier, def *catalog.Definition, edges []catalog.Edge, pk int64, depDoc map[string]any, depDeleted bool) (Result, error) {
	if len(edges) == 0 || hasScalarEdge(edges) || (depDoc == nil && !depDeleted) {
		return a.Recompute(ctx, q, def, pk)
	}

	current, found, err := a.currentDoc(ctx, q, def, pk)
	if err != nil {
		return Result{}, err
	}
	if !found || current == nil {
		return a.Recompute(ctx, q, def, pk)
	}

	merged, err := mergeEdges(current, edges, depDoc, depDeleted)
	if err != nil {
		a.log.Debug("patch fallback to full recompute",
			zap.String("entity", def.Entity),
			zap.Int64("pk", pk),
			zap.String("dependency", edges[0].Ref),
			zap.Error(err))
		return a.Recompute(ctx, q, def, pk)
	}

	if _, err := q.Exec(ctx, a.stmt(def, "set_doc", buildSetDoc), merged, pk); err != nil {
		return Result{}, fmt.Errorf("patching %s/%d: %w", def.Entity, pk, err)
	}
	return Result{Outcome: OutcomePatched, Doc: merged}, nil
}

func hasScalarEdge(edges []catalog.Edge) bool {
	for _, e := range edges {
		if e.Kind == catalog.KindScalar {
			return true
		}
	}
	return false
}

// mergeEdges applies the dependency's document along each edge in order. The
// same dependency may be embedded at several places in one payload; all of
// them must be updated or none (the caller recomputes on error).
func mergeEdges(current map[string]any, edges []catalog.Edge, depDoc map[string]any, depDeleted bool) (map[string]any, error) {
	merged := current
	for _, edge := range edges {
		var err error
		merged, err = mergeEdge(merged, edge, depDoc, depDeleted)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// mergeEdge dispatches on the edge kind. The kind set is closed; anything
// else errors into the recompute fallback.
func mergeEdge(current map[string]any, edge catalog.Edge, depDoc map[string]any, depDeleted bool) (map[string]any, error) {
	switch edge.Kind {
	case catalog.KindNestedObject:
		if depDeleted {
			return nil, errors.New("nested dependency deleted")
		}
		return ApplyNestedObject(current, edge.Path, depDoc)
	case catalog.KindArray:
		matchKey := edge.MatchKey
		if matchKey == "" {
			matchKey = "id"
		}
		if depDeleted {
			return RemoveArrayElement(current, edge.Path, matchKey, depDoc[matchKey])
		}
		return ReplaceArrayElement(current, edge.Path, matchKey, depDoc)
	default:
		return nil, fmt.Errorf("unknown patch kind %d", edge.Kind)
	}
}

func (a *Applier) upsert(ctx context.Context, q catalog.Querier, def *catalog.Definition, pk int64, vals []any) (Result, error) {
	args := append([]any{pk}, vals...)
	if _, err := q.Exec(ctx, a.stmt(def, "upsert", buildUpsert), args...); err != nil {
		return Result{}, fmt.Errorf("upserting %s/%d: %w", def.Entity, pk, err)
	}
	doc, _ := vals[1].(map[string]any)
	return Result{Outcome: OutcomeUpserted, Doc: doc}, nil
}

func (a *Applier) delete(ctx context.Context, q catalog.Querier, def *catalog.Definition, pk int64) (Result, error) {
	tag, err := q.Exec(ctx, a.stmt(def, "delete", buildDelete), pk)
	if err != nil {
		return Result{}, fmt.Errorf("deleting %s/%d: %w", def.Entity, pk, err)
	}
	if tag.RowsAffected() == 0 {
		return Result{Outcome: OutcomeNone}, nil
	}
	return Result{Outcome: OutcomeDeleted}, nil
}

func (a *Applier) currentDoc(ctx context.Context, q catalog.Querier, def *catalog.Definition, pk int64) (map[string]any, bool, error) {
	var doc map[string]any
	err := q.QueryRow(ctx, a.stmt(def, "get_doc", buildGetDoc), pk).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s/%d: %w", def.Entity, pk, err)
	}
	return doc, true, nil
}

// ----------------- statement building -----------------

func (a *Applier) stmt(def *catalog.Definition, op string, build func(*catalog.Definition) string) string {
	key := cache.Key(def.Checksum, op)
	if sql, ok := a.stmts.Get(key); ok {
		return sql
	}
	sql := build(def)
	a.stmts.Put(key, sql)
	return sql
}

// view columns read on recompute, in upsert parameter order after pk
func viewColumns(def *catalog.Definition) []string {
	return append([]string{def.IDColumn, def.PayloadColumn}, def.FKColumns...)
}

func buildSelect(def *catalog.Definition) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(viewColumns(def), ", "), def.ViewName(), def.PKColumn)
}

func buildSelectMany(def *catalog.Definition) string {
	cols := append([]string{def.PKColumn}, viewColumns(def)...)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)",
		strings.Join(cols, ", "), def.ViewName(), def.PKColumn)
}

func buildUpsert(def *catalog.Definition) string {
	cols := append([]string{def.PKColumn}, viewColumns(def)...)
	params := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	for i, col := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
		if col != def.PKColumn {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	sets = append(sets, "updated_at = now()")
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		def.TableName(), strings.Join(cols, ", "), strings.Join(params, ", "),
		def.PKColumn, strings.Join(sets, ", "))
}

func buildDelete(def *catalog.Definition) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", def.TableName(), def.PKColumn)
}

func buildGetDoc(def *catalog.Definition) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		def.PayloadColumn, def.TableName(), def.PKColumn)
}

func buildSetDoc(def *catalog.Definition) string {
	return fmt.Sprintf("UPDATE %s SET %s = $1, updated_at = now() WHERE %s = $2",
		def.TableName(), def.PayloadColumn, def.PKColumn)
}

// ----------------- row helpers -----------------

// oneRow returns the values of the single row, nil when there is none.
func oneRow(rows pgx.Rows) ([]any, error) {
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	return vals, rows.Err()
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	default:
		return 0, false
	}
}
