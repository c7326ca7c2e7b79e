package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/graph"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// cascadeCause records why a dependent row is in the plan: the dependency
// key whose refresh reaches it, and every edge it arrives through (one
// dependency can be embedded at several payload paths).
type cascadeCause struct {
	Source Key
	Edges  []catalog.Edge
}

// plannedRefresh is one row to refresh. Via is nil for seed changes (the
// row's own sources changed) and set for cascaded refreshes.
type plannedRefresh struct {
	Key
	Kind ChangeKind
	Via  *cascadeCause
}

// defSource resolves entity definitions; the engine backs it with the
// catalog plus an LRU, tests with a map.
type defSource interface {
	Definition(ctx context.Context, entity string) (*catalog.Definition, error)
}

// affectedFunc finds the dependent rows a dependency-row change reaches:
// the pks of def's materialized rows whose fkColumn equals pk.
type affectedFunc func(ctx context.Context, q catalog.Querier, def *catalog.Definition, fkColumn string, pk int64) ([]int64, error)

// planner expands seed changes into the full, topologically ordered set of
// row refreshes one flush iteration must perform.
type planner struct {
	graphs     *graph.Manager
	defs       defSource
	affected   affectedFunc
	maxCascade int
	log        *zap.Logger
}

// plan runs the breadth-first cascade expansion. Keys already processed in
// this flush are skipped; each key appears at most once. The result is
// ordered dependencies-first (topological), ties broken by pk.
func (p *planner) plan(ctx context.Context, q catalog.Querier, seeds []Change, processed map[Key]struct{}) ([]plannedRefresh, error) {
	visited := make(map[Key]struct{}, len(seeds))
	planned := make([]plannedRefresh, 0, len(seeds))

	var frontier []plannedRefresh
	for _, c := range seeds {
		if _, done := processed[c.Key]; done {
			continue
		}
		if _, seen := visited[c.Key]; seen {
			continue
		}
		visited[c.Key] = struct{}{}
		frontier = append(frontier, plannedRefresh{Key: c.Key, Kind: c.Kind})
	}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= p.maxCascade {
			return nil, &tverr.PropagationDepthError{MaxDepth: p.maxCascade, Processed: len(planned)}
		}
		planned = append(planned, frontier...)

		var next []plannedRefresh
		for _, item := range frontier {
			dependents, err := p.graphs.Dependents(ctx, item.Entity)
			if err != nil {
				return nil, err
			}
			for _, depEntity := range dependents {
				def, err := p.defs.Definition(ctx, depEntity)
				if err != nil {
					return nil, err
				}
				edges := def.EdgesOn(item.Entity)
				if len(edges) == 0 {
					continue
				}
				pks, err := p.affected(ctx, q, def, catalog.FKColumn(item.Entity), item.PK)
				if err != nil {
					return nil, err
				}
				for _, pk := range pks {
					key := Key{Entity: depEntity, PK: pk}
					if _, done := processed[key]; done {
						continue
					}
					if _, seen := visited[key]; seen {
						continue
					}
					visited[key] = struct{}{}
					next = append(next, plannedRefresh{
						Key:  key,
						Kind: ChangeUpdate,
						Via:  &cascadeCause{Source: item.Key, Edges: edges},
					})
				}
			}
		}
		frontier = next
	}

	order, err := p.graphs.OrderIndex(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(planned, func(i, j int) bool {
		oi, oj := order[planned[i].Entity], order[planned[j].Entity]
		if oi != oj {
			return oi < oj
		}
		return planned[i].PK < planned[j].PK
	})

	if p.log.Core().Enabled(zap.DebugLevel) {
		p.log.Debug("cascade plan",
			zap.Int("seeds", len(seeds)),
			zap.Int("planned", len(planned)))
	}
	return planned, nil
}

// affectedBySQL is the production affectedFunc: dependent rows are found by
// their fk column in the materialized table. A dependent that references an
// entity without materializing its fk column falls back to scanning every
// pk, which is correct but unbounded; the analyzer warns about this shape
// at CREATE time.
func affectedBySQL(ctx context.Context, q catalog.Querier, def *catalog.Definition, fkColumn string, pk int64) ([]int64, error) {
	hasFK := false
	for _, col := range def.FKColumns {
		if col == fkColumn {
			hasFK = true
			break
		}
	}
	var sql string
	var args []any
	if hasFK {
		sql = fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", def.PKColumn, def.TableName(), fkColumn)
		args = []any{pk}
	} else {
		sql = fmt.Sprintf("SELECT %s FROM %s", def.PKColumn, def.TableName())
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("finding %s rows affected via %s: %w", def.Entity, fkColumn, err)
	}
	defer rows.Close()

	var pks []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}
