package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/lock"
	"github.com/tviewdb/pgtview/pkg/patch"
)

// flush drives the commit-time cascade: plan the refreshes the queued
// changes reach, lock every planned row in global order, then apply in
// topological order so a dependent always merges its dependency's final
// document. The handle accepts no further changes once the flush begins, so
// a single drain covers everything reachable; the planner itself expands the
// cascade to its closure and enforces the depth bound.
func (t *Tx) flush(ctx context.Context) error {
	t.state = stateFlushing

	processed := make(map[Key]struct{})
	results := make(map[Key]patch.Result)

	seeds := t.queue.drain()
	plan, err := t.eng.planner.plan(ctx, t.pgtx, seeds, processed)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}

	lockKeys := make([]lock.Key, len(plan))
	for i, item := range plan {
		lockKeys[i] = lock.Key{Entity: item.Entity, PK: item.PK}
	}
	if err := t.eng.locks.AcquireAll(ctx, t.pgtx, lockKeys); err != nil {
		return err
	}

	if err := t.apply(ctx, plan, processed, results); err != nil {
		return err
	}

	t.log.Debug("flushed",
		zap.Int("seeds", len(seeds)),
		zap.Int("refreshed", len(plan)))
	return nil
}

// apply executes a plan. Seed refreshes of the same entity that sit next to
// each other in topological order share one bulk view read; cascaded
// refreshes are patched from their dependency's result.
func (t *Tx) apply(ctx context.Context, plan []plannedRefresh, processed map[Key]struct{}, results map[Key]patch.Result) error {
	for i := 0; i < len(plan); {
		item := plan[i]
		if _, done := processed[item.Key]; done {
			i++
			continue
		}
		def, err := t.eng.Definition(ctx, item.Entity)
		if err != nil {
			return err
		}

		if item.Via == nil {
			// bulk run of seed recomputes for one entity
			j := i
			var pks []int64
			for ; j < len(plan) && plan[j].Entity == item.Entity && plan[j].Via == nil; j++ {
				if _, done := processed[plan[j].Key]; !done {
					pks = append(pks, plan[j].PK)
				}
			}
			bulk, err := t.eng.applier.RecomputeMany(ctx, t.pgtx, def, pks)
			if err != nil {
				return err
			}
			for pk, res := range bulk {
				key := Key{Entity: item.Entity, PK: pk}
				t.record(key, res, processed, results)
			}
			i = j
			continue
		}

		src, ok := results[item.Via.Source]
		if !ok {
			// source was deduplicated away earlier in this flush; its
			// document is already final, recompute this row outright
			res, err := t.eng.applier.Recompute(ctx, t.pgtx, def, item.PK)
			if err != nil {
				return err
			}
			t.record(item.Key, res, processed, results)
			i++
			continue
		}

		// PatchDependent recomputes instead of merging when src.Doc is nil
		// and the source was not deleted (e.g. a non-object payload).
		res, err := t.eng.applier.PatchDependent(ctx, t.pgtx, def, item.Via.Edges, item.PK,
			src.Doc, src.Outcome == patch.OutcomeDeleted)
		if err != nil {
			return err
		}
		t.record(item.Key, res, processed, results)
		i++
	}
	return nil
}

func (t *Tx) record(key Key, res patch.Result, processed map[Key]struct{}, results map[Key]patch.Result) {
	processed[key] = struct{}{}
	results[key] = res
	if res.Outcome != patch.OutcomeNone {
		t.applied = append(t.applied, RefreshEvent{Entity: key.Entity, PK: key.PK, Op: res.Outcome.String()})
	}
}
