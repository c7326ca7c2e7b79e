// Package graph resolves and caches the dependency graph between tview
// entities. Nodes live in a flat arena addressed by index; traversal is
// breadth-first with parent links so a cycle can be reported with its full
// path the moment the first repeated entity appears.
package graph

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/tviewdb/pgtview/pkg/cache"
	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// Source supplies entity definitions. The engine backs it with the catalog
// store plus a relation cache; tests use an in-memory map.
type Source interface {
	Definition(ctx context.Context, entity string) (*catalog.Definition, error)
	Definitions(ctx context.Context) ([]catalog.Definition, error)
}

// Resolution is the flattened result of resolving one entity's dependencies.
type Resolution struct {
	Entity string
	// Checksum of the root definition at resolve time, for staleness checks.
	Checksum string
	// Dependencies lists every reachable dependency entity in BFS discovery
	// order, nearest first. Does not include Entity itself.
	Dependencies []string
	// BaseRelations lists the tb_* tables the materialization ultimately
	// reads from, root's own first.
	BaseRelations []string
	// Depth is the longest dependency chain found, in edges.
	Depth int
}

type Manager struct {
	src      Source
	maxDepth int

	resolved *cache.LRU[*Resolution]

	// reverse adjacency + topological order, rebuilt lazily after invalidation
	mu    sync.RWMutex
	snap  *snapshot
	stale bool
}

type snapshot struct {
	dependents map[string][]string
	orderIndex map[string]int
}

func NewManager(src Source, maxDepth, cacheSize int) *Manager {
	return &Manager{
		src:      src,
		maxDepth: maxDepth,
		resolved: cache.NewLRU[*Resolution](cacheSize),
		stale:    true,
	}
}

// arena node; edges hold arena indices of direct dependencies.
type node struct {
	entity string
	parent int
	depth  int
	edges  []int
}

// Resolve walks entity's dependency graph and returns the flattened result.
// Resolutions are cached keyed by entity and revalidated against the current
// definition checksum, so a changed defining query never serves stale edges.
func (m *Manager) Resolve(ctx context.Context, entity string) (*Resolution, error) {
	def, err := m.src.Definition(ctx, entity)
	if err != nil {
		return nil, err
	}

	key := cache.Key("resolve", entity)
	if res, ok := m.resolved.Get(key); ok && res.Checksum == def.Checksum {
		return res, nil
	}

	res, err := m.resolve(ctx, def)
	if err != nil {
		return nil, err
	}
	m.resolved.Put(key, res)
	return res, nil
}

func (m *Manager) resolve(ctx context.Context, root *catalog.Definition) (*Resolution, error) {
	arena := []node{{entity: root.Entity, parent: -1}}
	index := map[string]int{root.Entity: 0}

	res := &Resolution{
		Entity:        root.Entity,
		Checksum:      root.Checksum,
		BaseRelations: []string{root.BaseTable()},
	}

	frontier := []int{0}
	for len(frontier) > 0 {
		var next []int
		for _, ni := range frontier {
			def, err := m.src.Definition(ctx, arena[ni].entity)
			if err != nil {
				return nil, err
			}
			for _, edge := range def.Edges {
				if cycle := m.cycleThrough(arena, ni, edge.Ref); cycle != nil {
					return nil, &tverr.CircularDependencyError{Cycle: cycle}
				}
				depth := arena[ni].depth + 1
				if depth > m.maxDepth {
					return nil, &tverr.DependencyDepthError{
						Entity:   root.Entity,
						Depth:    depth,
						MaxDepth: m.maxDepth,
					}
				}
				di, seen := index[edge.Ref]
				switch {
				case !seen:
					di = len(arena)
					arena = append(arena, node{entity: edge.Ref, parent: ni, depth: depth})
					index[edge.Ref] = di
					res.Dependencies = append(res.Dependencies, edge.Ref)
					res.BaseRelations = append(res.BaseRelations, catalog.BaseTable(edge.Ref))
					next = append(next, di)
				case depth > arena[di].depth:
					// reached again on a longer chain; Depth tracks the longest
					arena[di].depth = depth
					arena[di].parent = ni
					next = append(next, di)
				}
				if depth > res.Depth {
					res.Depth = depth
				}
				arena[ni].edges = append(arena[ni].edges, di)
			}
		}
		frontier = next
	}
	return res, nil
}

// cycleThrough reports the cycle path if dep already appears on the ancestor
// chain of arena[ni]; the witness is the first repeated entity on the path.
func (m *Manager) cycleThrough(arena []node, ni int, dep string) []string {
	onPath := false
	for i := ni; i != -1; i = arena[i].parent {
		if arena[i].entity == dep {
			onPath = true
			break
		}
	}
	if !onPath {
		return nil
	}
	var path []string
	for i := ni; i != -1; i = arena[i].parent {
		path = append(path, arena[i].entity)
		if arena[i].entity == dep {
			break
		}
	}
	slices.Reverse(path)
	return append(path, dep)
}

// Dependents returns the entities that embed entity through an edge, sorted.
func (m *Manager) Dependents(ctx context.Context, entity string) ([]string, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.dependents[entity], nil
}

// OrderIndex maps each entity to its position in a topological order where
// dependencies precede dependents. Ties break alphabetically so the order is
// deterministic across processes.
func (m *Manager) OrderIndex(ctx context.Context) (map[string]int, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.orderIndex, nil
}

// Invalidate evicts one entity's cached resolution.
func (m *Manager) Invalidate(entity string) {
	m.resolved.Delete(cache.Key("resolve", entity))
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

// InvalidateAll evicts everything. Called after DDL.
func (m *Manager) InvalidateAll() {
	m.resolved.Purge()
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	m.mu.RLock()
	if !m.stale && m.snap != nil {
		snap := m.snap
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()

	defs, err := m.src.Definitions(ctx)
	if err != nil {
		return nil, err
	}
	snap := buildSnapshot(defs)

	m.mu.Lock()
	m.snap = snap
	m.stale = false
	m.mu.Unlock()
	return snap, nil
}

func buildSnapshot(defs []catalog.Definition) *snapshot {
	dependents := make(map[string][]string, len(defs))
	indegree := make(map[string]int, len(defs))
	for _, def := range defs {
		indegree[def.Entity] += 0
		// parallel edges on the same dependency count once
		seen := make(map[string]bool, len(def.Edges))
		for _, edge := range def.Edges {
			if seen[edge.Ref] {
				continue
			}
			seen[edge.Ref] = true
			dependents[edge.Ref] = append(dependents[edge.Ref], def.Entity)
			indegree[def.Entity]++
		}
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	// Kahn's algorithm, alphabetical tie-break.
	var ready []string
	for entity, n := range indegree {
		if n == 0 {
			ready = append(ready, entity)
		}
	}
	sort.Strings(ready)

	orderIndex := make(map[string]int, len(defs))
	pos := 0
	for len(ready) > 0 {
		entity := ready[0]
		ready = ready[1:]
		orderIndex[entity] = pos
		pos++

		var unlocked []string
		for _, dep := range dependents[entity] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			sort.Strings(unlocked)
			ready = mergeSorted(ready, unlocked)
		}
	}
	// Entities left out by a cycle get positions after the acyclic part;
	// Resolve reports the cycle itself, order here just stays total.
	var rest []string
	for entity := range indegree {
		if _, ok := orderIndex[entity]; !ok {
			rest = append(rest, entity)
		}
	}
	sort.Strings(rest)
	for _, entity := range rest {
		orderIndex[entity] = pos
		pos++
	}

	return &snapshot{dependents: dependents, orderIndex: orderIndex}
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
