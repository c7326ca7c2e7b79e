package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/graph"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// mapDefs backs both the planner and the graph manager in tests.
type mapDefs map[string]*catalog.Definition

func (m mapDefs) Definition(_ context.Context, entity string) (*catalog.Definition, error) {
	def, ok := m[entity]
	if !ok {
		return nil, &tverr.DefinitionNotFoundError{Entity: entity}
	}
	return def, nil
}

func (m mapDefs) Definitions(_ context.Context) ([]catalog.Definition, error) {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	defs := make([]catalog.Definition, 0, len(m))
	for _, n := range names {
		defs = append(defs, *m[n])
	}
	return defs, nil
}

func testDef(entity string, edges ...catalog.Edge) *catalog.Definition {
	fks := make([]string, 0, len(edges))
	for _, e := range edges {
		fks = append(fks, catalog.FKColumn(e.Ref))
	}
	return &catalog.Definition{
		Entity:        entity,
		PKColumn:      catalog.PKColumn(entity),
		IDColumn:      "id",
		PayloadColumn: "data",
		FKColumns:     fks,
		Edges:         edges,
		Checksum:      catalog.DefChecksum(entity, entity),
	}
}

// fanout maps (dependent entity, fk column, source pk) to affected pks.
type fanout map[string][]int64

func (f fanout) affected(_ context.Context, _ catalog.Querier, def *catalog.Definition, fkColumn string, pk int64) ([]int64, error) {
	return f[fmt.Sprintf("%s/%s/%d", def.Entity, fkColumn, pk)], nil
}

func newTestPlanner(defs mapDefs, f fanout, maxCascade int) *planner {
	return &planner{
		graphs:     graph.NewManager(defs, 10, 16),
		defs:       defs,
		affected:   f.affected,
		maxCascade: maxCascade,
		log:        zap.NewNop(),
	}
}

func TestPlanCascadesThroughDependents(t *testing.T) {
	defs := mapDefs{
		"user": testDef("user"),
		"post": testDef("post", catalog.Edge{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"author"}}),
		"feed": testDef("feed", catalog.Edge{Ref: "post", Kind: catalog.KindArray, Path: []string{"posts"}, MatchKey: "id"}),
	}
	f := fanout{
		"post/fk_user/1": {10, 11},
		"feed/fk_post/10": {100},
		"feed/fk_post/11": {100}, // already visited via post/10
	}
	p := newTestPlanner(defs, f, 10)

	plan, err := p.plan(context.Background(), nil, []Change{change("user", 1, ChangeUpdate)}, map[Key]struct{}{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var keys []string
	for _, item := range plan {
		keys = append(keys, item.Key.String())
	}
	want := []string{"user/1", "post/10", "post/11", "feed/100"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("expected topo-ordered plan %v, got %v", want, keys)
	}

	if plan[0].Via != nil {
		t.Error("seed must not carry a cascade cause")
	}
	for _, item := range plan[1:3] {
		if item.Via == nil || item.Via.Source != (Key{Entity: "user", PK: 1}) {
			t.Errorf("post refresh should be caused by user/1: %#v", item.Via)
		}
		if len(item.Via.Edges) != 1 || item.Via.Edges[0].Kind != catalog.KindNestedObject {
			t.Errorf("post edges: %#v", item.Via.Edges)
		}
	}
	if plan[3].Via == nil || len(plan[3].Via.Edges) != 1 || plan[3].Via.Edges[0].Kind != catalog.KindArray {
		t.Errorf("feed refresh cause: %#v", plan[3].Via)
	}
}

func TestPlanCarriesEveryEdgeOfADependency(t *testing.T) {
	// team embeds user twice: as a nested lead and inside a member array
	defs := mapDefs{
		"user": testDef("user"),
		"team": testDef("team",
			catalog.Edge{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"lead"}},
			catalog.Edge{Ref: "user", Kind: catalog.KindArray, Path: []string{"members"}, MatchKey: "id"},
		),
	}
	f := fanout{"team/fk_user/1": {5}}
	p := newTestPlanner(defs, f, 10)

	plan, err := p.plan(context.Background(), nil, []Change{change("user", 1, ChangeUpdate)}, map[Key]struct{}{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected user/1 and team/5, got %#v", plan)
	}
	team := plan[1]
	if team.Via == nil || len(team.Via.Edges) != 2 {
		t.Fatalf("team must carry both edges on user: %#v", team.Via)
	}
	if team.Via.Edges[0].Kind != catalog.KindNestedObject || team.Via.Edges[1].Kind != catalog.KindArray {
		t.Errorf("edge kinds in declaration order: %#v", team.Via.Edges)
	}
}

func TestPlanSkipsProcessedAndDuplicateSeeds(t *testing.T) {
	defs := mapDefs{"user": testDef("user")}
	p := newTestPlanner(defs, fanout{}, 10)

	processed := map[Key]struct{}{{Entity: "user", PK: 1}: {}}
	seeds := []Change{
		change("user", 1, ChangeUpdate), // already processed
		change("user", 2, ChangeUpdate),
		change("user", 2, ChangeUpdate), // duplicate
	}
	plan, err := p.plan(context.Background(), nil, seeds, processed)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || plan[0].PK != 2 {
		t.Fatalf("expected only user/2, got %#v", plan)
	}
}

func TestPlanDepthExceeded(t *testing.T) {
	// chain e0 -> e1 -> e2 -> e3, one level per iteration
	defs := mapDefs{"e0": testDef("e0")}
	f := fanout{}
	for i := 1; i < 4; i++ {
		parent := fmt.Sprintf("e%d", i-1)
		entity := fmt.Sprintf("e%d", i)
		defs[entity] = testDef(entity, catalog.Edge{Ref: parent, Kind: catalog.KindNestedObject, Path: []string{"p"}})
		f[fmt.Sprintf("%s/fk_%s/1", entity, parent)] = []int64{1}
	}
	p := newTestPlanner(defs, f, 2)

	_, err := p.plan(context.Background(), nil, []Change{change("e0", 1, ChangeUpdate)}, map[Key]struct{}{})
	var depthErr *tverr.PropagationDepthError
	if !errors.As(err, &depthErr) {
		t.Fatalf("expected PropagationDepthError, got %v", err)
	}
	if depthErr.MaxDepth != 2 {
		t.Errorf("max depth: got %d", depthErr.MaxDepth)
	}

	// the same chain fits under a higher limit
	p.maxCascade = 10
	plan, err := p.plan(context.Background(), nil, []Change{change("e0", 1, ChangeUpdate)}, map[Key]struct{}{})
	if err != nil {
		t.Fatalf("plan under higher limit: %v", err)
	}
	if len(plan) != 4 {
		t.Errorf("expected 4 planned refreshes, got %d", len(plan))
	}
}

func TestPlanOrdersByPKWithinEntity(t *testing.T) {
	defs := mapDefs{
		"user": testDef("user"),
		"post": testDef("post", catalog.Edge{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"author"}}),
	}
	f := fanout{"post/fk_user/1": {42, 7, 19}}
	p := newTestPlanner(defs, f, 10)

	plan, err := p.plan(context.Background(), nil, []Change{change("user", 1, ChangeUpdate)}, map[Key]struct{}{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var pks []int64
	for _, item := range plan[1:] {
		pks = append(pks, item.PK)
	}
	if fmt.Sprint(pks) != fmt.Sprint([]int64{7, 19, 42}) {
		t.Errorf("pks not sorted: %v", pks)
	}
}
