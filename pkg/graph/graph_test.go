package graph

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

type mapSource map[string]*catalog.Definition

func (m mapSource) Definition(_ context.Context, entity string) (*catalog.Definition, error) {
	def, ok := m[entity]
	if !ok {
		return nil, &tverr.DefinitionNotFoundError{Entity: entity}
	}
	return def, nil
}

func (m mapSource) Definitions(_ context.Context) ([]catalog.Definition, error) {
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

func def(entity string, deps ...string) *catalog.Definition {
	edges := make([]catalog.Edge, 0, len(deps))
	for _, d := range deps {
		edges = append(edges, catalog.Edge{Ref: d, Kind: catalog.KindNestedObject, Path: []string{d}})
	}
	return &catalog.Definition{
		Entity:        entity,
		PKColumn:      catalog.PKColumn(entity),
		IDColumn:      "id",
		PayloadColumn: "data",
		Edges:         edges,
		Checksum:      catalog.DefChecksum(entity, entity),
	}
}

func TestResolveCollectsDependenciesAndBaseRelations(t *testing.T) {
	src := mapSource{
		"user":    def("user"),
		"comment": def("comment", "user"),
		"post":    def("post", "user", "comment"),
	}
	m := NewManager(src, 10, 16)

	res, err := m.Resolve(context.Background(), "post")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Entity != "post" {
		t.Errorf("entity: got %q", res.Entity)
	}
	if !reflect.DeepEqual(res.Dependencies, []string{"user", "comment"}) {
		t.Errorf("dependencies: got %v", res.Dependencies)
	}
	if !reflect.DeepEqual(res.BaseRelations, []string{"tb_post", "tb_user", "tb_comment"}) {
		t.Errorf("base relations: got %v", res.BaseRelations)
	}
	if res.Depth != 2 {
		t.Errorf("depth: expected 2, got %d", res.Depth)
	}
}

func TestResolveDetectsCycleWithFullPath(t *testing.T) {
	src := mapSource{
		"a": def("a", "b"),
		"b": def("b", "c"),
		"c": def("c", "a"),
	}
	m := NewManager(src, 10, 16)

	_, err := m.Resolve(context.Background(), "a")
	var cycleErr *tverr.CircularDependencyError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(cycleErr.Cycle, []string{"a", "b", "c", "a"}) {
		t.Errorf("cycle path: got %v", cycleErr.Cycle)
	}
}

func TestResolveSelfCycle(t *testing.T) {
	src := mapSource{"a": def("a", "a")}
	m := NewManager(src, 10, 16)

	_, err := m.Resolve(context.Background(), "a")
	var cycleErr *tverr.CircularDependencyError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(cycleErr.Cycle, []string{"a", "a"}) {
		t.Errorf("cycle path: got %v", cycleErr.Cycle)
	}
}

func TestResolveDepthExceeded(t *testing.T) {
	src := mapSource{"e0": def("e0")}
	prev := "e0"
	for _, name := range []string{"e1", "e2", "e3", "e4"} {
		src[name] = def(name, prev)
		prev = name
	}
	m := NewManager(src, 3, 16)

	_, err := m.Resolve(context.Background(), "e4")
	var depthErr *tverr.DependencyDepthError
	if !errors.As(err, &depthErr) {
		t.Fatalf("expected DependencyDepthError, got %v", err)
	}
	if depthErr.MaxDepth != 3 || depthErr.Entity != "e4" {
		t.Errorf("unexpected error detail: %+v", depthErr)
	}

	// the chain fits exactly at its own length
	m = NewManager(src, 4, 16)
	if _, err := m.Resolve(context.Background(), "e4"); err != nil {
		t.Errorf("expected chain of depth 4 to resolve under limit 4: %v", err)
	}
}

func TestResolveUnknownEntity(t *testing.T) {
	m := NewManager(mapSource{}, 10, 16)
	_, err := m.Resolve(context.Background(), "ghost")
	var notFound *tverr.DefinitionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DefinitionNotFoundError, got %v", err)
	}
}

func TestResolveCacheRevalidatesOnChecksumChange(t *testing.T) {
	src := mapSource{
		"user": def("user"),
		"post": def("post", "user"),
	}
	m := NewManager(src, 10, 16)

	first, err := m.Resolve(context.Background(), "post")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// definition change: new checksum, no more dependencies
	changed := def("post")
	changed.Checksum = catalog.DefChecksum("post", "changed")
	src["post"] = changed

	second, err := m.Resolve(context.Background(), "post")
	if err != nil {
		t.Fatalf("resolve after change: %v", err)
	}
	if reflect.DeepEqual(first.Dependencies, second.Dependencies) {
		t.Error("stale resolution served after definition change")
	}
	if len(second.Dependencies) != 0 {
		t.Errorf("dependencies after change: %v", second.Dependencies)
	}
}

func TestDependentsAndTopoOrder(t *testing.T) {
	src := mapSource{
		"user":    def("user"),
		"comment": def("comment", "user"),
		"post":    def("post", "user", "comment"),
		"feed":    def("feed", "post"),
	}
	m := NewManager(src, 10, 16)
	ctx := context.Background()

	deps, err := m.Dependents(ctx, "user")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if !reflect.DeepEqual(deps, []string{"comment", "post"}) {
		t.Errorf("dependents of user: got %v", deps)
	}

	order, err := m.OrderIndex(ctx)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	for _, pair := range [][2]string{{"user", "comment"}, {"comment", "post"}, {"user", "post"}, {"post", "feed"}} {
		if order[pair[0]] >= order[pair[1]] {
			t.Errorf("%s must order before %s (got %d vs %d)", pair[0], pair[1], order[pair[0]], order[pair[1]])
		}
	}
}

func TestDependentsDeduplicatesParallelEdges(t *testing.T) {
	// one dependent embedding the same dependency twice is still a single
	// dependent in the snapshot and a single edge in the topo order
	team := def("team", "user")
	team.Edges = append(team.Edges, catalog.Edge{Ref: "user", Kind: catalog.KindArray, Path: []string{"members"}, MatchKey: "id"})
	src := mapSource{
		"user": def("user"),
		"team": team,
	}
	m := NewManager(src, 10, 16)
	ctx := context.Background()

	deps, err := m.Dependents(ctx, "user")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if !reflect.DeepEqual(deps, []string{"team"}) {
		t.Errorf("dependents of user: got %v", deps)
	}

	order, err := m.OrderIndex(ctx)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if order["user"] >= order["team"] {
		t.Errorf("user must order before team (got %d vs %d)", order["user"], order["team"])
	}
}

func TestInvalidateAllRebuildsSnapshot(t *testing.T) {
	src := mapSource{
		"user": def("user"),
		"post": def("post", "user"),
	}
	m := NewManager(src, 10, 16)
	ctx := context.Background()

	if _, err := m.Dependents(ctx, "user"); err != nil {
		t.Fatal(err)
	}

	src["feed"] = def("feed", "user")
	m.InvalidateAll()

	deps, err := m.Dependents(ctx, "user")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(deps, []string{"feed", "post"}) {
		t.Errorf("dependents after invalidation: got %v", deps)
	}
}
