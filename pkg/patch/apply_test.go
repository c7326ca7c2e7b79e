package patch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/catalog"
)

// errStopQuery aborts the recording querier before any row handling; the
// tests below only care about which statement the applier issued first.
var errStopQuery = errors.New("recording querier stops here")

type recordingQuerier struct {
	queries []string
}

func (r *recordingQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.queries = append(r.queries, sql)
	return pgconn.CommandTag{}, nil
}

func (r *recordingQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	r.queries = append(r.queries, sql)
	return nil, errStopQuery
}

func (r *recordingQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	r.queries = append(r.queries, sql)
	return errRow{errStopQuery}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func testDefinition(entity string) *catalog.Definition {
	return &catalog.Definition{
		Entity:        entity,
		PKColumn:      catalog.PKColumn(entity),
		IDColumn:      "id",
		PayloadColumn: "data",
		Checksum:      catalog.DefChecksum(entity, "test"),
	}
}

// A scalar edge means the dependent copied dependency fields under names of
// its own choosing. No in-place merge can be proven equivalent to a rebuild
// there, so the applier must go straight to the defining view.
func TestPatchDependentRecomputesOnScalarEdge(t *testing.T) {
	q := &recordingQuerier{}
	a := NewApplier(zap.NewNop(), 8)
	def := testDefinition("post")
	edges := []catalog.Edge{{Ref: "user", Kind: catalog.KindScalar}}

	fresh := doc(t, `{"id": "u1", "name": "Alice Smith"}`)
	if _, err := a.PatchDependent(context.Background(), q, def, edges, 7, fresh, false); !errors.Is(err, errStopQuery) {
		t.Fatalf("querier should have stopped the recompute, got %v", err)
	}
	if len(q.queries) == 0 || !strings.Contains(q.queries[0], "FROM v_post") {
		t.Fatalf("expected a full recompute from the view first, got %v", q.queries)
	}
}

// A live dependency whose payload is not a JSON object cannot be merged into
// anything; the dependent row must be recomputed, not patched with a null.
func TestPatchDependentRecomputesOnMissingSourceDoc(t *testing.T) {
	q := &recordingQuerier{}
	a := NewApplier(zap.NewNop(), 8)
	def := testDefinition("post")
	edges := []catalog.Edge{{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"author"}}}

	if _, err := a.PatchDependent(context.Background(), q, def, edges, 7, nil, false); !errors.Is(err, errStopQuery) {
		t.Fatalf("querier should have stopped the recompute, got %v", err)
	}
	if len(q.queries) == 0 || !strings.Contains(q.queries[0], "FROM v_post") {
		t.Fatalf("expected a full recompute from the view first, got %v", q.queries)
	}
}

// One dependency embedded at two places in the payload updates both.
func TestMergeEdgesPatchesEveryEmbed(t *testing.T) {
	current := doc(t, `{
		"lead": {"id": "u1", "name": "Alice"},
		"members": [
			{"id": "u1", "name": "Alice"},
			{"id": "u2", "name": "Bob"}
		]
	}`)
	fresh := doc(t, `{"id": "u1", "name": "Alice Smith"}`)
	edges := []catalog.Edge{
		{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"lead"}},
		{Ref: "user", Kind: catalog.KindArray, Path: []string{"members"}, MatchKey: "id"},
	}

	got, err := mergeEdges(current, edges, fresh, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["lead"].(map[string]any)["name"] != "Alice Smith" {
		t.Errorf("nested embed not updated: %#v", got["lead"])
	}
	members := got["members"].([]any)
	if members[0].(map[string]any)["name"] != "Alice Smith" {
		t.Errorf("array embed not updated: %#v", members[0])
	}
	if members[1].(map[string]any)["name"] != "Bob" {
		t.Errorf("unrelated element changed: %#v", members[1])
	}
}

// A failure on any edge abandons the whole merge so the caller recomputes.
func TestMergeEdgesFailsWhenAnyEdgeFails(t *testing.T) {
	current := doc(t, `{"lead": {"id": "u1"}, "members": "not an array"}`)
	fresh := doc(t, `{"id": "u1", "name": "Alice Smith"}`)
	edges := []catalog.Edge{
		{Ref: "user", Kind: catalog.KindNestedObject, Path: []string{"lead"}},
		{Ref: "user", Kind: catalog.KindArray, Path: []string{"members"}, MatchKey: "id"},
	}

	if _, err := mergeEdges(current, edges, fresh, false); !errors.Is(err, ErrNotArray) {
		t.Fatalf("expected ErrNotArray, got %v", err)
	}
}
