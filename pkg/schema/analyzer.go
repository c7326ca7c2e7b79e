// Package schema derives a tview's catalog definition from its defining
// query. The query is parsed with pg_query and the AST walked for the
// conventional column roles (pk_<entity>, id, data, fk_*) and for how other
// entities' documents are embedded in the payload, which selects the patch
// strategy per dependency.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// aggregate function names that mark an embedded collection
var aggFuncs = map[string]bool{
	"jsonb_agg": true,
	"json_agg":  true,
	"array_agg": true,
}

// Analyze parses selectSQL and returns the definition for entity. The query
// must project pk_<entity>, id, and a data payload; fk_* columns and v_*
// references become dependency edges.
func Analyze(entity, selectSQL string) (*catalog.Definition, error) {
	raw, err := pg_query.ParseToJSON(selectSQL)
	if err != nil {
		return nil, &tverr.InvalidDefinitionError{Entity: entity, Reason: err.Error()}
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("decoding parse tree: %w", err)
	}

	stmts := asList(tree["stmts"])
	if len(stmts) != 1 {
		return nil, &tverr.InvalidDefinitionError{
			Entity: entity,
			Reason: fmt.Sprintf("defining query must be a single statement, got %d", len(stmts)),
		}
	}
	sel := dig(asMap(stmts[0]), "stmt", "SelectStmt")
	if sel == nil {
		return nil, &tverr.InvalidDefinitionError{Entity: entity, Reason: "defining query must be a SELECT"}
	}

	a := analysis{entity: entity}
	a.walkFrom(sel["fromClause"])
	if err := a.walkTargets(sel["targetList"]); err != nil {
		return nil, err
	}
	return a.definition(selectSQL)
}

type analysis struct {
	entity string

	pkColumn  string
	idColumn  string
	fkColumns []string

	// entities referenced from the FROM clause or through fk_ columns,
	// in encounter order
	referenced []string
	seenRef    map[string]bool

	// entities whose plain fields (v_x.<field>, not v_x.data) appear in the
	// payload under dependent-chosen names
	scalarRefs map[string]bool

	edges []catalog.Edge
}

func (a *analysis) reference(entity string) {
	if entity == a.entity {
		return
	}
	if a.seenRef == nil {
		a.seenRef = map[string]bool{}
	}
	if !a.seenRef[entity] {
		a.seenRef[entity] = true
		a.referenced = append(a.referenced, entity)
	}
}

// walkFrom collects referenced entities from RangeVars, descending through
// joins and subqueries.
func (a *analysis) walkFrom(node any) {
	switch n := node.(type) {
	case []any:
		for _, item := range n {
			a.walkFrom(item)
		}
	case map[string]any:
		if rv := asMap(n["RangeVar"]); rv != nil {
			rel, _ := rv["relname"].(string)
			if ent, ok := strings.CutPrefix(rel, "v_"); ok && ent != "" {
				a.reference(ent)
			}
			return
		}
		for _, v := range n {
			a.walkFrom(v)
		}
	}
}

func (a *analysis) walkTargets(node any) error {
	for _, item := range asList(node) {
		rt := dig(asMap(item), "ResTarget")
		if rt == nil {
			continue
		}
		name := targetName(rt)
		switch {
		case name == catalog.PKColumn(a.entity):
			a.pkColumn = name
		case name == "id":
			a.idColumn = name
		case name == "data":
			if err := a.walkPayload(rt["val"], nil); err != nil {
				return err
			}
		case strings.HasPrefix(name, "fk_"):
			a.fkColumns = append(a.fkColumns, name)
			if ent := strings.TrimPrefix(name, "fk_"); ent != "" {
				a.reference(ent)
			}
		}
	}
	return nil
}

// targetName is the alias when present, else the last ColumnRef field.
func targetName(rt map[string]any) string {
	if name, ok := rt["name"].(string); ok && name != "" {
		return name
	}
	fields := columnRefFields(rt["val"])
	if len(fields) > 0 {
		return fields[len(fields)-1]
	}
	return ""
}

// walkPayload descends the payload expression. Each jsonb_build_object
// key/value pair extends the path by the key; embedded documents found under
// a value produce edges with the appropriate strategy kind.
func (a *analysis) walkPayload(node any, path []string) error {
	fc := dig(asMap(node), "FuncCall")
	if fc != nil && funcName(fc) == "jsonb_build_object" {
		args := asList(fc["args"])
		for i := 0; i+1 < len(args); i += 2 {
			key := constString(args[i])
			if key == "" {
				continue
			}
			value := args[i+1]
			if inner := dig(asMap(value), "FuncCall"); inner != nil && funcName(inner) == "jsonb_build_object" {
				if err := a.walkPayload(value, append(path, key)); err != nil {
					return err
				}
				continue
			}
			a.collectEmbeds(value, append(path, key), false)
		}
		return nil
	}
	// payload that is not built inline, e.g. v_other.data passthrough
	a.collectEmbeds(node, path, false)
	return nil
}

// collectEmbeds scans an arbitrary expression subtree for v_<x>.data
// references. A reference under an aggregate becomes an array edge, a bare
// one a nested-object edge.
func (a *analysis) collectEmbeds(node any, path []string, aggregated bool) {
	switch n := node.(type) {
	case []any:
		for _, item := range n {
			a.collectEmbeds(item, path, aggregated)
		}
	case map[string]any:
		if fields := columnRefFields(node); fields != nil {
			if len(fields) == 2 {
				if ent, ok := strings.CutPrefix(fields[0], "v_"); ok && ent != "" {
					if fields[1] == "data" {
						a.addEmbed(ent, path, aggregated)
					} else {
						a.scalarField(ent)
					}
				}
			}
			return
		}
		if fc := asMap(n["FuncCall"]); fc != nil && aggFuncs[funcName(fc)] {
			a.collectEmbeds(fc["args"], path, true)
			return
		}
		for _, v := range n {
			a.collectEmbeds(v, path, aggregated)
		}
	}
}

// addEmbed records one embed edge. The same entity may be embedded at
// several payload paths; every occurrence gets its own edge so a cascade
// patches all of them.
func (a *analysis) addEmbed(entity string, path []string, aggregated bool) {
	a.reference(entity)
	edge := catalog.Edge{Ref: entity, Path: append([]string(nil), path...)}
	if aggregated {
		edge.Kind = catalog.KindArray
		edge.MatchKey = "id"
	} else {
		edge.Kind = catalog.KindNestedObject
	}
	a.edges = append(a.edges, edge)
}

// scalarField records that the payload copies a plain field of entity's view
// under a name of the dependent's choosing. The mapping is not recorded, so
// the entity keeps a scalar edge even when its document is also embedded;
// scalar edges force a full recompute of the dependent row.
func (a *analysis) scalarField(entity string) {
	a.reference(entity)
	if a.scalarRefs == nil {
		a.scalarRefs = map[string]bool{}
	}
	a.scalarRefs[entity] = true
}

func (a *analysis) definition(selectSQL string) (*catalog.Definition, error) {
	if a.pkColumn == "" {
		return nil, &tverr.InvalidDefinitionError{
			Entity: a.entity,
			Reason: fmt.Sprintf("defining query must project %s", catalog.PKColumn(a.entity)),
		}
	}
	if a.idColumn == "" {
		return nil, &tverr.InvalidDefinitionError{Entity: a.entity, Reason: "defining query must project id"}
	}

	edges := a.edges
	// referenced entities without a document embed, or with plain fields
	// copied out of their view, carry a scalar edge
	for _, ref := range a.referenced {
		embedded := false
		for _, e := range a.edges {
			if e.Ref == ref {
				embedded = true
				break
			}
		}
		if !embedded || a.scalarRefs[ref] {
			edges = append(edges, catalog.Edge{Ref: ref, Kind: catalog.KindScalar})
		}
	}

	return &catalog.Definition{
		Entity:        a.entity,
		SelectSQL:     selectSQL,
		PKColumn:      a.pkColumn,
		IDColumn:      a.idColumn,
		PayloadColumn: "data",
		FKColumns:     a.fkColumns,
		Edges:         edges,
		Checksum:      catalog.DefChecksum(a.entity, selectSQL),
	}, nil
}

// ----------------- parse-tree helpers -----------------

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

// dig follows nested map keys, returning nil when any hop is missing.
func dig(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		m = asMap(m[k])
		if m == nil {
			return nil
		}
	}
	return m
}

func columnRefFields(node any) []string {
	cr := dig(asMap(node), "ColumnRef")
	if cr == nil {
		return nil
	}
	var fields []string
	for _, f := range asList(cr["fields"]) {
		if s := dig(asMap(f), "String"); s != nil {
			if sval, ok := s["sval"].(string); ok {
				fields = append(fields, sval)
			}
		}
		if _, star := asMap(f)["A_Star"]; star {
			fields = append(fields, "*")
		}
	}
	return fields
}

func funcName(fc map[string]any) string {
	names := asList(fc["funcname"])
	if len(names) == 0 {
		return ""
	}
	s := dig(asMap(names[len(names)-1]), "String")
	if s == nil {
		return ""
	}
	name, _ := s["sval"].(string)
	return name
}

func constString(node any) string {
	ac := dig(asMap(node), "A_Const")
	if ac == nil {
		return ""
	}
	s := asMap(ac["sval"])
	if s == nil {
		return ""
	}
	v, _ := s["sval"].(string)
	return v
}
