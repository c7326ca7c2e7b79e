// Package catalog owns the persisted metadata for every tview: the entity
// definitions in tview_meta, the pending two-phase refresh queues in
// tview_pending_refresh, and the naming conventions that tie an entity to
// its relations (tb_/v_/tv_/pk_/fk_ prefixes).
package catalog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Kind classifies how a dependent entity embeds one of its dependencies.
// The set is closed: the patch merger switches exhaustively over it and any
// unknown value falls back to full-document replacement.
type Kind uint8

const (
	// KindScalar embeds plain fields of the dependency under names the
	// dependent chooses; the mapping is not recorded, so a change always
	// recomputes the dependent row in full.
	KindScalar Kind = iota
	// KindNestedObject embeds the dependency's whole document as a nested
	// object at Path; a change replaces only that subtree.
	KindNestedObject
	// KindArray embeds a collection of dependency documents as an array at
	// Path; a change replaces only elements whose MatchKey matches.
	KindArray
)

var kindNames = map[Kind]string{
	KindScalar:       "scalar",
	KindNestedObject: "nested_object",
	KindArray:        "array",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown patch kind %q", s)
}

// Edge records that the owning entity embeds entity Ref.
type Edge struct {
	// Ref is the dependency's entity name.
	Ref string `json:"ref"`
	// Kind selects the patch strategy for changes arriving through this edge.
	Kind Kind `json:"kind"`
	// Path locates the embedded value inside the payload document. Empty for
	// scalar edges.
	Path []string `json:"path,omitempty"`
	// MatchKey identifies array elements for in-place replacement. Only set
	// for array edges; defaults to "id".
	MatchKey string `json:"match_key,omitempty"`
}

// Definition is the catalog record for one tview entity.
type Definition struct {
	Entity        string   `json:"entity"`
	SelectSQL     string   `json:"select_sql"`
	PKColumn      string   `json:"pk_column"`
	IDColumn      string   `json:"id_column"`
	PayloadColumn string   `json:"payload_column"`
	FKColumns     []string `json:"fk_columns"`
	Edges         []Edge   `json:"edges"`
	Checksum      string   `json:"checksum"`
}

// Naming conventions. An entity "post" owns tb_post / v_post / tv_post with
// key columns pk_post and fk_post (as seen from dependents).

func BaseTable(entity string) string { return "tb_" + entity }
func ViewName(entity string) string  { return "v_" + entity }
func TableName(entity string) string { return "tv_" + entity }
func PKColumn(entity string) string  { return "pk_" + entity }
func FKColumn(entity string) string  { return "fk_" + entity }

// EntityOfRelation maps a conventional relation name back to its entity,
// reporting which prefix matched.
func EntityOfRelation(relation string) (entity string, ok bool) {
	for _, prefix := range []string{"tb_", "v_", "tv_"} {
		if rest, found := strings.CutPrefix(relation, prefix); found && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// DefChecksum fingerprints a definition for cache invalidation. Any change
// to the defining query yields a new checksum and evicts derived state.
func DefChecksum(entity, selectSQL string) string {
	sum := blake3.Sum256([]byte(entity + "\x00" + selectSQL))
	return hex.EncodeToString(sum[:])
}

func (d *Definition) BaseTable() string { return BaseTable(d.Entity) }
func (d *Definition) ViewName() string  { return ViewName(d.Entity) }
func (d *Definition) TableName() string { return TableName(d.Entity) }

// DependsOn reports whether the definition has an edge on entity, and if so
// returns the first one.
func (d *Definition) DependsOn(entity string) (Edge, bool) {
	for _, e := range d.Edges {
		if e.Ref == entity {
			return e, true
		}
	}
	return Edge{}, false
}

// EdgesOn returns every edge the definition has on entity, in declaration
// order. The same dependency may be embedded at several places in the
// payload, so one dependency can carry more than one edge.
func (d *Definition) EdgesOn(entity string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Ref == entity {
			out = append(out, e)
		}
	}
	return out
}
