package engine

import "fmt"

// ChangeKind is what happened to a source row.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("change(%d)", uint8(k))
	}
}

// Key identifies one materialized row.
type Key struct {
	Entity string `json:"entity" msgpack:"entity"`
	PK     int64  `json:"pk" msgpack:"pk"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Entity, k.PK) }

// Change is one queued source-row change.
type Change struct {
	Key  `msgpack:",inline"`
	Kind ChangeKind `json:"kind" msgpack:"kind"`
}

// collapse merges a newly observed change kind into one already queued for
// the same key. drop=true means the two cancel out (inserted then deleted
// inside the same transaction) and the entry is removed.
func collapse(old, new ChangeKind) (kind ChangeKind, drop bool) {
	switch {
	case old == ChangeInsert && new == ChangeUpdate:
		// the row is still new as far as this transaction is concerned
		return ChangeInsert, false
	case old == ChangeInsert && new == ChangeDelete:
		return 0, true
	case old == ChangeDelete && new == ChangeInsert:
		// delete+insert of the same key nets out to an update
		return ChangeUpdate, false
	default:
		return new, false
	}
}
