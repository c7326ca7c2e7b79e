package engine

// refreshQueue accumulates source-row changes deduplicated by (entity, pk).
// Insertion order is kept so flushes drain deterministically. Not safe for
// concurrent use; a transaction handle is single-goroutine by contract.
type refreshQueue struct {
	order []Key
	items map[Key]ChangeKind
}

func newRefreshQueue() *refreshQueue {
	return &refreshQueue{items: make(map[Key]ChangeKind)}
}

// add records a change, collapsing it into an existing entry for the key.
func (q *refreshQueue) add(c Change) {
	old, exists := q.items[c.Key]
	if !exists {
		q.order = append(q.order, c.Key)
		q.items[c.Key] = c.Kind
		return
	}
	kind, drop := collapse(old, c.Kind)
	if drop {
		delete(q.items, c.Key)
		for i, k := range q.order {
			if k == c.Key {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
		return
	}
	q.items[c.Key] = kind
}

func (q *refreshQueue) len() int { return len(q.items) }

// snapshot returns the queued changes in insertion order without draining.
func (q *refreshQueue) snapshot() []Change {
	out := make([]Change, 0, len(q.items))
	for _, k := range q.order {
		out = append(out, Change{Key: k, Kind: q.items[k]})
	}
	return out
}

// drain empties the queue and returns what it held.
func (q *refreshQueue) drain() []Change {
	out := q.snapshot()
	q.order = q.order[:0]
	clear(q.items)
	return out
}

// clone deep-copies the queue, for savepoint snapshots.
func (q *refreshQueue) clone() *refreshQueue {
	c := &refreshQueue{
		order: append([]Key(nil), q.order...),
		items: make(map[Key]ChangeKind, len(q.items)),
	}
	for k, v := range q.items {
		c.items[k] = v
	}
	return c
}

// restore replaces the queue's contents with a snapshot's.
func (q *refreshQueue) restore(from *refreshQueue) {
	q.order = append(q.order[:0], from.order...)
	clear(q.items)
	for k, v := range from.items {
		q.items[k] = v
	}
}
