package engine

import "github.com/tviewdb/pgtview/pkg/tverr"

// txState is the lifecycle of a transaction handle. Changes may only be
// enqueued before the flush begins; a prepared transaction is frozen until
// the coordinator finishes it.
type txState uint8

const (
	stateEmpty txState = iota
	stateAccumulating
	stateFlushing
	statePrepared
	stateCommitted
	stateAborted
)

func (s txState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateAccumulating:
		return "accumulating"
	case stateFlushing:
		return "flushing"
	case statePrepared:
		return "prepared"
	case stateCommitted:
		return "committed"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// require errors unless the current state is one of the allowed ones.
func (s txState) require(op string, allowed ...txState) error {
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	return &tverr.TxStateError{Op: op, State: s.String()}
}
