// Package tverr defines the error taxonomy shared by the tview engine.
//
// Anything that could leave a materialization inconsistent with its sources
// is represented here as a typed, fatal error that aborts the enclosing
// transaction. Purely performance-affecting failures (cache misses, patch
// fallback to full replacement) are recovered locally and never reach this
// package.
package tverr

import (
	"fmt"
	"strings"
	"time"
)

// CircularDependencyError is returned when an entity definition would close a
// cycle in the dependency graph. Cycle holds the full path, starting and
// ending with the repeated node.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// DependencyDepthError is returned when resolving an entity's dependency
// graph exceeds the configured maximum depth.
type DependencyDepthError struct {
	Entity   string
	Depth    int
	MaxDepth int
}

func (e *DependencyDepthError) Error() string {
	return fmt.Sprintf("dependency graph for %q exceeds max depth %d (reached %d)",
		e.Entity, e.MaxDepth, e.Depth)
}

// PropagationDepthError is returned when cascade expansion fails to reach a
// fixed point within the configured number of iterations. The whole
// transaction is aborted; nothing below the limit is persisted.
type PropagationDepthError struct {
	MaxDepth  int
	Processed int
}

func (e *PropagationDepthError) Error() string {
	return fmt.Sprintf("cascade propagation exceeded %d iterations (%d rows refreshed before abort)",
		e.MaxDepth, e.Processed)
}

// LockTimeoutError is returned when an advisory lock for a materialized row
// could not be acquired within the configured timeout. The enclosing
// transaction fails; retrying the whole transaction later is safe.
type LockTimeoutError struct {
	Entity  string
	PK      int64
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for refresh lock on %s/%d",
		e.Timeout, e.Entity, e.PK)
}

// QueuePersistenceError is returned when the pending refresh queue of a
// preparing two-phase transaction could not be persisted. The PREPARE must
// fail rather than risk losing cascade state.
type QueuePersistenceError struct {
	GID string
	Err error
}

func (e *QueuePersistenceError) Error() string {
	return fmt.Sprintf("persisting refresh queue for prepared transaction %q: %v", e.GID, e.Err)
}

func (e *QueuePersistenceError) Unwrap() error { return e.Err }

// DefinitionNotFoundError is returned when an operation names an entity with
// no catalog definition. Suggestion, when non-empty, names the closest known
// entity by edit distance.
type DefinitionNotFoundError struct {
	Entity     string
	Suggestion string
}

func (e *DefinitionNotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("no tview definition for entity %q (did you mean %q?)", e.Entity, e.Suggestion)
	}
	return fmt.Sprintf("no tview definition for entity %q", e.Entity)
}

// DefinitionExistsError is returned when creating a tview whose entity name
// is already defined.
type DefinitionExistsError struct {
	Entity string
}

func (e *DefinitionExistsError) Error() string {
	return fmt.Sprintf("tview %q already exists", e.Entity)
}

// InvalidDefinitionError is returned when a defining query cannot be analyzed
// into the column roles the engine requires.
type InvalidDefinitionError struct {
	Entity string
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("invalid defining query for %q: %s", e.Entity, e.Reason)
}

// TxStateError is returned when a transaction-handle operation is invoked in
// a state that does not permit it, e.g. enqueue after flush began.
type TxStateError struct {
	Op    string
	State string
}

func (e *TxStateError) Error() string {
	return fmt.Sprintf("%s not allowed in transaction state %s", e.Op, e.State)
}
