package store

import "errors"

// ErrTaskNotFound is returned by mutators when the target row does not exist.
var ErrTaskNotFound = errors.New("store: task not found")

// ErrImmutableField is returned when a caller attempts to change parent_id
// or user_id after creation (§3.1 invariant 7).
var ErrImmutableField = errors.New("store: field is immutable after creation")

// ErrCyclicDependency is returned by UpdateDependencies when the proposed
// replacement would introduce a cycle or reference a task outside the tree.
var ErrCyclicDependency = errors.New("store: circular dependency or out-of-tree reference in dependency update")

// ErrNotPending is returned by UpdateDependencies when the task is not
// currently pending.
var ErrNotPending = errors.New("store: dependencies can only be replaced while the task is pending")
