// Package store defines the repository contract the task-tree engine
// persists through, plus the concrete sqlite and postgres drivers that
// implement it. The engine never imports a driver directly — callers wire
// one in at startup.
package store

import (
	"context"
	"time"

	"github.com/apflow/taskflow"
)

// StatusUpdate carries the fields an atomic status transition may set.
// Nil pointers mean "leave unchanged", except that a non-terminal Status
// clears the stored completed_at even when CompletedAt is nil. Per §4.1:
// if Error is nil and Status is completed, the stored error is cleared
// (re-execution recovery).
type StatusUpdate struct {
	Status      taskflow.Status
	Error       *string
	Result      map[string]any
	Progress    *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QueryFilter narrows a Query call. An empty ParentID means "root tasks
// only"; a nil ParentID means "don't filter on parent".
type QueryFilter struct {
	UserID   *string
	Status   *taskflow.Status
	ParentID *string
	Limit    int
	Offset   int
}

// Driver is the durable repository contract (C1, §4.1). Every mutator
// commits on success and rolls back on error; readers refresh from the row
// so concurrent writers' changes are visible.
type Driver interface {
	CreateTask(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error)
	GetTask(ctx context.Context, id string) (*taskflow.Task, error)
	ChildrenOf(ctx context.Context, parentID string) ([]*taskflow.Task, error)
	RootOf(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error)
	AllInTree(ctx context.Context, root *taskflow.Task) ([]*taskflow.Task, error)
	BuildTree(ctx context.Context, t *taskflow.Task) (*taskflow.TreeNode, error)

	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error)
	UpdateInputs(ctx context.Context, id string, inputs map[string]any) (bool, error)

	// UpdateDependencies replaces a task's dependency list. Per §3.1
	// invariant 7, this is only legal while the task is pending and only
	// if the new list preserves the same-tree and acyclic invariants;
	// implementations must enforce both and return ErrNotPending /
	// ErrCyclicDependency otherwise.
	UpdateDependencies(ctx context.Context, id string, deps []taskflow.Dependency) (bool, error)

	CompletedByIDs(ctx context.Context, ids []string) (map[string]*taskflow.Task, error)
	Query(ctx context.Context, f QueryFilter) ([]*taskflow.Task, error)
	ChildrenRecursive(ctx context.Context, id string) ([]*taskflow.Task, error)
	FindDependents(ctx context.Context, id string) ([]*taskflow.Task, error)
	Delete(ctx context.Context, id string) (bool, error)

	Close() error
}
