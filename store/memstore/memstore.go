// Package memstore is an in-memory store.Driver used by tests across the
// module — a hand-written fake rather than a generated mock, since the
// repository contract is stateful (trees, cycles, status transitions)
// and exercising real persistence semantics is more valuable here than
// recording call expectations.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/store"
)

// DB is an in-memory implementation of store.Driver.
type DB struct {
	mu    sync.Mutex
	tasks map[string]*taskflow.Task
}

// New creates an empty in-memory store.
func New() *DB {
	return &DB{tasks: make(map[string]*taskflow.Task)}
}

func (d *DB) CreateTask(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	clone := t.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	if clone.Status == "" {
		clone.Status = taskflow.StatusPending
	}
	d.tasks[clone.ID] = clone

	if clone.ParentID != nil {
		if parent, ok := d.tasks[*clone.ParentID]; ok {
			parent.HasChildren = true
		}
	}
	return clone.Clone(), nil
}

func (d *DB) GetTask(ctx context.Context, id string) (*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (d *DB) ChildrenOf(ctx context.Context, parentID string) ([]*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*taskflow.Task
	for _, t := range d.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *DB) RootOf(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error) {
	cur := t
	for cur.ParentID != nil {
		parent, err := d.GetTask(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		cur = parent
	}
	return cur, nil
}

func (d *DB) AllInTree(ctx context.Context, root *taskflow.Task) ([]*taskflow.Task, error) {
	all := []*taskflow.Task{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := d.ChildrenOf(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				all = append(all, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return all, nil
}

func (d *DB) BuildTree(ctx context.Context, t *taskflow.Task) (*taskflow.TreeNode, error) {
	root, err := d.RootOf(ctx, t)
	if err != nil {
		return nil, err
	}
	all, err := d.AllInTree(ctx, root)
	if err != nil {
		return nil, err
	}
	return store.BuildTreeFromFlat(root.ID, all), nil
}

func (d *DB) UpdateStatus(ctx context.Context, id string, upd store.StatusUpdate) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}

	errVal := upd.Error
	if errVal == nil && upd.Status != taskflow.StatusCompleted {
		errVal = existing.Error
	}
	existing.Error = errVal
	existing.Status = upd.Status
	if upd.Progress != nil {
		existing.Progress = *upd.Progress
	}
	if upd.Result != nil {
		existing.Result = upd.Result
	}
	if upd.StartedAt != nil {
		existing.StartedAt = upd.StartedAt
	}
	if !upd.Status.IsTerminal() {
		existing.CompletedAt = nil
	} else if upd.CompletedAt != nil {
		existing.CompletedAt = upd.CompletedAt
	}
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (d *DB) UpdateInputs(ctx context.Context, id string, inputs map[string]any) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	existing.Inputs = inputs
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (d *DB) UpdateDependencies(ctx context.Context, id string, deps []taskflow.Dependency) (bool, error) {
	d.mu.Lock()
	existing, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return false, store.ErrTaskNotFound
	}
	if existing.Status != taskflow.StatusPending {
		d.mu.Unlock()
		return false, store.ErrNotPending
	}
	d.mu.Unlock()

	root, err := d.RootOf(ctx, existing)
	if err != nil {
		return false, err
	}
	all, err := d.AllInTree(ctx, root)
	if err != nil {
		return false, err
	}
	if err := validateDependencySet(id, deps, all); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	existing.Dependencies = deps
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func validateDependencySet(taskID string, deps []taskflow.Dependency, tree []*taskflow.Task) error {
	inTree := make(map[string]bool, len(tree))
	depsByID := make(map[string][]string, len(tree))
	for _, t := range tree {
		inTree[t.ID] = true
		for _, d := range t.Dependencies {
			depsByID[t.ID] = append(depsByID[t.ID], d.ID)
		}
	}
	depsByID[taskID] = nil
	for _, d := range deps {
		if !inTree[d.ID] {
			return store.ErrCyclicDependency
		}
		depsByID[taskID] = append(depsByID[taskID], d.ID)
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(string) error
	dfs = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return store.ErrCyclicDependency
		}
		visiting[id] = true
		for _, depID := range depsByID[id] {
			if err := dfs(depID); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for id := range depsByID {
		if err := dfs(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) CompletedByIDs(ctx context.Context, ids []string) (map[string]*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*taskflow.Task)
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for id, t := range d.tasks {
		if want[id] && t.Status == taskflow.StatusCompleted {
			out[id] = t.Clone()
		}
	}
	return out, nil
}

func (d *DB) Query(ctx context.Context, f store.QueryFilter) ([]*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*taskflow.Task
	for _, t := range d.tasks {
		if f.UserID != nil && (t.UserID == nil || *t.UserID != *f.UserID) {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.ParentID != nil {
			if *f.ParentID == "" && t.ParentID != nil {
				continue
			}
			if *f.ParentID != "" && (t.ParentID == nil || *t.ParentID != *f.ParentID) {
				continue
			}
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Offset > 0 || f.Limit > 0 {
		start := f.Offset
		if start > len(out) {
			start = len(out)
		}
		end := len(out)
		if f.Limit > 0 && start+f.Limit < end {
			end = start + f.Limit
		}
		out = out[start:end]
	}
	return out, nil
}

func (d *DB) ChildrenRecursive(ctx context.Context, id string) ([]*taskflow.Task, error) {
	var all []*taskflow.Task
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			children, err := d.ChildrenOf(ctx, pid)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				all = append(all, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return all, nil
}

func (d *DB) FindDependents(ctx context.Context, id string) ([]*taskflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*taskflow.Task
	for _, t := range d.tasks {
		for _, dep := range t.Dependencies {
			if dep.ID == id {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out, nil
}

func (d *DB) Delete(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[id]; !ok {
		return false, nil
	}
	delete(d.tasks, id)
	return true, nil
}

func (d *DB) Close() error { return nil }

var _ store.Driver = (*DB)(nil)
