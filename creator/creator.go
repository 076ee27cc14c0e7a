// Package creator validates and persists a declarative array of task
// specs as a tree (C6), and supports deep/shallow copy of an existing
// subtree for re-execution.
package creator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/store"
)

// TaskSpec is the declarative shape of one task in a creation request.
// It carries every semantic field of a Task; ID is optional — if every
// spec in a request omits it, ids are assigned (UUIDv4); specs may not
// mix explicit and assigned ids.
type TaskSpec struct {
	ID           string
	ParentID     *string
	UserID       *string
	Name         string
	Priority     int
	Dependencies []taskflow.Dependency
	Inputs       map[string]any
	Params       map[string]any
	Schemas      taskflow.Schemas
	Extra        map[string]any
}

// ValidationError reports why a task-spec array was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "creator: " + e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Create validates specs, assigns ids as needed, persists the resulting
// tree, and returns the root node. On any validation failure, nothing is
// persisted. On a persistence failure partway through, already-inserted
// rows are rolled back with a best-effort compensating delete.
func Create(ctx context.Context, repo store.Driver, specs []TaskSpec) (*taskflow.TreeNode, error) {
	if len(specs) == 0 {
		return nil, validationErrorf("task spec array must not be empty")
	}

	if err := validateIDMode(specs); err != nil {
		return nil, err
	}
	assignIDs(specs)

	roots, err := findRoots(specs)
	if err != nil {
		return nil, err
	}
	if len(roots) != 1 {
		return nil, validationErrorf("expected exactly one root (no parent_id), found %d: %v", len(roots), rootNames(roots))
	}
	root := roots[0]

	byID := make(map[string]*TaskSpec, len(specs))
	for i := range specs {
		byID[specs[i].ID] = &specs[i]
	}

	if err := validateParentRefs(specs, byID); err != nil {
		return nil, err
	}
	if err := validateDependencyRefs(specs, byID); err != nil {
		return nil, err
	}
	if err := validateTreeShape(specs, byID, root.ID); err != nil {
		return nil, err
	}

	return persistTree(ctx, repo, specs, byID, root.ID)
}

func validateIDMode(specs []TaskSpec) error {
	withID, withoutID := 0, 0
	for _, s := range specs {
		if s.ID != "" {
			withID++
		} else {
			withoutID++
		}
	}
	if withID > 0 && withoutID > 0 {
		return validationErrorf("id mode must be consistent: either every spec carries an id, or none do")
	}
	return nil
}

func assignIDs(specs []TaskSpec) {
	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = uuid.NewString()
		}
	}
}

func findRoots(specs []TaskSpec) ([]TaskSpec, error) {
	var roots []TaskSpec
	for _, s := range specs {
		if s.ParentID == nil || *s.ParentID == "" {
			roots = append(roots, s)
		}
	}
	return roots, nil
}

func rootNames(roots []TaskSpec) []string {
	names := make([]string, len(roots))
	for i, r := range roots {
		names[i] = r.Name
	}
	return names
}

func validateParentRefs(specs []TaskSpec, byID map[string]*TaskSpec) error {
	for _, s := range specs {
		if s.ParentID == nil || *s.ParentID == "" {
			continue
		}
		if _, ok := byID[*s.ParentID]; !ok {
			return validationErrorf("spec %q references unknown parent_id %q", s.Name, *s.ParentID)
		}
	}
	return nil
}

func validateDependencyRefs(specs []TaskSpec, byID map[string]*TaskSpec) error {
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep.ID]; !ok {
				return validationErrorf("spec %q has dependency on unknown task %q", s.Name, dep.ID)
			}
		}
	}
	return nil
}

// validateTreeShape checks the parent graph is a cycle-free tree in
// which every spec is reachable from root — i.e. it is exactly the set
// reachable by following parent_id edges from root, and following them
// from any node always terminates at root without revisiting a node.
func validateTreeShape(specs []TaskSpec, byID map[string]*TaskSpec, rootID string) error {
	for _, s := range specs {
		seen := map[string]bool{}
		cur := &s
		for {
			if cur.ID == rootID {
				break
			}
			if cur.ParentID == nil || *cur.ParentID == "" {
				return validationErrorf("spec %q is not reachable from the root", s.Name)
			}
			if seen[cur.ID] {
				return validationErrorf("parent chain starting at %q contains a cycle", s.Name)
			}
			seen[cur.ID] = true
			parent, ok := byID[*cur.ParentID]
			if !ok {
				return validationErrorf("spec %q references unknown parent_id %q", cur.Name, *cur.ParentID)
			}
			cur = parent
		}
	}
	return nil
}

// persistTree inserts specs parent-before-children depth-first,
// rolling back (best-effort compensating delete) on any failure.
func persistTree(ctx context.Context, repo store.Driver, specs []TaskSpec, byID map[string]*TaskSpec, rootID string) (*taskflow.TreeNode, error) {
	childrenOf := make(map[string][]*TaskSpec)
	for i := range specs {
		s := &specs[i]
		if s.ParentID != nil && *s.ParentID != "" {
			childrenOf[*s.ParentID] = append(childrenOf[*s.ParentID], s)
		}
	}

	var inserted []string
	rollback := func() {
		for i := len(inserted) - 1; i >= 0; i-- {
			_, _ = repo.Delete(ctx, inserted[i])
		}
	}

	var insert func(s *TaskSpec) (*taskflow.TreeNode, error)
	insert = func(s *TaskSpec) (*taskflow.TreeNode, error) {
		t := &taskflow.Task{
			ID:           s.ID,
			ParentID:     s.ParentID,
			UserID:       s.UserID,
			Name:         s.Name,
			Status:       taskflow.StatusPending,
			Priority:     s.Priority,
			Dependencies: s.Dependencies,
			Inputs:       s.Inputs,
			Params:       s.Params,
			Schemas:      s.Schemas,
			Extra:        s.Extra,
		}
		created, err := repo.CreateTask(ctx, t)
		if err != nil {
			rollback()
			return nil, errors.Wrapf(err, "creator: persist task %s", s.ID)
		}
		inserted = append(inserted, created.ID)

		node := &taskflow.TreeNode{Task: created}
		for _, child := range childrenOf[s.ID] {
			childNode, err := insert(child)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, childNode)
		}
		return node, nil
	}

	return insert(byID[rootID])
}

// Copy deep-copies root (and its subtree, if children is true), assigning
// fresh ids, rewriting intra-subtree dependency references to the new
// ids, and resetting status/progress/result/error/timestamps so the copy
// is ready for a fresh run.
func Copy(ctx context.Context, repo store.Driver, root *taskflow.TreeNode, children bool) (*taskflow.TreeNode, error) {
	idMap := map[string]string{}
	root.Walk(func(n *taskflow.TreeNode) {
		if !children && n != root {
			return
		}
		idMap[n.Task.ID] = uuid.NewString()
	})

	var insertCopy func(n *taskflow.TreeNode, newParentID *string) (*taskflow.TreeNode, error)
	insertCopy = func(n *taskflow.TreeNode, newParentID *string) (*taskflow.TreeNode, error) {
		src := n.Task
		newDeps := make([]taskflow.Dependency, 0, len(src.Dependencies))
		for _, d := range src.Dependencies {
			newID, ok := idMap[d.ID]
			if !ok {
				// Reference points outside the copied subtree; drop it
				// rather than keep a dangling id from the source tree.
				continue
			}
			rewritten := d
			rewritten.ID = newID
			newDeps = append(newDeps, rewritten)
		}

		copyTask := &taskflow.Task{
			ID:           idMap[src.ID],
			ParentID:     newParentID,
			UserID:       src.UserID,
			Name:         src.Name,
			Status:       taskflow.StatusPending,
			Priority:     src.Priority,
			Dependencies: newDeps,
			Inputs:       src.Inputs,
			Params:       src.Params,
			Schemas:      src.Schemas,
			Progress:     0,
			Extra:        src.Extra,
		}
		created, err := repo.CreateTask(ctx, copyTask)
		if err != nil {
			return nil, errors.Wrap(err, "creator: copy task")
		}

		newNode := &taskflow.TreeNode{Task: created}
		if children {
			for _, c := range n.Children {
				childCopy, err := insertCopy(c, &created.ID)
				if err != nil {
					return nil, err
				}
				newNode.Children = append(newNode.Children, childCopy)
			}
		}
		return newNode, nil
	}

	return insertCopy(root, nil)
}
