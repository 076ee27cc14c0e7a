// Package resolver implements dependency satisfaction checking and input
// resolution (C5) as pure functions over an already-fetched tree — no
// repository access, no state.
package resolver

import (
	"context"

	"github.com/apflow/taskflow"
)

// completedByID returns every completed task in tree, keyed by id, that
// carries a non-nil result — mirroring get_completed_tasks_by_id's
// filter (status == completed and result is not None).
func completedByID(tree []*taskflow.Task) map[string]*taskflow.Task {
	out := make(map[string]*taskflow.Task)
	for _, t := range tree {
		if t.Status == taskflow.StatusCompleted && t.Result != nil {
			out[t.ID] = t
		}
	}
	return out
}

// AreSatisfied reports whether every dependency of t is satisfied given
// the rest of the tree. A dependency is satisfied when its target task is
// completed with a result; a dependency marked for re-execution (present
// in toReexecute) is still satisfied as long as it is currently
// completed — the result is available even though a future run will
// replace it. A dependency with Required false is skipped when its target
// is not completed; Required defaults to true only when the dependency is
// decoded from JSON (a bare string or an object without "required").
func AreSatisfied(ctx context.Context, t *taskflow.Task, tree []*taskflow.Task, toReexecute map[string]bool) bool {
	if len(t.Dependencies) == 0 {
		return true
	}

	// toReexecute is accepted for interface parity with the original's
	// carve-out (a dependency marked for re-execution still satisfies
	// while its row reads completed) — completedByID already restricts
	// to completed rows, so no separate check is needed here.
	completed := completedByID(tree)

	for _, dep := range t.Dependencies {
		_, found := completed[dep.ID]
		if !dep.Required && !found {
			continue
		}
		if !found {
			return false
		}
	}
	return true
}

// Resolve merges completed dependency results into a copy of t.Inputs.
// For each dependency, in declaration order: the dependency's result is
// unwrapped one level if it carries a nested "result" object; if the
// task's input schema declares properties, only those property names are
// copied from the (possibly unwrapped) result; otherwise the whole result
// is stored under the dependency's id. A bare-string dependency (legacy
// shorthand) has its entire result dict merged directly into inputs, as
// in the original's backward-compatible string-dependency branch.
//
// When two dependencies would write the same input key, the
// later-declared dependency wins — later writes simply overwrite earlier
// ones in the iteration below.
func Resolve(t *taskflow.Task, tree []*taskflow.Task) map[string]any {
	inputs := make(map[string]any, len(t.Inputs))
	for k, v := range t.Inputs {
		inputs[k] = v
	}
	if len(t.Dependencies) == 0 {
		return inputs
	}

	completed := completedByID(tree)
	schemaProps, hasSchema := inputSchemaProperties(t)

	for _, dep := range t.Dependencies {
		source, ok := completed[dep.ID]
		if !ok || source.Result == nil {
			continue
		}

		if dep.Bare {
			for k, v := range source.Result {
				inputs[k] = v
			}
			continue
		}

		actual := source.Result
		if nested, ok := source.Result["result"].(map[string]any); ok {
			actual = nested
		}

		if hasSchema {
			for field := range schemaProps {
				if v, ok := actual[field]; ok {
					inputs[field] = v
				}
			}
			continue
		}

		inputs[dep.ID] = source.Result
	}

	return inputs
}

func inputSchemaProperties(t *taskflow.Task) (map[string]any, bool) {
	if t.Schemas.InputSchema == nil {
		return nil, false
	}
	props, ok := t.Schemas.InputSchema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil, false
	}
	return props, true
}
