package store

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/apflow/taskflow"
)

// DependenciesJSON marshals a dependency list to the JSON form persisted in
// the dependencies column. Both drivers share this so the on-disk shape is
// identical across sqlite and postgres.
func DependenciesJSON(deps []taskflow.Dependency) ([]byte, error) {
	if deps == nil {
		deps = []taskflow.Dependency{}
	}
	b, err := json.Marshal(deps)
	return b, errors.Wrap(err, "marshal dependencies")
}

// ParseDependencies unmarshals the dependencies column, accepting both the
// object form and the bare-string shorthand per element.
func ParseDependencies(raw []byte) ([]taskflow.Dependency, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var deps []taskflow.Dependency
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, errors.Wrap(err, "unmarshal dependencies")
	}
	return deps, nil
}

// MapJSON marshals an arbitrary keyed payload (inputs/params/result/extra).
func MapJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return b, errors.Wrap(err, "marshal map")
}

// ParseMap unmarshals an arbitrary keyed payload column.
func ParseMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal map")
	}
	return m, nil
}

// SchemasJSON marshals a Schemas value.
func SchemasJSON(s taskflow.Schemas) ([]byte, error) {
	b, err := json.Marshal(s)
	return b, errors.Wrap(err, "marshal schemas")
}

// ParseSchemas unmarshals a Schemas column.
func ParseSchemas(raw []byte) (taskflow.Schemas, error) {
	var s taskflow.Schemas
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(err, "unmarshal schemas")
	}
	return s, nil
}

// BuildTreeFromFlat reconstructs a TreeNode from a flat, parent-ordered
// list of tasks (as returned by AllInTree), matching the depth-first
// expansion semantics of §3.2 without requiring a second repository round
// trip. rootID must be present in tasks.
func BuildTreeFromFlat(rootID string, tasks []*taskflow.Task) *taskflow.TreeNode {
	byID := make(map[string]*taskflow.TreeNode, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = &taskflow.TreeNode{Task: t}
	}
	for _, t := range tasks {
		if t.ParentID == nil {
			continue
		}
		if parent, ok := byID[*t.ParentID]; ok {
			parent.Children = append(parent.Children, byID[t.ID])
		}
	}
	return byID[rootID]
}
