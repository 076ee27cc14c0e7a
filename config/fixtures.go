package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/creator"
)

// fixtureSpec mirrors creator.TaskSpec with YAML-friendly field names and
// a string-keyed dependency list, since creator.TaskSpec's Dependency
// shorthand is a JSON, not YAML, concept (UnmarshalJSON never fires for
// a YAML decode).
type fixtureSpec struct {
	ID           string         `yaml:"id"`
	ParentID     string         `yaml:"parent_id"`
	UserID       string         `yaml:"user_id"`
	Name         string         `yaml:"name"`
	Priority     int            `yaml:"priority"`
	Dependencies []string       `yaml:"dependencies"`
	Inputs       map[string]any `yaml:"inputs"`
	Params       map[string]any `yaml:"params"`
	Method       string         `yaml:"method"`
	Extra        map[string]any `yaml:"extra"`
}

// fixtureFile is the top-level shape of a YAML task-array fixture: a
// bare list of tasks under a `tasks:` key, the format cmd/taskflowd's
// --seed flag reads.
type fixtureFile struct {
	Tasks []fixtureSpec `yaml:"tasks"`
}

// LoadFile reads a YAML task-array fixture from path and converts it to
// creator.TaskSpec values, for seeding demo executors or loading
// hook-config driven task trees without hand-building Go literals. This
// is the config package's one concession to a declarative file format,
// grounded on the teacher's own yaml.v3 use for its hook/profile config
// files.
func LoadFile(path string) ([]creator.TaskSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read fixture %s: %w", path, err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse fixture %s: %w", path, err)
	}

	specs := make([]creator.TaskSpec, 0, len(file.Tasks))
	for _, f := range file.Tasks {
		spec := creator.TaskSpec{
			ID:       f.ID,
			Name:     f.Name,
			Priority: f.Priority,
			Inputs:   f.Inputs,
			Params:   f.Params,
			Extra:    f.Extra,
		}
		spec.Schemas.Method = f.Method
		if f.ParentID != "" {
			parentID := f.ParentID
			spec.ParentID = &parentID
		}
		if f.UserID != "" {
			userID := f.UserID
			spec.UserID = &userID
		}
		for _, depID := range f.Dependencies {
			spec.Dependencies = append(spec.Dependencies, dependency(depID))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// dependency builds a required, bare-shorthand dependency, matching the
// JSON bare-string unmarshal path in taskflow.Dependency.
func dependency(id string) taskflow.Dependency {
	return taskflow.Dependency{ID: id, Required: true, Bare: true}
}
