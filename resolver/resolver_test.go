package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apflow/taskflow"
)

func TestAreSatisfiedNoDependencies(t *testing.T) {
	task := &taskflow.Task{ID: "a"}
	assert.True(t, AreSatisfied(context.Background(), task, nil, nil))
}

func TestAreSatisfiedMissingRequiredDependency(t *testing.T) {
	task := &taskflow.Task{ID: "a", Dependencies: []taskflow.Dependency{{ID: "b", Required: true}}}
	assert.False(t, AreSatisfied(context.Background(), task, []*taskflow.Task{task}, nil))
}

func TestAreSatisfiedOptionalDependencyMissing(t *testing.T) {
	task := &taskflow.Task{ID: "a", Dependencies: []taskflow.Dependency{{ID: "b", Required: false}}}
	assert.True(t, AreSatisfied(context.Background(), task, []*taskflow.Task{task}, nil))
}

func TestAreSatisfiedCompletedDependency(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{"x": 1}}
	task := &taskflow.Task{ID: "a", Dependencies: []taskflow.Dependency{{ID: "b", Required: true}}}
	tree := []*taskflow.Task{task, dep}
	assert.True(t, AreSatisfied(context.Background(), task, tree, nil))
}

func TestAreSatisfiedReexecutedButCompletedStillSatisfies(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{"x": 1}}
	task := &taskflow.Task{ID: "a", Dependencies: []taskflow.Dependency{{ID: "b", Required: true}}}
	tree := []*taskflow.Task{task, dep}
	assert.True(t, AreSatisfied(context.Background(), task, tree, map[string]bool{"b": true}))
}

func TestAreSatisfiedPendingDependencyBlocks(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusPending}
	task := &taskflow.Task{ID: "a", Dependencies: []taskflow.Dependency{{ID: "b", Required: true}}}
	tree := []*taskflow.Task{task, dep}
	assert.False(t, AreSatisfied(context.Background(), task, tree, nil))
}

func TestResolveNoDependenciesReturnsInputsCopy(t *testing.T) {
	task := &taskflow.Task{ID: "a", Inputs: map[string]any{"x": 1}}
	resolved := Resolve(task, []*taskflow.Task{task})
	assert.Equal(t, map[string]any{"x": 1}, resolved)

	resolved["y"] = 2
	assert.NotContains(t, task.Inputs, "y")
}

func TestResolveStoresUnderDependencyIDWithoutSchema(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{"value": 42}}
	task := &taskflow.Task{
		ID:           "a",
		Dependencies: []taskflow.Dependency{{ID: "b", Required: true}},
	}
	resolved := Resolve(task, []*taskflow.Task{task, dep})
	assert.Equal(t, map[string]any{"value": 42}, resolved["b"])
}

func TestResolveMapsSchemaFields(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{"foo": "bar", "baz": "qux"}}
	task := &taskflow.Task{
		ID:           "a",
		Dependencies: []taskflow.Dependency{{ID: "b", Required: true}},
		Schemas: taskflow.Schemas{
			InputSchema: map[string]any{
				"properties": map[string]any{"foo": map[string]any{"type": "string"}},
			},
		},
	}
	resolved := Resolve(task, []*taskflow.Task{task, dep})
	assert.Equal(t, "bar", resolved["foo"])
	assert.NotContains(t, resolved, "baz")
	assert.NotContains(t, resolved, "b")
}

func TestResolveUnwrapsNestedResult(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{
		"result": map[string]any{"foo": "nested"},
	}}
	task := &taskflow.Task{
		ID:           "a",
		Dependencies: []taskflow.Dependency{{ID: "b", Required: true}},
		Schemas: taskflow.Schemas{
			InputSchema: map[string]any{
				"properties": map[string]any{"foo": map[string]any{"type": "string"}},
			},
		},
	}
	resolved := Resolve(task, []*taskflow.Task{task, dep})
	assert.Equal(t, "nested", resolved["foo"])
}

func TestResolveBareDependencyMergesWholeResult(t *testing.T) {
	dep := &taskflow.Task{ID: "b", Status: taskflow.StatusCompleted, Result: map[string]any{"foo": "bar", "baz": "qux"}}
	task := &taskflow.Task{
		ID:           "a",
		Dependencies: []taskflow.Dependency{{ID: "b", Required: true, Bare: true}},
	}
	resolved := Resolve(task, []*taskflow.Task{task, dep})
	assert.Equal(t, "bar", resolved["foo"])
	assert.Equal(t, "qux", resolved["baz"])
}

func TestResolveLastDependencyWinsOnCollision(t *testing.T) {
	depA := &taskflow.Task{ID: "a1", Status: taskflow.StatusCompleted, Result: map[string]any{"x": "from-a1"}}
	depB := &taskflow.Task{ID: "a2", Status: taskflow.StatusCompleted, Result: map[string]any{"x": "from-a2"}}
	task := &taskflow.Task{
		ID: "a",
		Dependencies: []taskflow.Dependency{
			{ID: "a1", Required: true, Bare: true},
			{ID: "a2", Required: true, Bare: true},
		},
	}
	resolved := Resolve(task, []*taskflow.Task{task, depA, depB})
	assert.Equal(t, "from-a2", resolved["x"])
}
