package taskflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyUnmarshalBareString(t *testing.T) {
	var d Dependency
	require.NoError(t, json.Unmarshal([]byte(`"upstream-1"`), &d))
	assert.Equal(t, "upstream-1", d.ID)
	assert.True(t, d.Required)
	assert.True(t, d.Bare)
}

func TestDependencyUnmarshalObject(t *testing.T) {
	var d Dependency
	require.NoError(t, json.Unmarshal([]byte(`{"id":"upstream-1","required":false}`), &d))
	assert.Equal(t, "upstream-1", d.ID)
	assert.False(t, d.Required)
	assert.False(t, d.Bare)
}

func TestDependencyObjectDefaultsRequiredTrue(t *testing.T) {
	var d Dependency
	require.NoError(t, json.Unmarshal([]byte(`{"id":"upstream-1"}`), &d))
	assert.True(t, d.Required)
}

func TestMaxStatusPrecedence(t *testing.T) {
	assert.Equal(t, StatusFailed, MaxStatus(StatusFailed, StatusCompleted))
	assert.Equal(t, StatusCancelled, MaxStatus(StatusCancelled, StatusInProgress))
	assert.Equal(t, StatusInProgress, MaxStatus(StatusInProgress, StatusPending))
	assert.Equal(t, StatusPending, MaxStatus(StatusPending, StatusCompleted))
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	errMsg := "boom"
	t1 := &Task{
		ID:           "t1",
		Dependencies: []Dependency{{ID: "a", Required: true}},
		Inputs:       map[string]any{"x": 1},
		Result:       map[string]any{"y": 2},
		Error:        &errMsg,
	}
	clone := t1.Clone()
	clone.Dependencies[0].ID = "mutated"
	clone.Inputs["x"] = 99
	clone.Result["y"] = 99
	*clone.Error = "mutated"

	assert.Equal(t, "a", t1.Dependencies[0].ID)
	assert.Equal(t, 1, t1.Inputs["x"])
	assert.Equal(t, 2, t1.Result["y"])
	assert.Equal(t, "boom", *t1.Error)
}

func TestTreeRollupAveragesProgressAndTakesMaxStatus(t *testing.T) {
	root := &TreeNode{Task: &Task{ID: "root"}}
	childA := &TreeNode{Task: &Task{ID: "a", Status: StatusCompleted, Progress: 1.0}}
	childB := &TreeNode{Task: &Task{ID: "b", Status: StatusInProgress, Progress: 0.5}}
	root.Children = []*TreeNode{childA, childB}

	root.Rollup()

	assert.Equal(t, StatusInProgress, root.Task.Status)
	assert.Equal(t, 0.75, root.Task.Progress)
}

func TestTreeComputedDoesNotMutate(t *testing.T) {
	root := &TreeNode{Task: &Task{ID: "root", Status: StatusCompleted, Progress: 1.0}}
	child := &TreeNode{Task: &Task{ID: "a", Status: StatusPending, Progress: 0}}
	root.Children = []*TreeNode{child}

	status, progress := root.Computed()
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, 0.0, progress)

	// The root's own stored values are untouched by the computation.
	assert.Equal(t, StatusCompleted, root.Task.Status)
	assert.Equal(t, 1.0, root.Task.Progress)
}

func TestTreeRollupLeavesLeafUntouched(t *testing.T) {
	leaf := &TreeNode{Task: &Task{ID: "leaf", Status: StatusInProgress, Progress: 0.3}}
	leaf.Rollup()
	assert.Equal(t, StatusInProgress, leaf.Task.Status)
	assert.Equal(t, 0.3, leaf.Task.Progress)
}

func TestTreeFindAndFlatten(t *testing.T) {
	root := &TreeNode{Task: &Task{ID: "root"}}
	child := &TreeNode{Task: &Task{ID: "child"}}
	root.Children = []*TreeNode{child}

	assert.Same(t, child, root.Find("child"))
	assert.Nil(t, root.Find("missing"))
	assert.Len(t, root.Flatten(), 2)
}

func TestNewStreamEventCarriesResultOnlyWhenCompleted(t *testing.T) {
	task := &Task{ID: "t1", Status: StatusFailed, Result: map[string]any{"should_not_appear": true}}
	ev := NewStreamEvent("root", task, true)
	assert.Nil(t, ev.Result)
	assert.True(t, ev.Final)
}
