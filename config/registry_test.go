package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apflow/taskflow"
)

func TestRowDescriptorAccepts(t *testing.T) {
	d := RowDescriptor{ExtraColumns: map[string]bool{"project_id": true}}
	assert.True(t, d.Accepts("project_id"))
	assert.False(t, d.Accepts("unknown"))

	var empty RowDescriptor
	assert.False(t, empty.Accepts("anything"))
}

func TestRegistryDefaults(t *testing.T) {
	r := New()
	assert.True(t, r.UseTaskCreator())
	assert.False(t, r.RequireExistingTasks())
	assert.Equal(t, 1.0, r.DemoSleepScale())
}

func TestPreHooksRunInOrder(t *testing.T) {
	r := New()
	var order []string
	r.AddPreHook(func(ctx context.Context, tk *taskflow.Task) { order = append(order, "first") })
	r.AddPreHook(func(ctx context.Context, tk *taskflow.Task) { order = append(order, "second") })

	r.RunPreHooks(context.Background(), &taskflow.Task{ID: "t1"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPreHookPanicIsSwallowed(t *testing.T) {
	r := New()
	ran := false
	r.AddPreHook(func(ctx context.Context, tk *taskflow.Task) { panic("boom") })
	r.AddPreHook(func(ctx context.Context, tk *taskflow.Task) { ran = true })

	assert.NotPanics(t, func() {
		r.RunPreHooks(context.Background(), &taskflow.Task{ID: "t1"})
	})
	assert.True(t, ran)
}

func TestPostHookReceivesClonedTask(t *testing.T) {
	r := New()
	original := &taskflow.Task{ID: "t1", Name: "original"}
	var seen *taskflow.Task
	r.AddPostHook(func(ctx context.Context, tk *taskflow.Task, inputs, result map[string]any) {
		seen = tk
		tk.Name = "mutated"
	})

	r.RunPostHooks(context.Background(), original, nil, nil)
	assert.Equal(t, "mutated", seen.Name)
	assert.Equal(t, "original", original.Name)
}

func TestTreeHooksFireAndRecover(t *testing.T) {
	r := New()
	fired := false
	r.AddTreeCompletedHook(func(ctx context.Context, root *taskflow.Task) { fired = true })
	r.AddTreeFailedHook(func(ctx context.Context, root *taskflow.Task) { panic("boom") })

	root := &taskflow.Task{ID: "root"}
	r.RunTreeCompletedHooks(context.Background(), root)
	assert.True(t, fired)

	assert.NotPanics(t, func() {
		r.RunTreeFailedHooks(context.Background(), root)
	})
}

func TestRefreshConfigIsNoop(t *testing.T) {
	r := New()
	r.SetDemoSleepScale(2.5)
	r.RefreshConfig()
	assert.Equal(t, 2.5, r.DemoSleepScale())
}
