// Package config holds the process-wide registry (C4) that customizes
// task storage and lifecycle behavior without forking the engine: a row
// descriptor for user-extensible columns, pre/post execution hooks, and
// tree-lifecycle hooks.
package config

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apflow/taskflow"
)

// RowDescriptor enumerates the canonical task columns plus an open set of
// user-defined columns (§4.4 / spec.md's "custom row schemas" note).
// facade.Facade.ExecuteTasks only accepts extra fields present in
// ExtraColumns; anything else
// is dropped with a logged warning rather than silently stored.
type RowDescriptor struct {
	ExtraColumns map[string]bool
}

// Accepts reports whether name is a recognized extra column.
func (d RowDescriptor) Accepts(name string) bool {
	if d.ExtraColumns == nil {
		return false
	}
	return d.ExtraColumns[name]
}

// PreHook runs just before a task is dispatched to its executor.
type PreHook func(ctx context.Context, t *taskflow.Task)

// PostHook runs after a task's executor returns, before the status
// transition is persisted. It receives the raw inputs and result so it
// can inspect (never mutate in place — see Registry.RunPostHooks) what
// the executor produced.
type PostHook func(ctx context.Context, t *taskflow.Task, inputs, result map[string]any)

// TreeHooks fire at the lifecycle boundaries of an entire tree run.
type TreeHooks struct {
	OnTreeCreated   []func(ctx context.Context, root *taskflow.Task)
	OnTreeStarted   []func(ctx context.Context, root *taskflow.Task)
	OnTreeCompleted []func(ctx context.Context, root *taskflow.Task)
	OnTreeFailed    []func(ctx context.Context, root *taskflow.Task)
}

// Registry is process-wide configuration for the task engine. The facade
// (C8) holds a pointer to a single Registry rather than a copy, so there
// is nothing for RefreshConfig to re-read — edits made through the
// Set*/Add* methods here are visible to every in-flight tree immediately.
type Registry struct {
	mu sync.RWMutex

	rowDescriptor RowDescriptor
	preHooks      []PreHook
	postHooks     []PostHook
	treeHooks     TreeHooks

	useTaskCreator       bool
	requireExistingTasks bool
	demoSleepScale       float64
}

// New creates a Registry with the defaults: no extra columns, no hooks,
// task creation enabled, existing-tasks not required, demo sleep scale
// 1.0 (demo delays run unscaled).
func New() *Registry {
	return &Registry{
		rowDescriptor:  RowDescriptor{ExtraColumns: map[string]bool{}},
		useTaskCreator: true,
		demoSleepScale: 1.0,
	}
}

func (r *Registry) RowDescriptor() RowDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rowDescriptor
}

func (r *Registry) SetRowDescriptor(d RowDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rowDescriptor = d
}

func (r *Registry) AddPreHook(h PreHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preHooks = append(r.preHooks, h)
}

func (r *Registry) AddPostHook(h PostHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postHooks = append(r.postHooks, h)
}

func (r *Registry) AddTreeCreatedHook(h func(ctx context.Context, root *taskflow.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treeHooks.OnTreeCreated = append(r.treeHooks.OnTreeCreated, h)
}

func (r *Registry) AddTreeStartedHook(h func(ctx context.Context, root *taskflow.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treeHooks.OnTreeStarted = append(r.treeHooks.OnTreeStarted, h)
}

func (r *Registry) AddTreeCompletedHook(h func(ctx context.Context, root *taskflow.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treeHooks.OnTreeCompleted = append(r.treeHooks.OnTreeCompleted, h)
}

func (r *Registry) AddTreeFailedHook(h func(ctx context.Context, root *taskflow.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treeHooks.OnTreeFailed = append(r.treeHooks.OnTreeFailed, h)
}

func (r *Registry) UseTaskCreator() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.useTaskCreator
}

func (r *Registry) SetUseTaskCreator(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useTaskCreator = v
}

func (r *Registry) RequireExistingTasks() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requireExistingTasks
}

func (r *Registry) SetRequireExistingTasks(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requireExistingTasks = v
}

func (r *Registry) DemoSleepScale() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.demoSleepScale
}

func (r *Registry) SetDemoSleepScale(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.demoSleepScale = v
}

// RunPreHooks invokes every registered pre-hook against t, recovering and
// logging any panic so one misbehaving hook can't abort dispatch — the
// Go rendering of the Python original's "hook exceptions are caught,
// logged, and swallowed".
func (r *Registry) RunPreHooks(ctx context.Context, t *taskflow.Task) {
	r.mu.RLock()
	hooks := append([]PreHook(nil), r.preHooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		runRecovered(func() { h(ctx, t) }, "pre_hook", t.ID)
	}
}

// RunPostHooks invokes every registered post-hook with a cloned copy of
// t and copies of the inputs and result maps, so a hook cannot mutate
// the task, inputs or result the manager is about to persist.
func (r *Registry) RunPostHooks(ctx context.Context, t *taskflow.Task, inputs, result map[string]any) {
	r.mu.RLock()
	hooks := append([]PostHook(nil), r.postHooks...)
	r.mu.RUnlock()
	snapshot := t.Clone()
	views := (&taskflow.Task{Inputs: inputs, Result: result}).Clone()
	for _, h := range hooks {
		runRecovered(func() { h(ctx, snapshot, views.Inputs, views.Result) }, "post_hook", t.ID)
	}
}

func (r *Registry) runTreeHooks(hooks []func(ctx context.Context, root *taskflow.Task), name string, ctx context.Context, root *taskflow.Task) {
	for _, h := range hooks {
		runRecovered(func() { h(ctx, root) }, name, root.ID)
	}
}

func (r *Registry) RunTreeCreatedHooks(ctx context.Context, root *taskflow.Task) {
	r.mu.RLock()
	hooks := append([]func(ctx context.Context, root *taskflow.Task){}, r.treeHooks.OnTreeCreated...)
	r.mu.RUnlock()
	r.runTreeHooks(hooks, "tree_created_hook", ctx, root)
}

func (r *Registry) RunTreeStartedHooks(ctx context.Context, root *taskflow.Task) {
	r.mu.RLock()
	hooks := append([]func(ctx context.Context, root *taskflow.Task){}, r.treeHooks.OnTreeStarted...)
	r.mu.RUnlock()
	r.runTreeHooks(hooks, "tree_started_hook", ctx, root)
}

func (r *Registry) RunTreeCompletedHooks(ctx context.Context, root *taskflow.Task) {
	r.mu.RLock()
	hooks := append([]func(ctx context.Context, root *taskflow.Task){}, r.treeHooks.OnTreeCompleted...)
	r.mu.RUnlock()
	r.runTreeHooks(hooks, "tree_completed_hook", ctx, root)
}

func (r *Registry) RunTreeFailedHooks(ctx context.Context, root *taskflow.Task) {
	r.mu.RLock()
	hooks := append([]func(ctx context.Context, root *taskflow.Task){}, r.treeHooks.OnTreeFailed...)
	r.mu.RUnlock()
	r.runTreeHooks(hooks, "tree_failed_hook", ctx, root)
}

// RefreshConfig exists only for interface parity with the original
// design (§9 Open Question): callers hold a pointer to this Registry, so
// there is nothing stale to re-read. Kept as a documented no-op.
func (r *Registry) RefreshConfig() {}

func runRecovered(fn func(), hookKind, taskID string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("hook panicked, continuing", "hook", hookKind, "task_id", taskID, "panic", rec)
		}
	}()
	fn()
}
