// Package manager implements the task-tree scheduling core (C7): the
// per-tree sweep loop that collects the dependency-satisfied frontier,
// dispatches each ready task to its executor with bounded concurrency,
// rolls up ancestor progress/status, and streams state transitions.
//
// This is the Go-native transplant of the teacher's DAGScheduler +
// Executor pair (ai/agents/orchestrator/dag_scheduler.go,
// ai/agents/orchestrator/executor.go): the round-based sweep replaces
// their continuous ready-queue channel because the original system
// schedules one whole persisted tree at a time rather than an
// in-memory-only plan, but the panic recovery, semaphore-bounded worker
// pool, and "cascade skip on failure" spirit are preserved.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/resolver"
	"github.com/apflow/taskflow/store"
)

// DefaultMaxParallel bounds concurrent dispatch when the caller does not
// override it.
const DefaultMaxParallel = 8

// Manager drives one tree's execution end-to-end.
type Manager struct {
	repo        store.Driver
	executors   *registry.ExecutorRegistry
	cfg         *config.Registry
	rootID      string
	stream      taskflow.StreamCallback
	maxParallel int

	mu        sync.Mutex
	cancelled bool
	inFlight  map[string]taskflow.Executor
}

// New creates a Manager for the tree rooted at rootID. stream may be nil.
func New(repo store.Driver, executors *registry.ExecutorRegistry, cfg *config.Registry, rootID string, stream taskflow.StreamCallback, maxParallel int) *Manager {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Manager{
		repo:        repo,
		executors:   executors,
		cfg:         cfg,
		rootID:      rootID,
		stream:      stream,
		maxParallel: maxParallel,
		inFlight:    make(map[string]taskflow.Executor),
	}
}

func (m *Manager) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// RunningTaskIDs returns the ids of tasks whose executor is currently
// dispatched (i.e. present in m.inFlight), a lock-free-to-callers
// snapshot used by the facade's IsTaskRunning/GetAllRunningTasks (§4.8).
func (m *Manager) RunningTaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inFlight))
	for id := range m.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// RootID returns the root task id this manager drives.
func (m *Manager) RootID() string { return m.rootID }

// Cancel marks the tree for cancellation and writes status=cancelled for
// taskID immediately (§4.7.3). If taskID is currently executing behind a
// Cancelable executor, its Cancel method is invoked and its returned
// partial result/token_usage is preserved.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	m.cancelled = true
	exec, hasExec := m.inFlight[taskID]
	m.mu.Unlock()

	if hasExec {
		if cancelable, ok := exec.(taskflow.Cancelable); ok {
			res, err := cancelable.Cancel(ctx)
			if err == nil {
				now := time.Now().UTC()
				errPtr := (*string)(nil)
				if res.Error != "" {
					e := res.Error
					errPtr = &e
				}
				_, uerr := m.repo.UpdateStatus(ctx, taskID, store.StatusUpdate{
					Status:      taskflow.StatusCancelled,
					Result:      mergeTokenUsage(res.Result, res.TokenUsage),
					Error:       errPtr,
					CompletedAt: &now,
				})
				return uerr
			}
		}
	}

	now := time.Now().UTC()
	_, err := m.repo.UpdateStatus(ctx, taskID, store.StatusUpdate{
		Status:      taskflow.StatusCancelled,
		CompletedAt: &now,
	})
	return err
}

func mergeTokenUsage(result, tokenUsage map[string]any) map[string]any {
	if tokenUsage == nil {
		return result
	}
	out := make(map[string]any, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	out["token_usage"] = tokenUsage
	return out
}

// Run drives the sweep loop until the tree reaches a terminal state or
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	root, err := m.repo.GetTask(ctx, m.rootID)
	if err != nil {
		return fmt.Errorf("manager: load root %s: %w", m.rootID, err)
	}
	if root == nil {
		return fmt.Errorf("manager: root task %s not found", m.rootID)
	}
	m.cfg.RunTreeStartedHooks(ctx, root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tree, err := m.repo.BuildTree(ctx, root)
		if err != nil {
			return fmt.Errorf("manager: build tree: %w", err)
		}

		if m.isCancelled() {
			if err := m.cancelNonTerminal(ctx, tree); err != nil {
				return err
			}
			tree, err = m.repo.BuildTree(ctx, root)
			if err != nil {
				return fmt.Errorf("manager: rebuild tree after cancel: %w", err)
			}
			tree.Rollup()
			if err := m.persistAncestor(ctx, tree); err != nil {
				return err
			}
			m.emit(ctx, tree, true)
			m.cfg.RunTreeFailedHooks(ctx, tree.Task)
			return nil
		}

		flat := tree.Flatten()
		allTasks := make([]*taskflow.Task, 0, len(flat))
		for _, n := range flat {
			allTasks = append(allTasks, n.Task)
		}

		// Frontier collection and dependency resolution read the persisted
		// statuses, so an executable parent already completed by an earlier
		// sweep is not re-dispatched when its children's roll-up would read
		// pending. Rollup only mutates the tree after dispatch is decided.
		frontier := m.collectFrontier(flat, allTasks)
		if len(frontier) > 0 {
			m.dispatchRound(ctx, frontier, allTasks)
			m.persistInterimProgress(ctx, root)
			continue
		}

		if status, _ := tree.Computed(); status.IsTerminal() {
			tree.Rollup()
			if err := m.persistAncestor(ctx, tree); err != nil {
				return err
			}
			m.emit(ctx, tree, true)
			if tree.Task.Status == taskflow.StatusCompleted {
				m.cfg.RunTreeCompletedHooks(ctx, tree.Task)
			} else {
				m.cfg.RunTreeFailedHooks(ctx, tree.Task)
			}
			return nil
		}

		if stuck := m.isDeadlocked(flat); stuck {
			return fmt.Errorf("manager: dependency deadlock in tree %s", m.rootID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// persistInterimProgress writes the rolled-up progress of every non-leaf
// node after a dispatch round, keeping each row's persisted status
// untouched so an executed parent's completed row is never regressed by
// its still-pending children's roll-up.
func (m *Manager) persistInterimProgress(ctx context.Context, root *taskflow.Task) {
	tree, err := m.repo.BuildTree(ctx, root)
	if err != nil {
		slog.Warn("manager: interim progress rebuild failed", "root_id", m.rootID, "error", err)
		return
	}
	tree.Walk(func(n *taskflow.TreeNode) {
		if len(n.Children) == 0 {
			return
		}
		_, progress := n.Computed()
		if progress == n.Task.Progress {
			return
		}
		if _, err := m.repo.UpdateStatus(ctx, n.Task.ID, store.StatusUpdate{
			Status:   n.Task.Status,
			Progress: &progress,
		}); err != nil {
			slog.Warn("manager: interim progress persist failed", "task_id", n.Task.ID, "error", err)
		}
	})
}

// collectFrontier returns the pending tasks whose dependencies are
// satisfied (§4.5, §4.7.1 step 1). A node with children is dispatchable
// only when it names an executor itself; a method-less parent is a pure
// aggregate whose status and progress come from roll-up alone.
func (m *Manager) collectFrontier(flat []*taskflow.TreeNode, allTasks []*taskflow.Task) []*taskflow.TreeNode {
	var frontier []*taskflow.TreeNode
	for _, n := range flat {
		if !dispatchable(n) {
			continue
		}
		if n.Task.Status != taskflow.StatusPending {
			continue
		}
		if resolver.AreSatisfied(context.Background(), n.Task, allTasks, nil) {
			frontier = append(frontier, n)
		}
	}
	return frontier
}

func dispatchable(n *taskflow.TreeNode) bool {
	return len(n.Children) == 0 || n.Task.Schemas.Method != ""
}

// isDeadlocked reports whether no dispatchable task can ever become
// ready: every still-pending dispatchable node is blocked on a
// dependency that will never complete (its target has failed/cancelled,
// or doesn't exist).
func (m *Manager) isDeadlocked(flat []*taskflow.TreeNode) bool {
	statusByID := make(map[string]taskflow.Status, len(flat))
	for _, n := range flat {
		statusByID[n.Task.ID] = n.Task.Status
	}
	for _, n := range flat {
		if !dispatchable(n) || n.Task.Status != taskflow.StatusPending {
			continue
		}
		for _, dep := range n.Task.Dependencies {
			if !dep.Required {
				continue
			}
			st, ok := statusByID[dep.ID]
			if !ok || st == taskflow.StatusFailed || st == taskflow.StatusCancelled {
				return true
			}
		}
	}
	return false
}

// dispatchRound runs executeSingle for every frontier node concurrently,
// bounded by maxParallel, and waits for the round to finish.
func (m *Manager) dispatchRound(ctx context.Context, frontier []*taskflow.TreeNode, tree []*taskflow.Task) {
	sem := make(chan struct{}, m.maxParallel)
	var wg sync.WaitGroup

	for _, node := range frontier {
		wg.Add(1)
		sem <- struct{}{}
		go func(n *taskflow.TreeNode) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("manager: panic in task execution", "task_id", n.Task.ID, "panic", r)
					now := time.Now().UTC()
					msg := fmt.Sprintf("panic: %v", r)
					_, _ = m.repo.UpdateStatus(ctx, n.Task.ID, store.StatusUpdate{
						Status: taskflow.StatusFailed, Error: &msg, CompletedAt: &now,
					})
				}
			}()
			m.executeSingle(ctx, n.Task, tree)
		}(node)
	}

	wg.Wait()
}

// executeSingle runs the full lifecycle of one task (§4.7.2).
func (m *Manager) executeSingle(ctx context.Context, t *taskflow.Task, tree []*taskflow.Task) {
	if m.isCancelled() {
		now := time.Now().UTC()
		_, _ = m.repo.UpdateStatus(ctx, t.ID, store.StatusUpdate{Status: taskflow.StatusCancelled, CompletedAt: &now})
		m.emitTask(ctx, t.ID, true)
		return
	}

	now := time.Now().UTC()
	if _, err := m.repo.UpdateStatus(ctx, t.ID, store.StatusUpdate{Status: taskflow.StatusInProgress, StartedAt: &now}); err != nil {
		slog.Error("manager: transition to in_progress failed", "task_id", t.ID, "error", err)
		return
	}
	m.emitTask(ctx, t.ID, false)

	inputs := resolver.Resolve(t, tree)
	t.Inputs = inputs
	if _, err := m.repo.UpdateInputs(ctx, t.ID, inputs); err != nil {
		slog.Error("manager: persist resolved inputs failed", "task_id", t.ID, "error", err)
	}

	m.cfg.RunPreHooks(ctx, t)
	inputs = t.Inputs
	if _, err := m.repo.UpdateInputs(ctx, t.ID, inputs); err != nil {
		slog.Error("manager: persist pre-hook inputs failed", "task_id", t.ID, "error", err)
	}

	cancelCheck := taskflow.CancelChecker(m.isCancelled)
	exec, err := m.executors.CreateExecutorInstance(t.Schemas.Method, inputs, t.Params, cancelCheck)
	if err != nil {
		m.failTask(ctx, t.ID, err.Error())
		return
	}

	m.mu.Lock()
	m.inFlight[t.ID] = exec
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, t.ID)
		m.mu.Unlock()
	}()

	result, err := exec.Execute(ctx, inputs)

	// A non-cancelable executor runs to completion; if cancellation was
	// signalled while it ran, the row still ends cancelled (§4.7.3),
	// keeping whatever result and token_usage the executor produced. This
	// also stops a late success from overwriting the cancelled status a
	// concurrent Cancel call already persisted.
	if m.isCancelled() {
		if err != nil {
			result.Error = err.Error()
		}
		result.Status = taskflow.ResultCancelled
		m.finishTask(ctx, t, inputs, result)
		return
	}

	if err != nil {
		m.failTask(ctx, t.ID, err.Error())
		return
	}

	m.finishTask(ctx, t, inputs, result)
}

func (m *Manager) failTask(ctx context.Context, taskID, message string) {
	now := time.Now().UTC()
	_, err := m.repo.UpdateStatus(ctx, taskID, store.StatusUpdate{
		Status: taskflow.StatusFailed, Error: &message, CompletedAt: &now,
	})
	if err != nil {
		slog.Error("manager: persist failure failed", "task_id", taskID, "error", err)
	}
	m.emitTask(ctx, taskID, true)
}

// finishTask persists the executor's terminal result per §4.7.2 steps 7-9.
func (m *Manager) finishTask(ctx context.Context, t *taskflow.Task, inputs map[string]any, result taskflow.ExecResult) {
	upd := store.StatusUpdate{}
	now := time.Now().UTC()
	upd.CompletedAt = &now

	switch result.Status {
	case taskflow.ResultSuccess, taskflow.ResultCompleted:
		progress := 1.0
		upd.Status = taskflow.StatusCompleted
		upd.Progress = &progress
		upd.Result = mergeTokenUsage(result.Result, result.TokenUsage)
	case taskflow.ResultFailed:
		upd.Status = taskflow.StatusFailed
		upd.Error = &result.Error
		if result.TokenUsage != nil {
			upd.Result = map[string]any{"token_usage": result.TokenUsage}
		}
	case taskflow.ResultCancelled:
		upd.Status = taskflow.StatusCancelled
		upd.Result = mergeTokenUsage(result.Result, result.TokenUsage)
		if result.Error != "" {
			upd.Error = &result.Error
		}
	default:
		upd.Status = taskflow.StatusFailed
		msg := fmt.Sprintf("unknown executor result status %q", result.Status)
		upd.Error = &msg
	}

	m.cfg.RunPostHooks(ctx, t, inputs, result.Result)

	if _, err := m.repo.UpdateStatus(ctx, t.ID, upd); err != nil {
		slog.Error("manager: persist terminal status failed", "task_id", t.ID, "error", err)
	}
	m.emitTask(ctx, t.ID, true)
}

func (m *Manager) cancelNonTerminal(ctx context.Context, tree *taskflow.TreeNode) error {
	var firstErr error
	tree.Walk(func(n *taskflow.TreeNode) {
		if n.Task.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		_, err := m.repo.UpdateStatus(ctx, n.Task.ID, store.StatusUpdate{
			Status: taskflow.StatusCancelled, CompletedAt: &now, Result: n.Task.Result,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// persistAncestor writes the rolled-up progress/status for every
// non-leaf node back to the repository.
func (m *Manager) persistAncestor(ctx context.Context, node *taskflow.TreeNode) error {
	var firstErr error
	node.Walk(func(n *taskflow.TreeNode) {
		if len(n.Children) == 0 {
			return
		}
		progress := n.Task.Progress
		_, err := m.repo.UpdateStatus(ctx, n.Task.ID, store.StatusUpdate{
			Status:   n.Task.Status,
			Progress: &progress,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (m *Manager) emitTask(ctx context.Context, taskID string, final bool) {
	if m.stream == nil {
		return
	}
	t, err := m.repo.GetTask(ctx, taskID)
	if err != nil || t == nil {
		return
	}
	m.stream(taskflow.NewStreamEvent(m.rootID, t, final))
}

func (m *Manager) emit(ctx context.Context, node *taskflow.TreeNode, final bool) {
	if m.stream == nil {
		return
	}
	m.stream(taskflow.NewStreamEvent(m.rootID, node.Task, final))
}
