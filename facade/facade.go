// Package facade implements the task executor facade (C8): the
// process-singleton entry point a transport adapter calls into. It
// resolves a task-array spec (or loads an existing tree), hands the
// result to a manager.Manager, tracks in-flight trees, and fires the
// tree-lifecycle hooks that bracket a whole run.
//
// SPEC_FULL.md places this component in the root `taskflow` package, to
// match the teacher's NewCCSessionManager-style "constructor over global
// init" preference. That placement is not possible in Go as implemented
// here: manager.Manager already imports the root taskflow package for
// Task/Status/TreeNode, so a facade living in that same package and
// importing manager would form an import cycle (taskflow -> manager ->
// taskflow). This package exists precisely to break that cycle; see
// DESIGN.md for the full note. Everything else about C8 — its public
// surface, its singleton, its hook-firing responsibilities — is
// implemented as specified.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/creator"
	"github.com/apflow/taskflow/manager"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/store"
	"github.com/apflow/taskflow/store/sessionpool"
)

// ExecutionResult is the summary returned once a tree reaches a
// terminal state, per spec.md §4.8's `{status, root_task_id, progress}`.
type ExecutionResult struct {
	Status     taskflow.Status `json:"status"`
	RootTaskID string          `json:"root_task_id"`
	Progress   float64         `json:"progress"`
}

// CancelResult is returned by CancelTask, per spec.md §4.8/§6.1's
// `{status, message, token_usage?, result?, error?}`.
type CancelResult struct {
	Status     taskflow.Status `json:"status"`
	Message    string          `json:"message"`
	TokenUsage map[string]any  `json:"token_usage,omitempty"`
	Result     map[string]any  `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ExecuteOptions controls one ExecuteTasks/ExecuteTaskTree call.
type ExecuteOptions struct {
	// UseStreaming and StreamCallback together enable streaming events;
	// StreamCallback is ignored if UseStreaming is false.
	UseStreaming   bool
	StreamCallback taskflow.StreamCallback

	// RequireExistingTasks overrides config.Registry.RequireExistingTasks
	// for this call only, when non-nil.
	RequireExistingTasks *bool

	// MaxParallel overrides manager.DefaultMaxParallel for this run.
	MaxParallel int
}

// runningTree is the bookkeeping the facade keeps for one in-flight run.
type runningTree struct {
	mgr    *manager.Manager
	cancel context.CancelFunc
}

// Facade is the process-singleton entry point (C8). Build one with New
// and reuse it; Default returns the package-wide instance wired by
// cmd/taskflowd at startup.
type Facade struct {
	cfg       *config.Registry
	executors *registry.ExecutorRegistry
	repo      store.Driver
	pool      *sessionpool.Pool

	mu      sync.RWMutex
	running map[string]*runningTree // keyed by root task id

	inFlightGauge prometheus.Gauge
	treeDuration  prometheus.Histogram
}

// New creates a Facade backed by repo for task persistence, cfg for
// hooks/flags, and executors for executor dispatch. reg may be nil to
// skip Prometheus registration (e.g. in tests).
func New(repo store.Driver, cfg *config.Registry, executors *registry.ExecutorRegistry, reg prometheus.Registerer) *Facade {
	f := &Facade{
		repo:      repo,
		cfg:       cfg,
		executors: executors,
		running:   make(map[string]*runningTree),
	}

	f.inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "facade",
		Name:      "trees_in_flight",
		Help:      "Number of task trees currently executing.",
	})
	f.treeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "facade",
		Name:      "tree_duration_seconds",
		Help:      "Wall-clock duration of a tree run from dispatch to terminal state.",
		Buckets:   prometheus.DefBuckets,
	})
	if reg != nil {
		reg.MustRegister(f.inFlightGauge, f.treeDuration)
	}
	return f
}

// SetSessionPool wires a session pool into the facade (C9), so that
// every tree run acquires one pooled database session for its lifetime
// (§4.9, §5) instead of dispatching directly against the facade's own
// repo handle. Call once at startup, before the first ExecuteTasks/
// ExecuteTaskTree call; nil disables pooling (the facade falls back to
// its own repo, which is also what happens if this is never called).
func (f *Facade) SetSessionPool(pool *sessionpool.Pool) {
	f.mu.Lock()
	f.pool = pool
	f.mu.Unlock()
}

var (
	defaultMu     sync.Mutex
	defaultFacade *Facade
)

// SetDefault installs f as the package-wide singleton returned by
// Default. Transports call this once at startup.
func SetDefault(f *Facade) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFacade = f
}

// Default returns the package-wide singleton installed by SetDefault,
// or nil if none has been installed yet.
func Default() *Facade {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultFacade
}

// ExecuteTasks validates (or loads) a task-array spec and runs it to
// completion, per spec.md §4.8. If RequireExistingTasks resolves true
// and the root spec (the one with no parent_id) carries an id, the tree
// rooted at that id is loaded from the repository
// instead of being (re)created.
func (f *Facade) ExecuteTasks(ctx context.Context, specs []creator.TaskSpec, opts ExecuteOptions) (*ExecutionResult, error) {
	requireExisting := f.cfg.RequireExistingTasks()
	if opts.RequireExistingTasks != nil {
		requireExisting = *opts.RequireExistingTasks
	}

	rootID, err := findRootSpecID(specs)
	if err != nil {
		return nil, err
	}

	if requireExisting && rootID != "" {
		root, err := f.repo.GetTask(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("facade: load existing root %s: %w", rootID, err)
		}
		if root == nil {
			return nil, fmt.Errorf("facade: require_existing_tasks set but root %s does not exist", rootID)
		}
		tree, err := f.repo.BuildTree(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("facade: build tree for existing root %s: %w", rootID, err)
		}
		return f.ExecuteTaskTree(ctx, tree, opts)
	}

	f.filterExtraColumns(specs)

	var tree *taskflow.TreeNode
	if f.cfg.UseTaskCreator() {
		tree, err = creator.Create(ctx, f.repo, specs)
		if err != nil {
			return nil, err
		}
	} else {
		tree, err = persistRaw(ctx, f.repo, specs)
		if err != nil {
			return nil, err
		}
	}

	f.cfg.RunTreeCreatedHooks(ctx, tree.Task)
	return f.ExecuteTaskTree(ctx, tree, opts)
}

// filterExtraColumns drops user-defined columns the active row
// descriptor does not declare, warning per dropped key rather than
// persisting fields no storage column backs.
func (f *Facade) filterExtraColumns(specs []creator.TaskSpec) {
	desc := f.cfg.RowDescriptor()
	for i := range specs {
		for name := range specs[i].Extra {
			if !desc.Accepts(name) {
				slog.Warn("facade: dropping unknown extra column", "task", specs[i].Name, "column", name)
				delete(specs[i].Extra, name)
			}
		}
	}
}

// findRootSpecID returns the id of the spec with no parent, if the
// caller pre-assigned ids (the "load existing" path requires this).
// Returns "" if specs are unidentified (ids will be assigned by the
// creator) without error — that simply means ExecuteTasks must create.
func findRootSpecID(specs []creator.TaskSpec) (string, error) {
	for _, s := range specs {
		if s.ParentID == nil || *s.ParentID == "" {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("facade: task spec array has no root (every spec carries a parent_id)")
}

// persistRaw writes specs to the repository as-is, without the
// creator's validation or id assignment, matching config.Registry's
// UseTaskCreator=false escape hatch (§4.4). Callers opting out of
// validation are trusted to have supplied a consistent, acyclic tree.
func persistRaw(ctx context.Context, repo store.Driver, specs []creator.TaskSpec) (*taskflow.TreeNode, error) {
	byID := make(map[string]*taskflow.Task, len(specs))
	var rootID string
	for i := range specs {
		s := &specs[i]
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
			return nil, fmt.Errorf("facade: persist raw task %s: %w", s.ID, err)
		}
		byID[created.ID] = created
		if s.ParentID == nil || *s.ParentID == "" {
			rootID = created.ID
		}
	}
	if rootID == "" {
		return nil, fmt.Errorf("facade: raw task array has no root")
	}
	root, err := repo.GetTask(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return repo.BuildTree(ctx, root)
}

// ExecuteTaskTree runs an already-materialized tree to completion
// (spec.md §4.8's lower-level entry point). It registers the run so
// IsTaskRunning/GetAllRunningTasks/CancelTask can observe it, fires
// metrics, and fires on_tree_completed/on_tree_failed via the manager
// itself (manager.Run already calls these at its return points, so the
// facade does not duplicate them).
func (f *Facade) ExecuteTaskTree(ctx context.Context, tree *taskflow.TreeNode, opts ExecuteOptions) (*ExecutionResult, error) {
	rootID := tree.Task.ID

	var stream taskflow.StreamCallback
	if opts.UseStreaming {
		stream = opts.StreamCallback
	}

	f.mu.RLock()
	pool := f.pool
	f.mu.RUnlock()

	repo := f.repo
	if pool != nil {
		sess, err := pool.Acquire(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("facade: acquire session for tree %s: %w", rootID, err)
		}
		defer func() { _ = pool.Release(rootID) }()
		repo = sess.Driver
	}

	mgr := manager.New(repo, f.executors, f.cfg, rootID, stream, opts.MaxParallel)
	runCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.running[rootID] = &runningTree{mgr: mgr, cancel: cancel}
	f.mu.Unlock()
	f.inFlightGauge.Inc()

	start := time.Now()
	defer func() {
		cancel()
		f.mu.Lock()
		delete(f.running, rootID)
		f.mu.Unlock()
		f.inFlightGauge.Dec()
		f.treeDuration.Observe(time.Since(start).Seconds())
	}()

	if err := mgr.Run(runCtx); err != nil {
		return nil, fmt.Errorf("facade: run tree %s: %w", rootID, err)
	}

	final, err := f.repo.GetTask(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("facade: reload root %s: %w", rootID, err)
	}
	return &ExecutionResult{Status: final.Status, RootTaskID: final.ID, Progress: final.Progress}, nil
}

// CancelTask signals cancellation for taskID and returns once the flag
// has been observed (or the executor's Cancel has returned), per
// spec.md §4.8/§9 ("make cancel_task safe to call repeatedly and on
// terminal tasks").
func (f *Facade) CancelTask(ctx context.Context, taskID string, errorMessage string) (*CancelResult, error) {
	t, err := f.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("facade: load task %s: %w", taskID, err)
	}
	if t == nil {
		return nil, fmt.Errorf("facade: task %s not found", taskID)
	}
	if t.Status.IsTerminal() {
		return &CancelResult{Status: t.Status, Message: "task is already in a terminal state"}, nil
	}

	root, err := f.repo.RootOf(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("facade: find root of %s: %w", taskID, err)
	}

	f.mu.RLock()
	rt, ok := f.running[root.ID]
	f.mu.RUnlock()
	if !ok {
		return &CancelResult{Status: t.Status, Message: "task's tree is not currently running"}, nil
	}

	if err := rt.mgr.Cancel(ctx, taskID); err != nil {
		return nil, fmt.Errorf("facade: cancel %s: %w", taskID, err)
	}

	updated, err := f.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("facade: reload cancelled task %s: %w", taskID, err)
	}
	result := &CancelResult{Status: updated.Status, Message: "cancellation requested"}
	if updated.Error != nil {
		result.Error = *updated.Error
	} else if errorMessage != "" {
		result.Error = errorMessage
	}
	if updated.Result != nil {
		if tu, ok := updated.Result["token_usage"].(map[string]any); ok {
			result.TokenUsage = tu
		}
		result.Result = updated.Result
	}
	return result, nil
}

// GetTask returns the current row for taskID, or nil if no such task
// exists — a read-only passthrough for transports that poll status.
func (f *Facade) GetTask(ctx context.Context, taskID string) (*taskflow.Task, error) {
	return f.repo.GetTask(ctx, taskID)
}

// LoadTree reconstructs the in-memory tree rooted at rootID directly
// from the repository, for read-only observers (e.g. cmd/taskflowtop)
// that want a current snapshot without subscribing to the stream.
func (f *Facade) LoadTree(ctx context.Context, rootID string) (*taskflow.TreeNode, error) {
	root, err := f.repo.GetTask(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("facade: load root %s: %w", rootID, err)
	}
	if root == nil {
		return nil, fmt.Errorf("facade: task %s not found", rootID)
	}
	return f.repo.BuildTree(ctx, root)
}

// IsTaskRunning reports whether taskID is currently dispatched to an
// executor in any in-flight tree.
func (f *Facade) IsTaskRunning(taskID string) bool {
	for _, id := range f.GetAllRunningTasks() {
		if id == taskID {
			return true
		}
	}
	return false
}

// GetAllRunningTasks returns the ids of every task currently dispatched
// to an executor, across every in-flight tree.
func (f *Facade) GetAllRunningTasks() []string {
	f.mu.RLock()
	trees := make([]*runningTree, 0, len(f.running))
	for _, rt := range f.running {
		trees = append(trees, rt)
	}
	f.mu.RUnlock()

	var ids []string
	for _, rt := range trees {
		ids = append(ids, rt.mgr.RunningTaskIDs()...)
	}
	return ids
}

// GetRunningTasksCount returns len(GetAllRunningTasks()).
func (f *Facade) GetRunningTasksCount() int {
	return len(f.GetAllRunningTasks())
}

// RefreshConfig exists for interface parity with spec.md §4.8. The
// facade holds cfg by pointer (see config.Registry's doc comment), so
// there is nothing stale to re-read; kept as a documented no-op per the
// REDESIGN FLAGS note in spec.md §9.
func (f *Facade) RefreshConfig() {
	f.cfg.RefreshConfig()
}
