package facade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/creator"
	"github.com/apflow/taskflow/executors"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/store"
	"github.com/apflow/taskflow/store/memstore"
	"github.com/apflow/taskflow/store/sessionpool"
)

type scriptedExecutor struct {
	result taskflow.ExecResult
}

func (e scriptedExecutor) Execute(ctx context.Context, inputs map[string]any) (taskflow.ExecResult, error) {
	return e.result, nil
}
func (e scriptedExecutor) InputSchema() map[string]any { return nil }

func registerNoop(t *testing.T, reg *registry.ExecutorRegistry) {
	t.Helper()
	require.NoError(t, reg.Register(&registry.Extension{
		ID:   "noop",
		Type: "noop",
		Factory: func(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
			return scriptedExecutor{result: taskflow.ExecResult{Status: taskflow.ResultSuccess, Result: map[string]any{"ok": true}}}, nil
		},
	}))
}

func TestExecuteTasksCreatesAndRuns(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	cfg := config.New()

	var created bool
	cfg.AddTreeCreatedHook(func(ctx context.Context, root *taskflow.Task) { created = true })

	f := New(repo, cfg, reg, nil)

	rootID, leafID := "root-1", "leaf-1"
	specs := []creator.TaskSpec{
		{ID: rootID, Name: "root"},
		{ID: leafID, ParentID: &rootID, Name: "leaf", Schemas: taskflow.Schemas{Method: "noop"}},
	}

	result, err := f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, result.Status)
	assert.Equal(t, rootID, result.RootTaskID)
	assert.Equal(t, 1.0, result.Progress)
	assert.True(t, created)
	assert.Equal(t, 0, f.GetRunningTasksCount())
}

func TestExecuteTasksLoadsExistingWhenRequired(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	cfg := config.New()
	cfg.SetRequireExistingTasks(true)

	rootID := "existing-root"
	_, err := repo.CreateTask(context.Background(), &taskflow.Task{
		ID: rootID, Name: "root", Status: taskflow.StatusPending,
		Schemas: taskflow.Schemas{Method: "noop"},
	})
	require.NoError(t, err)

	f := New(repo, cfg, reg, nil)
	result, err := f.ExecuteTasks(context.Background(), []creator.TaskSpec{{ID: rootID}}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, result.Status)
}

func TestCancelTaskOnTerminalIsNoop(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	cfg := config.New()
	f := New(repo, cfg, reg, nil)

	_, err := repo.CreateTask(context.Background(), &taskflow.Task{ID: "t1", Name: "t1", Status: taskflow.StatusPending})
	require.NoError(t, err)
	progress := 1.0
	_, err = repo.UpdateStatus(context.Background(), "t1", store.StatusUpdate{Status: taskflow.StatusCompleted, Progress: &progress})
	require.NoError(t, err)

	result, err := f.CancelTask(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, result.Status)
	assert.Contains(t, result.Message, "terminal")
}

func TestLoadTreeReturnsCurrentSnapshot(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	f := New(repo, config.New(), reg, nil)

	rootID, leafID := "root-2", "leaf-2"
	specs := []creator.TaskSpec{
		{ID: rootID, Name: "root"},
		{ID: leafID, ParentID: &rootID, Name: "leaf", Schemas: taskflow.Schemas{Method: "noop"}},
	}
	_, err := f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)

	tree, err := f.LoadTree(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, tree.Task.Status)
	assert.Len(t, tree.Children, 1)
}

func TestExecuteTaskTreeUsesSessionPoolAndSurfacesLimitExceeded(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	cfg := config.New()
	f := New(repo, cfg, reg, nil)

	pool := sessionpool.New(
		func(ctx context.Context) (store.Driver, error) { return repo, nil },
		sessionpool.WithLimit(1),
	)
	defer pool.Shutdown()
	f.SetSessionPool(pool)

	// Occupy the pool's only slot before the tree run tries to acquire
	// its own session.
	_, err := pool.Acquire(context.Background(), "blocker")
	require.NoError(t, err)

	rootID, leafID := "root-3", "leaf-3"
	specs := []creator.TaskSpec{
		{ID: rootID, Name: "root"},
		{ID: leafID, ParentID: &rootID, Name: "leaf", Schemas: taskflow.Schemas{Method: "noop"}},
	}

	_, err = f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sessionpool.ErrSessionLimitExceeded)

	require.NoError(t, pool.Release("blocker"))

	result, err := f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, result.Status)
}

func TestExecuteTasksMapsDependencyFieldsThroughSchema(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	require.NoError(t, reg.Register(&registry.Extension{
		ID: executors.SystemInfoMethod, Type: executors.SystemInfoMethod, Factory: executors.NewSystemInfo,
	}))
	require.NoError(t, reg.Register(&registry.Extension{
		ID: executors.AggregatorMethod, Type: executors.AggregatorMethod, Factory: executors.NewAggregator,
	}))

	f := New(repo, config.New(), reg, nil)

	producerID := "producer"
	specs := []creator.TaskSpec{
		{ID: producerID, Name: "producer",
			Schemas: taskflow.Schemas{Method: executors.SystemInfoMethod},
			Inputs:  map[string]any{"resource": "cpu"}},
		{ID: "consumer", ParentID: &producerID, Name: "consumer",
			Dependencies: []taskflow.Dependency{{ID: producerID, Required: true}},
			Schemas: taskflow.Schemas{
				Method: executors.AggregatorMethod,
				InputSchema: map[string]any{
					"properties": map[string]any{"cores": map[string]any{}, "system": map[string]any{}},
				},
			},
			Inputs: map[string]any{}},
	}

	result, err := f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, taskflow.StatusCompleted, result.Status)

	consumer, err := repo.GetTask(context.Background(), "consumer")
	require.NoError(t, err)
	assert.Contains(t, consumer.Inputs, "cores")
	assert.Contains(t, consumer.Inputs, "system")
	assert.Contains(t, consumer.Result, "cores")
}

func TestExecuteTasksFiltersUnknownExtraColumns(t *testing.T) {
	repo := memstore.New()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	cfg := config.New()
	cfg.SetRowDescriptor(config.RowDescriptor{ExtraColumns: map[string]bool{"project_id": true}})

	f := New(repo, cfg, reg, nil)

	rootID := "root-4"
	specs := []creator.TaskSpec{
		{ID: rootID, Name: "root", Schemas: taskflow.Schemas{Method: "noop"},
			Extra: map[string]any{"project_id": "p1", "rogue": "dropped"}},
	}
	_, err := f.ExecuteTasks(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)

	stored, err := repo.GetTask(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, "p1", stored.Extra["project_id"])
	assert.NotContains(t, stored.Extra, "rogue")
}

func TestDefaultFacadeSingleton(t *testing.T) {
	repo := memstore.New()
	f := New(repo, config.New(), registry.NewExecutorRegistry(), nil)
	SetDefault(f)
	assert.Same(t, f, Default())
}
