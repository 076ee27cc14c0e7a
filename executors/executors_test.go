package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
)

func TestSystemInfoCPU(t *testing.T) {
	exec, err := NewSystemInfo(map[string]any{"resource": "cpu"}, nil, nil)
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), map[string]any{"resource": "cpu"})
	require.NoError(t, err)
	assert.Equal(t, taskflow.ResultSuccess, res.Status)
	assert.Contains(t, res.Result, "cores")
	assert.Contains(t, res.Result, "system")
}

func TestSystemInfoUnknownResource(t *testing.T) {
	exec, err := NewSystemInfo(nil, nil, nil)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), map[string]any{"resource": "disk"})
	assert.Error(t, err)
}

func TestAggregatorPassesInputsThrough(t *testing.T) {
	exec, err := NewAggregator(nil, nil, nil)
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), map[string]any{"cores": 4, "system": "linux/amd64"})
	require.NoError(t, err)
	assert.Equal(t, taskflow.ResultSuccess, res.Status)
	assert.Equal(t, 4, res.Result["cores"])
}

func TestSleepCompletesAndScalesByDemoSleepScale(t *testing.T) {
	cfg := config.New()
	cfg.SetDemoSleepScale(0.01) // keep the test fast
	factory := NewSleepFactory(cfg)

	exec, err := factory(map[string]any{"seconds": 1.0}, nil, func() bool { return false })
	require.NoError(t, err)

	start := time.Now()
	res, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, taskflow.ResultSuccess, res.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSleepCancelUnblocksExecute(t *testing.T) {
	cfg := config.New()
	factory := NewSleepFactory(cfg)

	cancelled := false
	exec, err := factory(map[string]any{"seconds": 10.0}, nil, func() bool { return cancelled })
	require.NoError(t, err)

	done := make(chan taskflow.ExecResult, 1)
	go func() {
		res, _ := exec.Execute(context.Background(), nil)
		done <- res
	}()

	time.Sleep(30 * time.Millisecond)
	cancelled = true

	select {
	case res := <-done:
		assert.Equal(t, taskflow.ResultCancelled, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep executor did not observe cancellation")
	}
}
