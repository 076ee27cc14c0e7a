package executors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
)

// SleepMethod is the registry id/type for the demo sleep executor.
const SleepMethod = "sleep"

// sleep is a cancelable demo executor: it sleeps for inputs["seconds"]
// (scaled by config.Registry.DemoSleepScale, §4.4) and then succeeds,
// polling the cancellation checker so a mid-flight cancel takes effect
// promptly instead of only being observed after the full sleep.
type sleep struct {
	seconds     float64
	cancelCheck taskflow.CancelChecker
	cancelled   chan struct{}
	cancelOnce  sync.Once
}

// NewSleepFactory binds cfg so the returned factory scales every sleep
// executor's delay by the process-wide demo_sleep_scale knob, mirroring
// the teacher's pattern of closing over shared config when registering
// a callback rather than re-reading a global on every call.
func NewSleepFactory(cfg *config.Registry) func(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
	return func(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
		seconds, _ := inputs["seconds"].(float64)
		if seconds <= 0 {
			seconds = 1
		}
		return &sleep{
			seconds:     seconds * cfg.DemoSleepScale(),
			cancelCheck: cancelCheck,
			cancelled:   make(chan struct{}),
		}, nil
	}
}

func (e *sleep) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"seconds": map[string]any{"type": "number"}},
	}
}

func (e *sleep) Execute(ctx context.Context, inputs map[string]any) (taskflow.ExecResult, error) {
	timer := time.NewTimer(time.Duration(e.seconds * float64(time.Second)))
	defer timer.Stop()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return taskflow.ExecResult{Status: taskflow.ResultSuccess, Result: map[string]any{"slept_seconds": e.seconds}}, nil
		case <-ctx.Done():
			return taskflow.ExecResult{}, fmt.Errorf("executors: sleep: %w", ctx.Err())
		case <-e.cancelled:
			return taskflow.ExecResult{Status: taskflow.ResultCancelled, Result: map[string]any{"slept_seconds": e.seconds}}, nil
		case <-ticker.C:
			if e.cancelCheck != nil && e.cancelCheck() {
				e.signalCancel()
			}
		}
	}
}

func (e *sleep) signalCancel() {
	e.cancelOnce.Do(func() { close(e.cancelled) })
}

// Cancel implements taskflow.Cancelable: it unblocks Execute's select
// loop immediately instead of waiting for the next ticker tick.
func (e *sleep) Cancel(ctx context.Context) (taskflow.ExecResult, error) {
	e.signalCancel()
	return taskflow.ExecResult{Status: taskflow.ResultCancelled, Error: "sleep executor cancelled"}, nil
}
