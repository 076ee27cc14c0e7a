// Package executors provides a handful of reference executor plugins
// that exercise the core engine end-to-end: system_info (a synchronous
// demo reporter), aggregator (a merge-and-passthrough step used by the
// dependency-resolver scenarios in spec.md §8), and sleep (a cancelable
// demo executor honoring config.Registry's demo sleep scale). None of
// these are part of the core (spec.md §1 explicitly scopes concrete
// executor plugins out); they exist only so the registry, resolver, and
// manager have something real to dispatch to in tests and in
// cmd/taskflowd's demo mode.
package executors

import (
	"context"
	"fmt"
	"runtime"

	"github.com/apflow/taskflow"
)

// SystemInfoMethod is the registry id/type for the system-info executor,
// matching the "system_info" method used in spec.md §8 scenario 1.
const SystemInfoMethod = "system_info"

// systemInfo reports a small synthesized snapshot for the resource named
// in its inputs, grounded on the teacher's pattern of a small,
// side-effect-free reporter task (ai/agents/orchestrator/executor.go's
// direct-response short-circuit: no registry/agent dispatch needed for
// a trivial task).
type systemInfo struct {
	inputs map[string]any
}

// NewSystemInfo builds the system_info executor's factory, suitable for
// registry.Extension.Factory.
func NewSystemInfo(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
	return &systemInfo{inputs: inputs}, nil
}

func (e *systemInfo) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"resource": map[string]any{"type": "string", "enum": []string{"cpu", "memory"}},
		},
		"required": []string{"resource"},
	}
}

func (e *systemInfo) Execute(ctx context.Context, inputs map[string]any) (taskflow.ExecResult, error) {
	resource, _ := inputs["resource"].(string)

	switch resource {
	case "cpu":
		return taskflow.ExecResult{
			Status: taskflow.ResultSuccess,
			Result: map[string]any{
				"cores":  runtime.NumCPU(),
				"system": runtime.GOOS + "/" + runtime.GOARCH,
			},
		}, nil
	case "memory":
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return taskflow.ExecResult{
			Status: taskflow.ResultSuccess,
			Result: map[string]any{
				"alloc_bytes": m.Alloc,
				"system":      runtime.GOOS + "/" + runtime.GOARCH,
			},
		}, nil
	default:
		return taskflow.ExecResult{}, fmt.Errorf("executors: system_info: unknown resource %q", resource)
	}
}
