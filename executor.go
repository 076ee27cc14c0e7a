package taskflow

import "context"

// Terminal executor result statuses, per §6.1.
const (
	ResultSuccess   = "success"
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// ExecResult is the map an executor returns from Execute or Cancel.
type ExecResult struct {
	Status     string
	Result     map[string]any
	Error      string
	TokenUsage map[string]any
}

// isSuccess reports whether r represents terminal success (§4.7.2 step 7).
func (r ExecResult) isSuccess() bool {
	return r.Status == ResultSuccess || r.Status == ResultCompleted
}

// Executor is the plugin contract every task dispatches to, selected by
// schemas.method (§6.1). Implementations are constructed fresh per task
// execution by the registry's factory.
type Executor interface {
	// Execute performs the task's work. It must honor ctx cancellation and
	// must not reach outside the provided inputs for state.
	Execute(ctx context.Context, inputs map[string]any) (ExecResult, error)

	// InputSchema describes the inputs this executor accepts, as a
	// JSON-schema-shaped map.
	InputSchema() map[string]any
}

// Cancelable is implemented by executors that can react to mid-flight
// cancellation instead of running to completion. The manager only calls
// Cancel on executors that satisfy this interface (§4.7.3).
type Cancelable interface {
	Cancel(ctx context.Context) (ExecResult, error)
}

// CancelChecker is handed to an executor at construction time so it can
// poll for cooperative cancellation without touching the repository or the
// manager directly (§4.7.2 step 5).
type CancelChecker func() bool
