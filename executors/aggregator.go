package executors

import (
	"context"

	"github.com/apflow/taskflow"
)

// AggregatorMethod is the registry id/type used by spec.md §8 scenario
// 2 ("Dependency field-mapping"): a task whose whole job is to receive
// the fields the resolver copied in from its dependencies and hand them
// back as its own result, so callers (and tests) can observe what the
// resolver actually wired through.
const AggregatorMethod = "aggregator"

// aggregator is grounded on the teacher's aggregator.go: that file
// merges multiple expert agents' text results into one response; this
// executor generalizes "merge" to "pass every resolved input straight
// through to result", which is all a dependency-mapping demo needs.
type aggregator struct{}

// NewAggregator builds the aggregator executor's factory.
func NewAggregator(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
	return &aggregator{}, nil
}

func (e *aggregator) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (e *aggregator) Execute(ctx context.Context, inputs map[string]any) (taskflow.ExecResult, error) {
	result := make(map[string]any, len(inputs))
	for k, v := range inputs {
		result[k] = v
	}
	return taskflow.ExecResult{Status: taskflow.ResultSuccess, Result: result}, nil
}
