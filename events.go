package taskflow

import "time"

// StreamEvent is the shape emitted to observers on every state transition
// (§6.3). Consumers are transport adapters outside this module's scope.
type StreamEvent struct {
	TaskID     string         `json:"task_id"`
	ContextID  string         `json:"context_id"`
	Status     Status         `json:"status"`
	Progress   float64        `json:"progress"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	TokenUsage map[string]any `json:"token_usage,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Final      bool           `json:"final"`
}

// StreamCallback receives state-transition events for one tree execution.
// Invocations for a single task are made in the order of its state
// transitions (§5 ordering guarantees).
type StreamCallback func(event StreamEvent)

// NewStreamEvent builds the streaming event for t, to be emitted under
// contextID (the root task id of the tree being executed). final marks
// the last event a consumer should expect for this task within the run.
func NewStreamEvent(contextID string, t *Task, final bool) StreamEvent {
	return eventFromTask(contextID, t, final)
}

// eventFromTask builds the minimal streaming event for t.
func eventFromTask(contextID string, t *Task, final bool) StreamEvent {
	ev := StreamEvent{
		TaskID:    t.ID,
		ContextID: contextID,
		Status:    t.Status,
		Progress:  t.Progress,
		Timestamp: time.Now().UTC(),
		Final:     final,
	}
	if t.Status.IsTerminal() && t.Status == StatusCompleted {
		ev.Result = t.Result
	}
	if t.Error != nil {
		ev.Error = *t.Error
	}
	if tu, ok := t.Result["token_usage"].(map[string]any); ok {
		ev.TokenUsage = tu
	}
	return ev
}
