package workflow

import "time"

// EventType identifies a workflow execution event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"

	EventValidationStarted   EventType = "validation_started"
	EventValidationCompleted EventType = "validation_completed"
	EventValidationFailed    EventType = "validation_failed"

	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"

	EventLoopIterationStarted   EventType = "loop_iteration_started"
	EventLoopIterationCompleted EventType = "loop_iteration_completed"

	EventAgentStreamChunk EventType = "agent_stream_chunk"

	EventPreflightStarted     EventType = "preflight_started"
	EventPreflightCheckPassed EventType = "preflight_check_passed"
	EventPreflightCheckFailed EventType = "preflight_check_failed"
	EventPreflightCompleted   EventType = "preflight_completed"
)

// Event is one entry of the ordered execution stream. Events are produced
// once and never mutated; exactly one subscriber per execution consumes
// them in emission order. Fields beyond Type are populated per event type.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	Workflow    string    `json:"workflow"`
	// Depth counts sub-workflow nesting; top-level events carry 0.
	Depth int `json:"depth,omitempty"`

	Step    string `json:"step,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Output  any    `json:"output,omitempty"`
	// Replayed marks synthetic StepCompleted events emitted while
	// restoring from a checkpoint.
	Replayed bool `json:"replayed,omitempty"`

	// Loop iteration fields.
	Iteration int    `json:"iteration,omitempty"`
	Label     string `json:"label,omitempty"`

	// Agent streaming.
	Chunk string `json:"chunk,omitempty"`

	// Preflight / validation stage fields.
	Check   string `json:"check,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Semantic validation payload.
	Issues []ValidationIssue `json:"issues,omitempty"`
}
