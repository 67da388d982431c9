package workflow

// StepResult records one completed (or failed) top-level-visible step.
type StepResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkflowResult aggregates an entire execution.
//
// Invariant: Success is true exactly when every StepResult succeeded, and
// FailedStep is empty exactly when Success is true.
type WorkflowResult struct {
	Workflow        string       `json:"workflow"`
	Success         bool         `json:"success"`
	StepResults     []StepResult `json:"step_results"`
	FailedStep      string       `json:"failed_step,omitempty"`
	Error           string       `json:"error,omitempty"`
	// FinalOutput is the output of the most recently completed top-level
	// step.
	FinalOutput     any   `json:"final_output,omitempty"`
	TotalDurationMS int64 `json:"total_duration_ms"`
	Cancelled       bool  `json:"cancelled,omitempty"`
}
