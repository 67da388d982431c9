package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowline-dev/flowline/workflow/expr"
)

// ErrNotExecuted is returned by Execution.Result before the event stream
// has been exhausted.
var ErrNotExecuted = errors.New("workflow has not been executed")

// ErrCancelled marks work abandoned because the execution was cancelled.
var ErrCancelled = errors.New("execution cancelled")

// Executor runs workflow files against a registry of named components.
// An Executor is stateless across calls; each Execute owns an independent
// ExecutionContext, so one Executor may serve concurrent executions.
type Executor struct {
	registry    Registry
	checkpoints CheckpointStore
	logger      *zap.Logger
	metrics     *Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithCheckpointStore enables checkpointing and resume.
func WithCheckpointStore(s CheckpointStore) ExecutorOption {
	return func(e *Executor) { e.checkpoints = s }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor bound to a component registry.
func NewExecutor(registry Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_executor"))
	return e
}

type executeConfig struct {
	skipValidation bool
	resume         bool
	onlyStep       int
	eventBuffer    int
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeConfig)

// SkipValidation disables the semantic validation pass.
func SkipValidation() ExecuteOption {
	return func(c *executeConfig) { c.skipValidation = true }
}

// WithResume restores state from the latest checkpoint when its recorded
// inputs match the current call's inputs.
func WithResume() ExecuteOption {
	return func(c *executeConfig) { c.resume = true }
}

// WithOnlyStep runs a single top-level step by index, still producing an
// end-to-end result and event stream.
func WithOnlyStep(index int) ExecuteOption {
	return func(c *executeConfig) { c.onlyStep = index }
}

// WithEventBuffer sets the event channel capacity; defaults to 64.
func WithEventBuffer(n int) ExecuteOption {
	return func(c *executeConfig) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// Execution is the handle to one running workflow. Exactly one consumer
// drains Events; the terminal event is always WorkflowCompleted, after
// which the channel closes and Result becomes available.
type Execution struct {
	// ID uniquely identifies this execute() call.
	ID string

	events     chan Event
	done       atomic.Bool
	cancelFlag atomic.Bool
	workCancel context.CancelFunc

	mu     sync.Mutex
	result *WorkflowResult
}

// Events returns the ordered event stream for this execution.
func (x *Execution) Events() <-chan Event { return x.events }

// Cancel requests cooperative cancellation. The flag is checked before
// each top-level step and before each new loop iteration; already-running
// work observes it through context cancellation.
func (x *Execution) Cancel() {
	x.cancelFlag.Store(true)
	if x.workCancel != nil {
		x.workCancel()
	}
}

// Cancelled reports whether cancellation was requested.
func (x *Execution) Cancelled() bool { return x.cancelFlag.Load() }

// Result returns the aggregated outcome. It fails with ErrNotExecuted
// until the event stream has been exhausted.
func (x *Execution) Result() (*WorkflowResult, error) {
	if !x.done.Load() {
		return nil, ErrNotExecuted
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result, nil
}

func (x *Execution) setResult(r *WorkflowResult) {
	x.mu.Lock()
	x.result = r
	x.mu.Unlock()
	x.done.Store(true)
}

// Execute starts a workflow run and returns immediately with its handle.
// The caller must drain Events until it closes.
func (e *Executor) Execute(ctx context.Context, f *File, inputs map[string]any, opts ...ExecuteOption) *Execution {
	cfg := executeConfig{onlyStep: -1, eventBuffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	workCtx, cancel := context.WithCancel(ctx)
	x := &Execution{
		ID:         uuid.NewString(),
		events:     make(chan Event, cfg.eventBuffer),
		workCancel: cancel,
	}

	go e.run(ctx, workCtx, x, f, inputs, cfg)
	return x
}

// run drives one execution to completion on its own goroutine.
func (e *Executor) run(ctx, workCtx context.Context, x *Execution, f *File, inputs map[string]any, cfg executeConfig) {
	defer close(x.events)
	defer x.workCancel()

	start := time.Now()
	result := &WorkflowResult{Workflow: f.Name}

	r := &run{
		exec:   e,
		x:      x,
		file:   f,
		logger: e.logger.With(zap.String("workflow", f.Name), zap.String("execution_id", x.ID)),
	}
	r.emit = func(ev Event) {
		ev.Timestamp = time.Now()
		ev.ExecutionID = x.ID
		if ev.Workflow == "" {
			ev.Workflow = f.Name
		}
		select {
		case x.events <- ev:
		case <-ctx.Done():
			// Consumer is gone; drop instead of leaking the goroutine.
		}
	}

	finish := func() {
		result.Success = result.FailedStep == "" && !result.Cancelled && result.Error == ""
		result.TotalDurationMS = time.Since(start).Milliseconds()
		e.metrics.observeExecution(result)
		// Emit the terminal event before publishing the result so Result()
		// keeps failing until the stream reaches WorkflowCompleted.
		r.emit(Event{Type: EventWorkflowCompleted, Success: result.Success, Error: result.Error})
		x.setResult(result)
		r.logger.Info("workflow finished",
			zap.Bool("success", result.Success),
			zap.Int("steps", len(result.StepResults)),
			zap.Int64("duration_ms", result.TotalDurationMS),
		)
	}

	r.logger.Info("starting workflow execution", zap.Int("steps", len(f.Steps)))

	resolved, err := resolveInputs(f, inputs)
	if err != nil {
		result.Error = err.Error()
		finish()
		return
	}

	if !cfg.skipValidation {
		r.emit(Event{Type: EventValidationStarted})
		vres := ValidateSemantics(f, e.registry)
		if !vres.Valid {
			r.logger.Error("semantic validation failed", zap.Int("errors", len(vres.Errors)))
			r.emit(Event{Type: EventValidationFailed, Issues: vres.Errors})
			result.Error = fmt.Sprintf("semantic validation failed with %d error(s): %s",
				len(vres.Errors), vres.Errors[0].String())
			finish()
			return
		}
		r.emit(Event{Type: EventValidationCompleted, Issues: vres.Warnings})
	}

	r.emit(Event{Type: EventWorkflowStarted})

	ec := NewExecutionContext(resolved)
	startIndex := 0
	if cfg.resume && e.checkpoints != nil {
		startIndex = r.restoreCheckpoint(ctx, ec, result, resolved)
	}

	indices := stepIndices(f, cfg, startIndex)
	for _, i := range indices {
		step := f.Steps[i]

		if x.cancelFlag.Load() {
			result.Cancelled = true
			result.Error = ErrCancelled.Error()
			break
		}

		if step.When != "" {
			pass, err := r.evalWhen(step.When, ec)
			if err != nil {
				r.failStep(result, step.Name, 0, err)
				break
			}
			if !pass {
				r.logger.Debug("step gated off, skipping", zap.String("step", step.Name))
				continue
			}
		}

		r.emit(Event{Type: EventStepStarted, Step: step.Name})
		r.logger.Debug("executing step",
			zap.String("step", step.Name), zap.String("type", string(step.Type)))

		stepStart := time.Now()
		out, err := r.execStep(workCtx, step, ec)
		duration := time.Since(stepStart)
		e.metrics.observeStep(step.Type, duration, err == nil)

		if err != nil {
			if x.cancelFlag.Load() && (errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)) {
				err = ErrCancelled
				result.Cancelled = true
			}
			r.failStep(result, step.Name, duration.Milliseconds(), err)
			break
		}

		ec.Record(step.Name, out)
		result.StepResults = append(result.StepResults, StepResult{
			Name:       step.Name,
			Success:    true,
			Output:     out,
			DurationMS: duration.Milliseconds(),
		})
		result.FinalOutput = out
		r.emit(Event{Type: EventStepCompleted, Step: step.Name, Success: true, Output: out})

		r.saveCheckpoint(ctx, result, resolved, i+1)
	}

	finish()
}

// failStep records a fail-fast step failure: remaining steps never run.
func (r *run) failStep(result *WorkflowResult, name string, durationMS int64, err error) {
	r.logger.Error("step failed", zap.String("step", name), zap.Error(err))
	result.StepResults = append(result.StepResults, StepResult{
		Name:       name,
		Success:    false,
		Error:      err.Error(),
		DurationMS: durationMS,
	})
	if !result.Cancelled {
		result.FailedStep = name
	}
	result.Error = err.Error()
	r.emit(Event{Type: EventStepCompleted, Step: name, Success: false, Error: err.Error()})
}

func stepIndices(f *File, cfg executeConfig, startIndex int) []int {
	if cfg.onlyStep >= 0 {
		if cfg.onlyStep >= len(f.Steps) {
			return nil
		}
		return []int{cfg.onlyStep}
	}
	indices := make([]int, 0, len(f.Steps))
	for i := startIndex; i < len(f.Steps); i++ {
		indices = append(indices, i)
	}
	return indices
}

// restoreCheckpoint pre-populates state from the latest checkpoint when the
// recorded inputs match; on mismatch the checkpoint is cleared and the run
// restarts from the beginning (a warning, not an error). Replayed steps are
// re-emitted as synthetic StepCompleted events so subscribers see a
// consistent history.
func (r *run) restoreCheckpoint(ctx context.Context, ec *ExecutionContext, result *WorkflowResult, inputs map[string]any) int {
	cp, err := r.exec.checkpoints.LoadLatest(ctx, r.file.Name)
	if errors.Is(err, ErrNoCheckpoint) {
		return 0
	}
	if err != nil {
		r.logger.Warn("failed to load checkpoint, starting fresh", zap.Error(err))
		return 0
	}
	if cp.InputsFingerprint != FingerprintInputs(inputs) {
		r.logger.Warn("checkpoint inputs do not match current inputs, restarting from the beginning",
			zap.String("checkpoint_id", cp.CheckpointID))
		if err := r.exec.checkpoints.Clear(ctx, r.file.Name); err != nil {
			r.logger.Warn("failed to clear stale checkpoint", zap.Error(err))
		}
		return 0
	}

	for _, sr := range cp.CompletedSteps {
		ec.Record(sr.Name, sr.Output)
		result.StepResults = append(result.StepResults, sr)
		result.FinalOutput = sr.Output
		r.emit(Event{Type: EventStepCompleted, Step: sr.Name, Success: true, Output: sr.Output, Replayed: true})
	}
	if cp.NextStepIndex > len(r.file.Steps) {
		return len(r.file.Steps)
	}
	r.logger.Info("resumed from checkpoint",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.Int("completed_steps", len(cp.CompletedSteps)),
	)
	return cp.NextStepIndex
}

// saveCheckpoint persists progress after a completed step. Checkpoint
// write failures are logged, not fatal: the run itself is still sound.
func (r *run) saveCheckpoint(ctx context.Context, result *WorkflowResult, inputs map[string]any, nextIndex int) {
	if r.exec.checkpoints == nil {
		return
	}
	cp := &Checkpoint{
		WorkflowName:      r.file.Name,
		CheckpointID:      uuid.NewString(),
		SavedAt:           time.Now(),
		InputsFingerprint: FingerprintInputs(inputs),
		CompletedSteps:    append([]StepResult(nil), result.StepResults...),
		NextStepIndex:     nextIndex,
	}
	if err := r.exec.checkpoints.Save(ctx, cp); err != nil {
		r.logger.Warn("failed to save checkpoint", zap.Error(err))
		return
	}
	r.exec.metrics.observeCheckpoint()
}

// resolveInputs merges declared defaults with the caller's inputs and
// enforces required declarations.
func resolveInputs(f *File, inputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}
	for name, spec := range f.Inputs {
		if _, ok := resolved[name]; ok {
			continue
		}
		if spec.Default != nil {
			resolved[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("workflow %s: required input %q was not provided", f.Name, name)
		}
	}
	return resolved, nil
}

// run is the per-execution state shared by the step handlers.
type run struct {
	exec   *Executor
	x      *Execution
	file   *File
	depth  int
	emit   func(Event)
	logger *zap.Logger
}

func (r *run) evalWhen(when string, ec *ExecutionContext) (bool, error) {
	val, err := expr.ResolveValue(when, ec.Expr())
	if err != nil {
		return false, fmt.Errorf("evaluate when condition: %w", err)
	}
	return expr.Truthy(val), nil
}
