package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/flowline-dev/flowline/workflow/expr"
)

const maxFixBackoff = 30 * time.Second

// newFixBackoff builds the schedule used between validation attempts:
// exponential from one second, capped. Swapped out by tests.
var newFixBackoff = func() retry.Backoff {
	return retry.WithCappedDuration(maxFixBackoff, retry.NewExponential(time.Second))
}

// stageResult is the outcome of one validation stage run.
type stageResult struct {
	Name   string
	Passed bool
	Errors []string
	Output any
}

// execValidate runs the step's validation stages and, on failure, a bounded
// fix-and-retry loop: summarize the failing stages into a fix prompt,
// invoke the configured fixer agent, back off, and re-run the stages. Fixer
// errors are recorded as failed fix attempts but never abort the loop; only
// validation success or attempts exhausted stops it. There is no backoff
// before the very first attempt.
func (r *run) execValidate(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	maxAttempts := s.Retry + 1
	backoff := newFixBackoff()

	var fixes []map[string]any
	var lastStages []stageResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			fixes = append(fixes, r.invokeFixer(ctx, s, attempt, lastStages))
			delay, _ := backoff.Next()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		stages, passed := r.runStages(ctx, s, ec, attempt)
		lastStages = stages
		if passed {
			r.logger.Debug("validation passed",
				zap.String("step", s.Name), zap.Int("attempt", attempt))
			return validationOutput(true, attempt, fixes, stages), nil
		}
		r.logger.Warn("validation attempt failed",
			zap.String("step", s.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)
	}

	if s.OnFailure != nil {
		if _, err := r.execStep(ctx, s.OnFailure, ec); err != nil {
			r.logger.Error("on_failure step failed",
				zap.String("step", s.OnFailure.Name), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("validation failed after %d attempt(s): %s",
		maxAttempts, summarizeFailures(lastStages))
}

// runStages executes every listed stage (all of them, even after a
// failure, so the fix prompt can summarize the full picture) and emits the
// preflight event sequence around them.
func (r *run) runStages(ctx context.Context, s *Step, ec *ExecutionContext, attempt int) ([]stageResult, bool) {
	r.emit(Event{Type: EventPreflightStarted, Step: s.Name, Attempt: attempt,
		Depth: r.depth, Workflow: r.file.Name})

	results := make([]stageResult, 0, len(s.Stages))
	allPassed := true
	for _, name := range s.Stages {
		res := r.runStage(ctx, name, ec)
		results = append(results, res)
		if res.Passed {
			r.emit(Event{Type: EventPreflightCheckPassed, Step: s.Name, Check: name,
				Attempt: attempt, Depth: r.depth, Workflow: r.file.Name})
		} else {
			allPassed = false
			r.emit(Event{Type: EventPreflightCheckFailed, Step: s.Name, Check: name,
				Attempt: attempt, Error: strings.Join(res.Errors, "; "),
				Depth: r.depth, Workflow: r.file.Name})
		}
	}

	r.emit(Event{Type: EventPreflightCompleted, Step: s.Name, Attempt: attempt,
		Success: allPassed, Depth: r.depth, Workflow: r.file.Name})
	return results, allPassed
}

// runStage calls one stage action. The stage receives the accumulated
// inputs and step outputs; it fails by returning an error or a map with
// passed=false and an errors list.
func (r *run) runStage(ctx context.Context, name string, ec *ExecutionContext) stageResult {
	v, ok := r.exec.registry.Get(KindActions, name)
	if !ok {
		return stageResult{Name: name, Errors: []string{fmt.Sprintf("validation stage %q is not registered", name)}}
	}
	action, ok := v.(Action)
	if !ok {
		return stageResult{Name: name, Errors: []string{fmt.Sprintf("validation stage %q has unexpected type %T", name, v)}}
	}

	out, err := action(ctx, map[string]any{
		"inputs":       ec.Inputs(),
		"step_outputs": plainOutputs(ec.StepOutputs()),
	})
	if err != nil {
		return stageResult{Name: name, Errors: []string{err.Error()}, Output: out}
	}

	res := stageResult{Name: name, Passed: true, Output: out}
	if m, ok := out.(map[string]any); ok {
		if passed, ok := m["passed"].(bool); ok && !passed {
			res.Passed = false
			if errs, ok := m["errors"].([]any); ok {
				for _, e := range errs {
					res.Errors = append(res.Errors, expr.Stringify(e))
				}
			}
			if len(res.Errors) == 0 {
				res.Errors = []string{"stage reported failure"}
			}
		}
	}
	return res
}

// invokeFixer builds a fix prompt from the failing stages and invokes the
// step's fixer agent. The outcome is recorded either way; a fixer error
// does not abort the retry loop.
func (r *run) invokeFixer(ctx context.Context, s *Step, attempt int, stages []stageResult) map[string]any {
	record := map[string]any{
		"attempt":   attempt,
		"succeeded": false,
	}
	if s.Fixer == "" {
		record["description"] = "no fixer configured, re-running validation"
		return record
	}

	prompt := buildFixPrompt(attempt, stages)
	v, ok := r.exec.registry.Get(KindAgents, s.Fixer)
	if !ok {
		record["description"] = fmt.Sprintf("fixer agent %q is not registered", s.Fixer)
		return record
	}
	agent, ok := v.(Agent)
	if !ok {
		record["description"] = fmt.Sprintf("fixer agent %q has unexpected type %T", s.Fixer, v)
		return record
	}

	stream := func(chunk string) {
		r.emit(Event{Type: EventAgentStreamChunk, Step: s.Name, Chunk: chunk,
			Depth: r.depth, Workflow: r.file.Name})
	}
	var failing []any
	for _, st := range stages {
		if !st.Passed {
			failing = append(failing, map[string]any{"stage": st.Name, "errors": toAnySlice(st.Errors)})
		}
	}
	out, err := agent(ctx, map[string]any{
		"prompt":  prompt,
		"attempt": attempt,
		"errors":  failing,
	}, stream)
	if err != nil {
		r.logger.Warn("fixer agent failed", zap.String("fixer", s.Fixer), zap.Error(err))
		record["description"] = fmt.Sprintf("fixer %q failed: %v", s.Fixer, err)
		return record
	}
	record["succeeded"] = true
	record["description"] = expr.Stringify(out)
	return record
}

func buildFixPrompt(attempt int, stages []stageResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Validation failed (fix attempt %d). Failing checks:\n", attempt-1)
	for _, st := range stages {
		if st.Passed {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", st.Name, strings.Join(st.Errors, "; "))
	}
	sb.WriteString("Fix the reported issues without changing intended behavior, then the checks will run again.")
	return sb.String()
}

func summarizeFailures(stages []stageResult) string {
	var parts []string
	for _, st := range stages {
		if !st.Passed {
			parts = append(parts, st.Name+": "+strings.Join(st.Errors, "; "))
		}
	}
	if len(parts) == 0 {
		return "no stage results recorded"
	}
	return strings.Join(parts, "; ")
}

// validationOutput converts the outcome into a plain map so downstream
// expressions can address it (steps.<name>.output.passed and friends).
func validationOutput(passed bool, attempts int, fixes []map[string]any, stages []stageResult) map[string]any {
	stageList := make([]any, len(stages))
	for i, st := range stages {
		stageList[i] = map[string]any{
			"name":   st.Name,
			"passed": st.Passed,
			"errors": toAnySlice(st.Errors),
		}
	}
	fixList := make([]any, len(fixes))
	for i, f := range fixes {
		fixList[i] = f
	}
	return map[string]any{
		"passed":       passed,
		"attempts":     attempts,
		"fix_attempts": fixList,
		"stages":       stageList,
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func plainOutputs(outputs map[string]expr.StepOutput) map[string]any {
	plain := make(map[string]any, len(outputs))
	for name, o := range outputs {
		plain[name] = map[string]any{"output": o.Output}
	}
	return plain
}
