package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowline-dev/flowline/workflow/expr"
)

// execStep dispatches a step to its kind handler. The switch is exhaustive
// over the closed StepType set; new kinds extend the variant set and this
// dispatch together.
func (r *run) execStep(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	switch s.Type {
	case StepPython:
		return r.execPython(ctx, s, ec)
	case StepAgent, StepGenerate:
		return r.execAgent(ctx, s, ec)
	case StepValidate:
		return r.execValidate(ctx, s, ec)
	case StepSubworkflow:
		return r.execSubworkflow(ctx, s, ec)
	case StepBranch:
		return r.execBranch(ctx, s, ec)
	case StepLoop:
		return r.execLoop(ctx, s, ec)
	default:
		return nil, fmt.Errorf("unknown step type %q", s.Type)
	}
}

// execPython resolves kwargs templates and calls the named action.
// Action panics or errors become step failures, never crashes.
func (r *run) execPython(ctx context.Context, s *Step, ec *ExecutionContext) (out any, err error) {
	kwargs, err := resolveMap(s.Kwargs, ec.Expr())
	if err != nil {
		return nil, fmt.Errorf("resolve kwargs for action %q: %w", s.Action, err)
	}

	v, ok := r.exec.registry.Get(KindActions, s.Action)
	if !ok {
		return nil, fmt.Errorf("action %q is not registered", s.Action)
	}
	action, ok := v.(Action)
	if !ok {
		return nil, fmt.Errorf("action %q has unexpected type %T", s.Action, v)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action %q panicked: %v", s.Action, rec)
		}
	}()
	return action(ctx, kwargs)
}

// execAgent builds the agent context (static map or named builder), invokes
// the agent or generator, and forwards stream chunks as events while the
// step runs.
func (r *run) execAgent(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	kind := KindAgents
	what := "agent"
	if s.Type == StepGenerate {
		kind = KindGenerators
		what = "generator"
	}
	name := s.AgentName()

	input, err := r.buildAgentContext(ctx, s, ec)
	if err != nil {
		return nil, err
	}

	v, ok := r.exec.registry.Get(kind, name)
	if !ok {
		return nil, fmt.Errorf("%s %q is not registered", what, name)
	}
	agent, ok := v.(Agent)
	if !ok {
		return nil, fmt.Errorf("%s %q has unexpected type %T", what, name, v)
	}

	stream := func(chunk string) {
		r.emit(Event{Type: EventAgentStreamChunk, Step: s.Name, Chunk: chunk, Depth: r.depth, Workflow: r.file.Name})
	}
	out, err := agent(ctx, input, stream)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", what, name, err)
	}
	return out, nil
}

func (r *run) buildAgentContext(ctx context.Context, s *Step, ec *ExecutionContext) (map[string]any, error) {
	if s.ContextBuilder != "" {
		v, ok := r.exec.registry.Get(KindContextBuilders, s.ContextBuilder)
		if !ok {
			return nil, fmt.Errorf("context builder %q is not registered", s.ContextBuilder)
		}
		builder, ok := v.(ContextBuilder)
		if !ok {
			return nil, fmt.Errorf("context builder %q has unexpected type %T", s.ContextBuilder, v)
		}
		input, err := builder(ctx, ec.Inputs(), ec.StepOutputs())
		if err != nil {
			return nil, fmt.Errorf("context builder %q: %w", s.ContextBuilder, err)
		}
		return input, nil
	}
	return resolveMap(s.Context, ec.Expr())
}

// execSubworkflow resolves the input map and recursively runs the named
// workflow. Nested lifecycle events carry an incremented depth counter so
// subscribers can distinguish nesting.
func (r *run) execSubworkflow(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	v, ok := r.exec.registry.Get(KindWorkflows, s.Workflow)
	if !ok {
		return nil, fmt.Errorf("sub-workflow %q is not registered", s.Workflow)
	}
	sub, ok := v.(*File)
	if !ok {
		return nil, fmt.Errorf("sub-workflow %q has unexpected type %T", s.Workflow, v)
	}

	rawInputs, err := resolveMap(s.Inputs, ec.Expr())
	if err != nil {
		return nil, fmt.Errorf("resolve inputs for sub-workflow %q: %w", s.Workflow, err)
	}
	inputs, err := resolveInputs(sub, rawInputs)
	if err != nil {
		return nil, err
	}

	subRun := &run{
		exec:   r.exec,
		x:      r.x,
		file:   sub,
		depth:  r.depth + 1,
		logger: r.logger.With(zap.String("subworkflow", sub.Name)),
	}
	subRun.emit = func(ev Event) {
		if ev.Workflow == "" {
			ev.Workflow = sub.Name
		}
		if ev.Depth == 0 {
			ev.Depth = subRun.depth
		}
		r.emit(ev)
	}

	out, err := subRun.runNested(ctx, NewExecutionContext(inputs))
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %q failed: %w", s.Workflow, err)
	}
	return out, nil
}

// runNested executes a sub-workflow's step list inline: same fail-fast and
// when-gating semantics as the top level, but no checkpointing and no
// re-validation (the parent validated the registry reference up front).
func (r *run) runNested(ctx context.Context, ec *ExecutionContext) (any, error) {
	r.emit(Event{Type: EventWorkflowStarted})
	start := time.Now()

	var final any
	for _, step := range r.file.Steps {
		if r.x.cancelFlag.Load() {
			r.emit(Event{Type: EventWorkflowCompleted, Success: false, Error: ErrCancelled.Error()})
			return nil, ErrCancelled
		}
		if step.When != "" {
			pass, err := r.evalWhen(step.When, ec)
			if err != nil {
				r.emit(Event{Type: EventWorkflowCompleted, Success: false, Error: err.Error()})
				return nil, err
			}
			if !pass {
				continue
			}
		}

		r.emit(Event{Type: EventStepStarted, Step: step.Name})
		stepStart := time.Now()
		out, err := r.execStep(ctx, step, ec)
		r.exec.metrics.observeStep(step.Type, time.Since(stepStart), err == nil)
		if err != nil {
			r.emit(Event{Type: EventStepCompleted, Step: step.Name, Success: false, Error: err.Error()})
			r.emit(Event{Type: EventWorkflowCompleted, Success: false, Error: err.Error()})
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		ec.Record(step.Name, out)
		final = out
		r.emit(Event{Type: EventStepCompleted, Step: step.Name, Success: true, Output: out})
	}

	r.logger.Debug("nested workflow completed", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	r.emit(Event{Type: EventWorkflowCompleted, Success: true})
	return final, nil
}

// execBranch evaluates each option's condition in declared order and
// executes the first step whose condition holds (an absent condition is
// unconditional). No matching option is a no-op success.
func (r *run) execBranch(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	for i, opt := range s.Options {
		if opt.When != "" {
			pass, err := r.evalWhen(opt.When, ec)
			if err != nil {
				return nil, fmt.Errorf("branch option %d: %w", i, err)
			}
			if !pass {
				continue
			}
		}
		r.logger.Debug("branch selected option",
			zap.String("step", s.Name), zap.Int("option", i), zap.String("target", opt.Step.Name))
		out, err := r.execStep(ctx, opt.Step, ec)
		if err != nil {
			return nil, fmt.Errorf("branch option %q: %w", opt.Step.Name, err)
		}
		return out, nil
	}
	r.logger.Debug("branch matched no option", zap.String("step", s.Name))
	return nil, nil
}

// resolveMap resolves every template in a kwargs/context/inputs map,
// descending through nested maps and lists. A value that is exactly one
// expression keeps its resolved type.
func resolveMap(m map[string]any, ctx *expr.Context) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		rv, err := resolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, ctx *expr.Context) (any, error) {
	switch val := v.(type) {
	case string:
		return expr.ResolveValue(val, ctx)
	case map[string]any:
		return resolveMap(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
