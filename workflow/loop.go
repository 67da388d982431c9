package workflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flowline-dev/flowline/workflow/expr"
)

// loopIteration is one schedulable unit of a loop step: an element of the
// for_each sequence, or a single body step in task fan-out mode.
type loopIteration struct {
	index   int
	label   string
	steps   []*Step
	item    any
	hasItem bool
}

// execLoop runs a loop step. With for_each, every element of the resolved
// sequence runs the full body with item/index bound; without it, each body
// step is one independent task. Up to MaxConcurrency iterations run
// concurrently (default 1, strictly sequential). Iteration events are
// emitted as each iteration starts and finishes, while the loop step is
// still executing, so observers see progress live.
//
// Fail-fast policy: iterations that have not started when a failure occurs
// are never started and emit no events; iterations already running are left
// to finish. The loop step then fails with the first failure's error.
func (r *run) execLoop(ctx context.Context, s *Step, ec *ExecutionContext) (any, error) {
	iterations, forEach, err := r.loopIterations(s, ec)
	if err != nil {
		return nil, err
	}
	if len(iterations) == 0 {
		if forEach {
			return []any{}, nil
		}
		return map[string]any{}, nil
	}

	maxConc := s.MaxConcurrency
	if maxConc < 1 {
		maxConc = 1
	}
	r.logger.Debug("executing loop",
		zap.String("step", s.Name),
		zap.Int("iterations", len(iterations)),
		zap.Int("max_concurrency", maxConc),
	)

	var outputs []any
	if maxConc == 1 {
		outputs, err = r.runLoopSequential(ctx, s, iterations, ec)
	} else {
		outputs, err = r.runLoopConcurrent(ctx, s, iterations, ec, maxConc)
	}
	if err != nil {
		return nil, err
	}

	if forEach {
		return outputs, nil
	}
	byTask := make(map[string]any, len(iterations))
	for _, it := range iterations {
		byTask[it.label] = outputs[it.index]
	}
	return byTask, nil
}

func (r *run) loopIterations(s *Step, ec *ExecutionContext) ([]loopIteration, bool, error) {
	if s.ForEach == "" {
		// Task fan-out: each body step is its own iteration, labeled by
		// the step name.
		iterations := make([]loopIteration, len(s.Steps))
		for i, step := range s.Steps {
			iterations[i] = loopIteration{index: i, label: step.Name, steps: []*Step{step}}
		}
		return iterations, false, nil
	}

	val, err := expr.ResolveValue(s.ForEach, ec.Expr())
	if err != nil {
		return nil, true, fmt.Errorf("resolve for_each: %w", err)
	}
	items, ok := val.([]any)
	if !ok {
		return nil, true, fmt.Errorf("for_each must resolve to a sequence, got %T", val)
	}
	iterations := make([]loopIteration, len(items))
	for i, item := range items {
		iterations[i] = loopIteration{
			index:   i,
			label:   iterationLabel(item, i),
			steps:   s.Steps,
			item:    item,
			hasItem: true,
		}
	}
	return iterations, true, nil
}

func (r *run) runLoopSequential(ctx context.Context, s *Step, iterations []loopIteration, ec *ExecutionContext) ([]any, error) {
	outputs := make([]any, len(iterations))
	for _, it := range iterations {
		if r.x.cancelFlag.Load() {
			return nil, ErrCancelled
		}
		r.emitIterStarted(s, it)
		out, err := r.runIteration(ctx, it, ec)
		r.emitIterCompleted(s, it, err)
		r.exec.metrics.observeIteration(err == nil)
		if err != nil {
			return nil, fmt.Errorf("iteration %q: %w", it.label, err)
		}
		outputs[it.index] = out
	}
	return outputs, nil
}

func (r *run) runLoopConcurrent(ctx context.Context, s *Step, iterations []loopIteration, ec *ExecutionContext, maxConc int) ([]any, error) {
	sem := semaphore.NewWeighted(int64(maxConc))
	outputs := make([]any, len(iterations))

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for _, it := range iterations {
		// Acquire before the fail-fast check so iterations launch in
		// index order and stop promptly once a failure is recorded.
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if failed() || r.x.cancelFlag.Load() {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(it loopIteration) {
			defer wg.Done()
			defer sem.Release(1)

			r.emitIterStarted(s, it)
			out, err := r.runIteration(ctx, it, ec)
			r.emitIterCompleted(s, it, err)
			r.exec.metrics.observeIteration(err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("iteration %q: %w", it.label, err)
				}
				return
			}
			outputs[it.index] = out
		}(it)
	}
	wg.Wait()

	if r.x.cancelFlag.Load() {
		return nil, ErrCancelled
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

// runIteration executes one iteration's step list against a derived child
// context. Iterations only read the shared state; their own records stay
// local to the child, so concurrent siblings never race.
func (r *run) runIteration(ctx context.Context, it loopIteration, parent *ExecutionContext) (any, error) {
	var child *ExecutionContext
	if it.hasItem {
		child = parent.ForIteration(it.item, it.index)
	} else {
		child = parent.Child()
	}

	var out any
	for _, step := range it.steps {
		if step.When != "" {
			pass, err := r.evalWhen(step.When, child)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
			if !pass {
				continue
			}
		}
		o, err := r.execStep(ctx, step, child)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		child.Record(step.Name, o)
		out = o
	}
	return out, nil
}

func (r *run) emitIterStarted(s *Step, it loopIteration) {
	r.emit(Event{
		Type: EventLoopIterationStarted, Step: s.Name,
		Iteration: it.index, Label: it.label,
		Depth: r.depth, Workflow: r.file.Name,
	})
}

func (r *run) emitIterCompleted(s *Step, it loopIteration, err error) {
	ev := Event{
		Type: EventLoopIterationCompleted, Step: s.Name,
		Iteration: it.index, Label: it.label, Success: err == nil,
		Depth: r.depth, Workflow: r.file.Name,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.emit(ev)
}

// iterationLabel derives a display label for a for_each element from common
// identifying keys, falling back to the stringified item.
func iterationLabel(item any, index int) string {
	if m, ok := item.(map[string]any); ok {
		for _, key := range []string{"name", "label", "phase", "title", "id"} {
			if v, ok := m[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	s := expr.Stringify(item)
	if s == "" {
		return strconv.Itoa(index)
	}
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}
