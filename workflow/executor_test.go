package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(x *Execution) []Event {
	var evs []Event
	for ev := range x.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func eventTypes(evs []Event) []EventType {
	types := make([]EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func pipelineRegistry() *MapRegistry {
	reg := NewMapRegistry()
	reg.RegisterAction("uppercase", func(_ context.Context, kw map[string]any) (any, error) {
		text, _ := kw["text"].(string)
		return strings.ToUpper(text), nil
	})
	reg.RegisterAction("format", func(_ context.Context, kw map[string]any) (any, error) {
		return kw["text"], nil
	})
	return reg
}

func pipelineFile() *File {
	return &File{
		Name:    "pipeline",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"text": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "upper", Type: StepPython, Action: "uppercase",
				Kwargs: map[string]any{"text": "${{ inputs.text }}"}},
			{Name: "format", Type: StepPython, Action: "format",
				Kwargs: map[string]any{"text": "Result: ${{ steps.upper.output }}"}},
		},
	}
}

func TestExecuteTwoStepPipeline(t *testing.T) {
	exec := NewExecutor(pipelineRegistry())
	x := exec.Execute(context.Background(), pipelineFile(), map[string]any{"text": "hello world"})

	evs := collectEvents(x)
	require.Equal(t, []EventType{
		EventValidationStarted,
		EventValidationCompleted,
		EventWorkflowStarted,
		EventStepStarted,
		EventStepCompleted,
		EventStepStarted,
		EventStepCompleted,
		EventWorkflowCompleted,
	}, eventTypes(evs))

	for _, ev := range evs {
		assert.Equal(t, x.ID, ev.ExecutionID)
		assert.Equal(t, "pipeline", ev.Workflow)
		assert.False(t, ev.Timestamp.IsZero())
	}

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FailedStep)
	assert.Equal(t, "Result: HELLO WORLD", result.FinalOutput)
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, "upper", result.StepResults[0].Name)
	assert.Equal(t, "HELLO WORLD", result.StepResults[0].Output)
}

func TestResultBeforeExhaustion(t *testing.T) {
	release := make(chan struct{})
	reg := NewMapRegistry()
	reg.RegisterAction("wait", func(ctx context.Context, _ map[string]any) (any, error) {
		<-release
		return "done", nil
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "only", Type: StepPython, Action: "wait"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)

	_, err := x.Result()
	assert.ErrorIs(t, err, ErrNotExecuted)

	close(release)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestResultUnavailableUntilTerminalEvent(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterAction("ok", func(context.Context, map[string]any) (any, error) { return "fine", nil })
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "only", Type: StepPython, Action: "ok"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil,
		SkipValidation(), WithEventBuffer(1))

	// With a single-slot buffer the run goroutine parks on the
	// WorkflowCompleted send until we drain; the result must stay
	// unavailable for as long as the terminal event is unsent.
	assert.Equal(t, EventWorkflowStarted, (<-x.Events()).Type)
	assert.Equal(t, EventStepStarted, (<-x.Events()).Type)
	time.Sleep(50 * time.Millisecond)
	_, err := x.Result()
	assert.ErrorIs(t, err, ErrNotExecuted)

	assert.Equal(t, EventStepCompleted, (<-x.Events()).Type)
	assert.Equal(t, EventWorkflowCompleted, (<-x.Events()).Type)
	_, open := <-x.Events()
	require.False(t, open, "stream closes after the terminal event")

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecuteFailFast(t *testing.T) {
	var afterRan atomic.Bool
	reg := NewMapRegistry()
	reg.RegisterAction("ok", func(context.Context, map[string]any) (any, error) { return "fine", nil })
	reg.RegisterAction("boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("exploded")
	})
	reg.RegisterAction("after", func(context.Context, map[string]any) (any, error) {
		afterRan.Store(true)
		return nil, nil
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "first", Type: StepPython, Action: "ok"},
		{Name: "second", Type: StepPython, Action: "boom"},
		{Name: "third", Type: StepPython, Action: "after"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "second", result.FailedStep)
	assert.Contains(t, result.Error, "exploded")
	require.Len(t, result.StepResults, 2)
	assert.False(t, result.StepResults[1].Success)
	assert.False(t, afterRan.Load(), "steps after the failure must not run")

	for _, ev := range evs {
		assert.NotEqual(t, "third", ev.Step)
	}
	assert.Equal(t, EventWorkflowCompleted, evs[len(evs)-1].Type)
	assert.False(t, evs[len(evs)-1].Success)
}

func TestExecutePanicBecomesStepFailure(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterAction("panicky", func(context.Context, map[string]any) (any, error) {
		panic("surprise")
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "a", Type: StepPython, Action: "panicky"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
	assert.Contains(t, result.Error, "surprise")
}

func TestExecuteWhenGating(t *testing.T) {
	reg := pipelineRegistry()
	f := &File{
		Name:    "wf",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"shout": {Type: "boolean", Default: false}},
		Steps: []*Step{
			{Name: "always", Type: StepPython, Action: "format",
				Kwargs: map[string]any{"text": "hi"}},
			{Name: "gated", Type: StepPython, Action: "uppercase", When: "${{ inputs.shout }}",
				Kwargs: map[string]any{"text": "hi"}},
		},
	}

	x := NewExecutor(reg).Execute(context.Background(), f, map[string]any{"shout": false})
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.StepResults, 1, "gated step is omitted, not failed")
	assert.Equal(t, "always", result.StepResults[0].Name)
	assert.Equal(t, "hi", result.FinalOutput, "final output comes from the last step that ran")
	for _, ev := range evs {
		assert.NotEqual(t, "gated", ev.Step)
	}

	x = NewExecutor(reg).Execute(context.Background(), f, map[string]any{"shout": true})
	collectEvents(x)
	result, err = x.Result()
	require.NoError(t, err)
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, "HI", result.FinalOutput)
}

func TestExecuteCancellationBetweenSteps(t *testing.T) {
	handle := make(chan *Execution, 1)
	var started atomic.Int32

	reg := NewMapRegistry()
	reg.RegisterAction("work", func(context.Context, map[string]any) (any, error) {
		started.Add(1)
		return "ok", nil
	})
	reg.RegisterAction("work_then_cancel", func(context.Context, map[string]any) (any, error) {
		started.Add(1)
		x := <-handle
		x.Cancel()
		return "ok", nil
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "one", Type: StepPython, Action: "work"},
		{Name: "two", Type: StepPython, Action: "work_then_cancel"},
		{Name: "three", Type: StepPython, Action: "work"},
		{Name: "four", Type: StepPython, Action: "work"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	handle <- x
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Empty(t, result.FailedStep, "cancellation is not a step failure")
	require.Len(t, result.StepResults, 2)
	assert.Equal(t, int32(2), started.Load(), "steps after the cancel must never start")

	var terminal int
	for _, ev := range evs {
		if ev.Type == EventWorkflowCompleted {
			terminal++
		}
		assert.NotEqual(t, "three", ev.Step)
		assert.NotEqual(t, "four", ev.Step)
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
	assert.Equal(t, EventWorkflowCompleted, evs[len(evs)-1].Type)
}

func TestExecuteCancellationInterruptsRunningStep(t *testing.T) {
	entered := make(chan struct{})
	reg := NewMapRegistry()
	reg.RegisterAction("block", func(ctx context.Context, _ map[string]any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "stuck", Type: StepPython, Action: "block"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	go func() {
		<-entered
		x.Cancel()
	}()
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Equal(t, ErrCancelled.Error(), result.Error)
}

func TestExecuteMissingRequiredInput(t *testing.T) {
	x := NewExecutor(pipelineRegistry()).Execute(context.Background(), pipelineFile(), nil)
	evs := collectEvents(x)

	require.Len(t, evs, 1)
	assert.Equal(t, EventWorkflowCompleted, evs[0].Type)

	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, `required input "text"`)
}

func TestExecuteInputDefaults(t *testing.T) {
	reg := pipelineRegistry()
	f := &File{
		Name:    "wf",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"text": {Type: "string", Default: "fallback"}},
		Steps: []*Step{
			{Name: "up", Type: StepPython, Action: "uppercase",
				Kwargs: map[string]any{"text": "${{ inputs.text }}"}},
		},
	}
	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.Equal(t, "FALLBACK", result.FinalOutput)
}

func TestExecuteValidationFailureIsTerminal(t *testing.T) {
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "a", Type: StepPython, Action: "nobody_registered_me"},
	}}
	x := NewExecutor(NewMapRegistry()).Execute(context.Background(), f, nil)
	evs := collectEvents(x)

	require.Equal(t, []EventType{
		EventValidationStarted,
		EventValidationFailed,
		EventWorkflowCompleted,
	}, eventTypes(evs))
	require.Len(t, evs[1].Issues, 1)
	assert.Equal(t, CodeUnresolvedAction, evs[1].Issues[0].Code)

	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "semantic validation failed")
	assert.Empty(t, result.StepResults)
}

func TestExecuteSkipValidation(t *testing.T) {
	// An unregistered action still fails, but at execution time.
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "a", Type: StepPython, Action: "nobody_registered_me"},
	}}
	x := NewExecutor(NewMapRegistry()).Execute(context.Background(), f, nil, SkipValidation())
	evs := collectEvents(x)

	assert.NotContains(t, eventTypes(evs), EventValidationStarted)
	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "a", result.FailedStep)
}

func TestExecuteOnlyStep(t *testing.T) {
	var ran []string
	reg := NewMapRegistry()
	reg.RegisterAction("record", func(_ context.Context, kw map[string]any) (any, error) {
		name, _ := kw["name"].(string)
		ran = append(ran, name)
		return name, nil
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "a", Type: StepPython, Action: "record", Kwargs: map[string]any{"name": "a"}},
		{Name: "b", Type: StepPython, Action: "record", Kwargs: map[string]any{"name": "b"}},
		{Name: "c", Type: StepPython, Action: "record", Kwargs: map[string]any{"name": "c"}},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil, WithOnlyStep(1))
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"b"}, ran)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, "b", result.StepResults[0].Name)
}

func TestExecuteSubworkflow(t *testing.T) {
	reg := pipelineRegistry()
	sub := &File{
		Name:    "shouter",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"phrase": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "up", Type: StepPython, Action: "uppercase",
				Kwargs: map[string]any{"text": "${{ inputs.phrase }}"}},
		},
	}
	reg.RegisterWorkflow("shouter", sub)

	f := &File{
		Name:    "parent",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"text": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "delegate", Type: StepSubworkflow, Workflow: "shouter",
				Inputs: map[string]any{"phrase": "${{ inputs.text }}"}},
			{Name: "wrap", Type: StepPython, Action: "format",
				Kwargs: map[string]any{"text": "got ${{ steps.delegate.output }}"}},
		},
	}

	x := NewExecutor(reg).Execute(context.Background(), f, map[string]any{"text": "quiet"})
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "got QUIET", result.FinalOutput)

	var nested []Event
	for _, ev := range evs {
		if ev.Workflow == "shouter" {
			nested = append(nested, ev)
		}
	}
	require.NotEmpty(t, nested)
	for _, ev := range nested {
		assert.Equal(t, 1, ev.Depth, "nested lifecycle events carry incremented depth")
		assert.Equal(t, x.ID, ev.ExecutionID)
	}
	assert.Equal(t, EventWorkflowStarted, nested[0].Type)
	assert.Equal(t, EventWorkflowCompleted, nested[len(nested)-1].Type)
}

func TestExecuteSubworkflowFailurePropagates(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterAction("boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("inner failure")
	})
	sub := &File{Name: "inner", Version: SupportedVersion, Steps: []*Step{
		{Name: "explode", Type: StepPython, Action: "boom"},
	}}
	reg.RegisterWorkflow("inner", sub)

	f := &File{Name: "outer", Version: SupportedVersion, Steps: []*Step{
		{Name: "delegate", Type: StepSubworkflow, Workflow: "inner"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "delegate", result.FailedStep)
	assert.Contains(t, result.Error, "inner failure")
}

func TestExecuteBranch(t *testing.T) {
	reg := pipelineRegistry()
	f := &File{
		Name:    "wf",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"mode": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "choose", Type: StepBranch, Options: []BranchOption{
				{When: "${{ inputs.mode }}", Step: &Step{
					Name: "loud", Type: StepPython, Action: "uppercase",
					Kwargs: map[string]any{"text": "picked"},
				}},
				{Step: &Step{
					Name: "normal", Type: StepPython, Action: "format",
					Kwargs: map[string]any{"text": "fallthrough"},
				}},
			}},
		},
	}

	x := NewExecutor(reg).Execute(context.Background(), f, map[string]any{"mode": "loud"})
	collectEvents(x)
	result, err := x.Result()
	require.NoError(t, err)
	assert.Equal(t, "PICKED", result.FinalOutput)

	x = NewExecutor(reg).Execute(context.Background(), f, map[string]any{"mode": ""})
	collectEvents(x)
	result, err = x.Result()
	require.NoError(t, err)
	assert.Equal(t, "fallthrough", result.FinalOutput, "falsy condition falls through to the unconditional option")
}

func TestExecuteBranchNoMatchIsNoop(t *testing.T) {
	reg := pipelineRegistry()
	f := &File{
		Name:    "wf",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"go": {Type: "boolean", Default: false}},
		Steps: []*Step{
			{Name: "choose", Type: StepBranch, Options: []BranchOption{
				{When: "${{ inputs.go }}", Step: &Step{
					Name: "loud", Type: StepPython, Action: "uppercase",
					Kwargs: map[string]any{"text": "x"},
				}},
			}},
		},
	}
	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.StepResults, 1)
	assert.Nil(t, result.StepResults[0].Output)
}

func TestExecuteAgentStep(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterAgent("assistant", func(_ context.Context, input map[string]any, stream StreamFunc) (any, error) {
		stream("thinking")
		stream("...")
		q, _ := input["question"].(string)
		return "answer to " + q, nil
	})
	f := &File{
		Name:    "wf",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"question": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "ask", Type: StepAgent, Agent: "assistant",
				Context: map[string]any{"question": "${{ inputs.question }}"}},
		},
	}

	x := NewExecutor(reg).Execute(context.Background(), f, map[string]any{"question": "why"})
	evs := collectEvents(x)

	var chunks []string
	for _, ev := range evs {
		if ev.Type == EventAgentStreamChunk {
			chunks = append(chunks, ev.Chunk)
		}
	}
	assert.Equal(t, []string{"thinking", "..."}, chunks)

	result, err := x.Result()
	require.NoError(t, err)
	assert.Equal(t, "answer to why", result.FinalOutput)
}

func TestExecuteAgentContextBuilder(t *testing.T) {
	reg := NewMapRegistry()
	reg.RegisterAction("seed", func(context.Context, map[string]any) (any, error) {
		return "grown", nil
	})
	reg.RegisterContextBuilder("from_outputs", func(_ context.Context, inputs map[string]any, outputs map[string]StepOutput) (map[string]any, error) {
		return map[string]any{"prior": outputs["plant"].Output}, nil
	})
	reg.RegisterAgent("gardener", func(_ context.Context, input map[string]any, _ StreamFunc) (any, error) {
		return fmt.Sprintf("saw %v", input["prior"]), nil
	})
	f := &File{Name: "wf", Version: SupportedVersion, Steps: []*Step{
		{Name: "plant", Type: StepPython, Action: "seed"},
		{Name: "tend", Type: StepAgent, Agent: "gardener", ContextBuilder: "from_outputs"},
	}}

	x := NewExecutor(reg).Execute(context.Background(), f, nil)
	collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.Equal(t, "saw grown", result.FinalOutput)
}

func TestExecuteResumeFromCheckpoint(t *testing.T) {
	var fetchCalls atomic.Int32
	reg := NewMapRegistry()
	reg.RegisterAction("fetch", func(context.Context, map[string]any) (any, error) {
		fetchCalls.Add(1)
		return "fresh", nil
	})
	reg.RegisterAction("use", func(_ context.Context, kw map[string]any) (any, error) {
		return kw["data"], nil
	})
	f := &File{Name: "resumable", Version: SupportedVersion, Steps: []*Step{
		{Name: "fetch", Type: StepPython, Action: "fetch"},
		{Name: "use", Type: StepPython, Action: "use",
			Kwargs: map[string]any{"data": "${{ steps.fetch.output }}"}},
	}}

	inputs := map[string]any{}
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(context.Background(), &Checkpoint{
		WorkflowName:      "resumable",
		CheckpointID:      "prior",
		InputsFingerprint: FingerprintInputs(inputs),
		CompletedSteps:    []StepResult{{Name: "fetch", Success: true, Output: "cached"}},
		NextStepIndex:     1,
	}))

	exec := NewExecutor(reg, WithCheckpointStore(store))
	x := exec.Execute(context.Background(), f, inputs, WithResume())
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(0), fetchCalls.Load(), "completed steps are replayed, not re-executed")
	assert.Equal(t, "cached", result.FinalOutput)
	require.Len(t, result.StepResults, 2)

	var replayed []Event
	for _, ev := range evs {
		if ev.Replayed {
			replayed = append(replayed, ev)
		}
	}
	require.Len(t, replayed, 1)
	assert.Equal(t, EventStepCompleted, replayed[0].Type)
	assert.Equal(t, "fetch", replayed[0].Step)
	assert.Equal(t, "cached", replayed[0].Output)
}

func TestExecuteResumeFingerprintMismatch(t *testing.T) {
	var fetchCalls atomic.Int32
	reg := NewMapRegistry()
	reg.RegisterAction("fetch", func(context.Context, map[string]any) (any, error) {
		fetchCalls.Add(1)
		return "fresh", nil
	})
	f := &File{
		Name:    "resumable",
		Version: SupportedVersion,
		Inputs:  map[string]InputSpec{"topic": {Type: "string", Required: true}},
		Steps: []*Step{
			{Name: "fetch", Type: StepPython, Action: "fetch",
				Kwargs: map[string]any{"topic": "${{ inputs.topic }}"}},
		},
	}

	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(context.Background(), &Checkpoint{
		WorkflowName:      "resumable",
		CheckpointID:      "stale",
		InputsFingerprint: FingerprintInputs(map[string]any{"topic": "old"}),
		CompletedSteps:    []StepResult{{Name: "fetch", Success: true, Output: "cached"}},
		NextStepIndex:     1,
	}))

	exec := NewExecutor(reg, WithCheckpointStore(store))
	x := exec.Execute(context.Background(), f, map[string]any{"topic": "new"}, WithResume())
	evs := collectEvents(x)

	result, err := x.Result()
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), fetchCalls.Load(), "mismatched checkpoint restarts the run")
	assert.Equal(t, "fresh", result.FinalOutput)
	for _, ev := range evs {
		assert.False(t, ev.Replayed)
	}
}

func TestExecuteSavesCheckpointPerStep(t *testing.T) {
	reg := pipelineRegistry()
	store := NewMemoryCheckpointStore()
	exec := NewExecutor(reg, WithCheckpointStore(store))

	x := exec.Execute(context.Background(), pipelineFile(), map[string]any{"text": "hi"})
	collectEvents(x)

	cp, err := store.LoadLatest(context.Background(), "pipeline")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.NextStepIndex)
	require.Len(t, cp.CompletedSteps, 2)
	assert.Equal(t, FingerprintInputs(map[string]any{"text": "hi"}), cp.InputsFingerprint)
}
