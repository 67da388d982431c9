package workflow

import (
	"github.com/flowline-dev/flowline/workflow/expr"
)

// ExecutionContext is the accumulated state one execute() call owns.
// Step outputs are append-only and written only by the step loop after a
// step fully completes; loop iterations read shared state through derived
// child contexts and never write into their parent.
type ExecutionContext struct {
	inputs      map[string]any
	stepOutputs map[string]expr.StepOutput
	iter        *expr.Iteration
}

// NewExecutionContext creates the root context for an execution.
func NewExecutionContext(inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &ExecutionContext{
		inputs:      inputs,
		stepOutputs: make(map[string]expr.StepOutput),
	}
}

// Inputs returns the resolved workflow inputs.
func (ec *ExecutionContext) Inputs() map[string]any { return ec.inputs }

// StepOutputs returns the recorded outputs keyed by step name.
func (ec *ExecutionContext) StepOutputs() map[string]expr.StepOutput { return ec.stepOutputs }

// Record appends a completed step's output.
func (ec *ExecutionContext) Record(name string, output any) {
	ec.stepOutputs[name] = expr.StepOutput{Output: output}
}

// Expr exposes the context to the expression evaluator.
func (ec *ExecutionContext) Expr() *expr.Context {
	return &expr.Context{Inputs: ec.inputs, Steps: ec.stepOutputs, Iter: ec.iter}
}

// ForIteration derives a child context for one loop iteration: shared
// inputs, a copy of the step outputs so nested steps can record locally
// without racing siblings, and item/index bound. Nested loops derive again,
// which replaces the bindings for the inner body and restores the outer
// ones when it returns.
func (ec *ExecutionContext) ForIteration(item any, index int) *ExecutionContext {
	outputs := make(map[string]expr.StepOutput, len(ec.stepOutputs))
	for k, v := range ec.stepOutputs {
		outputs[k] = v
	}
	return &ExecutionContext{
		inputs:      ec.inputs,
		stepOutputs: outputs,
		iter:        &expr.Iteration{Item: item, Index: index},
	}
}

// Child derives a context with the same inputs and a copy of the step
// outputs but no iteration bindings. Used for nested scopes that must not
// leak writes upward.
func (ec *ExecutionContext) Child() *ExecutionContext {
	outputs := make(map[string]expr.StepOutput, len(ec.stepOutputs))
	for k, v := range ec.stepOutputs {
		outputs[k] = v
	}
	return &ExecutionContext{inputs: ec.inputs, stepOutputs: outputs, iter: ec.iter}
}
