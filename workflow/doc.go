// Package workflow implements a declarative workflow engine: YAML
// documents describe a named sequence of steps (invoke code, invoke an AI
// agent, generate text, validate and auto-fix, branch, loop, or call a
// sub-workflow), and the Executor runs them, resolving ${{ ... }} template
// expressions against accumulated state, emitting a live event stream, and
// persisting checkpoints so execution can resume after interruption.
//
// The engine is a single-process executor driving a Registry of local
// callables. Concrete actions, agents, generators and context builders are
// external collaborators looked up by name; the engine owns step dispatch,
// control flow, concurrency, cancellation and durability.
//
// Typical use:
//
//	file, err := workflow.ParseFile("release.yaml")
//	if err != nil { ... }
//	exec := executor.Execute(ctx, file, inputs)
//	for ev := range exec.Events() {
//		render(ev)
//	}
//	result, err := exec.Result()
package workflow
