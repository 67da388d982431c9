package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowline-dev/flowline/workflow/expr"
)

// ValidationCode is a stable machine-distinguishable defect code.
type ValidationCode string

const (
	CodeUnresolvedAction         ValidationCode = "UNRESOLVED_ACTION"
	CodeUnresolvedAgent          ValidationCode = "UNRESOLVED_AGENT"
	CodeUnresolvedGenerator      ValidationCode = "UNRESOLVED_GENERATOR"
	CodeUnresolvedContextBuilder ValidationCode = "UNRESOLVED_CONTEXT_BUILDER"
	CodeUnresolvedWorkflow       ValidationCode = "UNRESOLVED_WORKFLOW"
	CodeTemplateSyntax           ValidationCode = "TEMPLATE_SYNTAX"
	CodeUnknownStepRef           ValidationCode = "UNKNOWN_STEP_REFERENCE"
	CodeCircularDependency       ValidationCode = "CIRCULAR_DEPENDENCY"
	CodeUnusedInput              ValidationCode = "UNUSED_INPUT"
)

// ValidationIssue is one defect or warning found before execution.
type ValidationIssue struct {
	Code    ValidationCode `json:"code"`
	Path    string         `json:"path"`
	Message string         `json:"message"`
	// Suggestions lists the available names when a reference failed to
	// resolve, to aid debugging.
	Suggestions []string `json:"suggestions,omitempty"`
}

func (i ValidationIssue) String() string {
	msg := fmt.Sprintf("[%s] %s: %s", i.Code, i.Path, i.Message)
	if len(i.Suggestions) > 0 {
		msg += " (available: " + strings.Join(i.Suggestions, ", ") + ")"
	}
	return msg
}

// ValidationResult aggregates all issues. All checks run even when earlier
// ones fail; errors accumulate.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// ValidateSemantics checks a parsed workflow against a registry without
// executing anything: unresolved component references (including inside
// nested branch/loop/on_failure steps), template syntax, unknown step
// references, circular step dependencies, and unused declared inputs.
func ValidateSemantics(f *File, reg Registry) *ValidationResult {
	v := &semanticValidator{
		file:     f,
		registry: reg,
		names:    make(map[string]bool),
		deps:     make(map[string][]string),
		usedIn:   make(map[string]bool),
	}
	return v.run()
}

type semanticValidator struct {
	file     *File
	registry Registry
	result   ValidationResult

	// names holds every step name in the tree, nested included.
	names map[string]bool
	// deps maps a step name to the step names its expressions reference.
	deps map[string][]string
	// usedIn marks input keys referenced anywhere in the step tree.
	usedIn map[string]bool
}

func (v *semanticValidator) errorf(code ValidationCode, path string, suggestions []string, format string, args ...any) {
	v.result.Errors = append(v.result.Errors, ValidationIssue{
		Code: code, Path: path, Message: fmt.Sprintf(format, args...), Suggestions: suggestions,
	})
}

func (v *semanticValidator) warnf(code ValidationCode, path string, format string, args ...any) {
	v.result.Warnings = append(v.result.Warnings, ValidationIssue{
		Code: code, Path: path, Message: fmt.Sprintf(format, args...),
	})
}

func (v *semanticValidator) run() *ValidationResult {
	// Pre-pass: collect every step name in the full tree so forward
	// references validate.
	walkSteps(v.file.Steps, "steps", func(s *Step, _ string) {
		v.names[s.Name] = true
	})

	walkSteps(v.file.Steps, "steps", v.checkStep)

	v.checkCycles()
	v.checkUnusedInputs()

	v.result.Valid = len(v.result.Errors) == 0
	return &v.result
}

// walkSteps applies fn to every step in the tree, including branch options,
// loop bodies and validate on_failure steps. The path mirrors the document
// structure, e.g. steps[2].options[0].step.
func walkSteps(steps []*Step, base string, fn func(*Step, string)) {
	for i, s := range steps {
		if s == nil {
			continue
		}
		walkStep(s, fmt.Sprintf("%s[%d]", base, i), fn)
	}
}

func walkStep(s *Step, path string, fn func(*Step, string)) {
	fn(s, path)
	for j, opt := range s.Options {
		if opt.Step != nil {
			walkStep(opt.Step, fmt.Sprintf("%s.options[%d].step", path, j), fn)
		}
	}
	if s.OnFailure != nil {
		walkStep(s.OnFailure, path+".on_failure", fn)
	}
	walkSteps(s.Steps, path+".steps", fn)
}

func (v *semanticValidator) checkStep(s *Step, path string) {
	v.checkComponents(s, path)

	for _, tpl := range stepTemplates(s, path) {
		exprs, err := expr.ExtractAll(tpl.raw)
		if err != nil {
			v.errorf(CodeTemplateSyntax, tpl.path, nil, "%v", err)
			continue
		}
		for _, e := range exprs {
			for _, ref := range e.StepRefs() {
				v.deps[s.Name] = append(v.deps[s.Name], ref)
				if !v.names[ref] {
					v.errorf(CodeUnknownStepRef, tpl.path, v.stepNames(),
						"expression references unknown step %q", ref)
				}
			}
			for _, key := range e.InputRefs() {
				v.usedIn[key] = true
			}
		}
	}
}

func (v *semanticValidator) checkComponents(s *Step, path string) {
	check := func(kind RegistryKind, name string, code ValidationCode, fieldPath, what string) {
		if name == "" {
			return
		}
		if v.registry == nil || !v.registry.Has(kind, name) {
			var avail []string
			if v.registry != nil {
				avail = v.registry.Names(kind)
			}
			v.errorf(code, fieldPath, avail, "%s %q is not registered", what, name)
		}
	}

	switch s.Type {
	case StepPython:
		check(KindActions, s.Action, CodeUnresolvedAction, path+".action", "action")
	case StepAgent:
		check(KindAgents, s.Agent, CodeUnresolvedAgent, path+".agent", "agent")
		check(KindContextBuilders, s.ContextBuilder, CodeUnresolvedContextBuilder, path+".context", "context builder")
	case StepGenerate:
		check(KindGenerators, s.Generator, CodeUnresolvedGenerator, path+".generator", "generator")
		check(KindContextBuilders, s.ContextBuilder, CodeUnresolvedContextBuilder, path+".context", "context builder")
	case StepValidate:
		for i, stage := range s.Stages {
			check(KindActions, stage, CodeUnresolvedAction, fmt.Sprintf("%s.stages[%d]", path, i), "validation stage")
		}
		check(KindAgents, s.Fixer, CodeUnresolvedAgent, path+".fixer", "fixer agent")
	case StepSubworkflow:
		check(KindWorkflows, s.Workflow, CodeUnresolvedWorkflow, path+".workflow", "sub-workflow")
	}
}

type templateField struct {
	path string
	raw  string
}

// stepTemplates lists every string field of a step that may contain
// ${{ }} templates, with its document path. Branch option conditions and
// nested step bodies are visited separately by walkSteps.
func stepTemplates(s *Step, path string) []templateField {
	var out []templateField
	add := func(p, raw string) {
		if expr.HasTemplate(raw) {
			out = append(out, templateField{path: p, raw: raw})
		}
	}
	add(path+".when", s.When)
	add(path+".for_each", s.ForEach)
	collectTemplates(path+".kwargs", s.Kwargs, add)
	collectTemplates(path+".context", s.Context, add)
	collectTemplates(path+".inputs", s.Inputs, add)
	for j, opt := range s.Options {
		add(fmt.Sprintf("%s.options[%d].when", path, j), opt.When)
	}
	return out
}

func collectTemplates(prefix string, v any, add func(path, raw string)) {
	switch val := v.(type) {
	case string:
		add(prefix, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectTemplates(prefix+"."+k, val[k], add)
		}
	case []any:
		for i, item := range val {
			collectTemplates(fmt.Sprintf("%s[%d]", prefix, i), item, add)
		}
	}
}

// checkCycles runs DFS-based cycle detection over the step dependency
// graph. The first discovered cycle is reported once, as an ordered path.
func (v *semanticValidator) checkCycles() {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(v.deps))

	nodes := make([]string, 0, len(v.deps))
	for name := range v.deps {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)

	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		deps := append([]string(nil), v.deps[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				// Slice the stack from the first occurrence of dep to get
				// the ordered cycle path.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if v.names[dep] && visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range nodes {
		if state[name] == unvisited && visit(name) {
			v.errorf(CodeCircularDependency, "steps", nil,
				"circular dependency among steps: %s", strings.Join(cycle, " -> "))
			return
		}
	}
}

func (v *semanticValidator) checkUnusedInputs() {
	names := make([]string, 0, len(v.file.Inputs))
	for name := range v.file.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !v.usedIn[name] {
			v.warnf(CodeUnusedInput, "inputs."+name,
				"input %q is declared but never referenced", name)
		}
	}
}

func (v *semanticValidator) stepNames() []string {
	names := make([]string, 0, len(v.names))
	for name := range v.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
