package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only workflow file version this engine accepts.
const SupportedVersion = "1.0"

// File is a parsed workflow document. It is immutable once parsed; the
// executor never writes back into it.
type File struct {
	Name        string               `yaml:"name" json:"name"`
	Version     string               `yaml:"version" json:"version"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      map[string]InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []*Step              `yaml:"steps" json:"steps"`
}

// InputSpec declares one workflow input.
type InputSpec struct {
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StepType discriminates the step union. The set is closed: the executor
// dispatches with an exhaustive switch over these values.
type StepType string

const (
	StepPython      StepType = "python"
	StepAgent       StepType = "agent"
	StepGenerate    StepType = "generate"
	StepValidate    StepType = "validate"
	StepSubworkflow StepType = "subworkflow"
	StepBranch      StepType = "branch"
	StepLoop        StepType = "loop"
)

var stepTypes = map[StepType]bool{
	StepPython:      true,
	StepAgent:       true,
	StepGenerate:    true,
	StepValidate:    true,
	StepSubworkflow: true,
	StepBranch:      true,
	StepLoop:        true,
}

var inputTypes = map[string]bool{
	"string": true, "integer": true, "boolean": true, "array": true, "object": true,
}

// Step is one named unit of work. Exactly one variant's fields are
// populated, selected by Type. Branch options, loop bodies and validate
// on_failure recursively contain further steps.
type Step struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`
	// When gates execution; empty means unconditional. A step skipped by
	// When is omitted from results entirely.
	When string `json:"when,omitempty"`

	// python
	Action string         `json:"action,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// agent / generate
	Agent     string `json:"agent,omitempty"`
	Generator string `json:"generator,omitempty"`
	// Context is the static context map; ContextBuilder names a registered
	// builder instead. The YAML key "context" populates exactly one of the
	// two depending on whether it holds a mapping or a string.
	Context        map[string]any `json:"context,omitempty"`
	ContextBuilder string         `json:"context_builder,omitempty"`

	// validate
	Stages    []string `json:"stages,omitempty"`
	Retry     int      `json:"retry,omitempty"`
	Fixer     string   `json:"fixer,omitempty"`
	OnFailure *Step    `json:"on_failure,omitempty"`

	// subworkflow
	Workflow string         `json:"workflow,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`

	// branch
	Options []BranchOption `json:"options,omitempty"`

	// loop
	Steps          []*Step `json:"steps,omitempty"`
	ForEach        string  `json:"for_each,omitempty"`
	MaxConcurrency int     `json:"max_concurrency,omitempty"`
}

// BranchOption is one (when, step) pair of a branch step. An empty When is
// unconditional.
type BranchOption struct {
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	Step *Step  `yaml:"step" json:"step"`
}

type stepYAML struct {
	Name           string         `yaml:"name"`
	Type           StepType       `yaml:"type"`
	When           string         `yaml:"when"`
	Action         string         `yaml:"action"`
	Kwargs         map[string]any `yaml:"kwargs"`
	Agent          string         `yaml:"agent"`
	Generator      string         `yaml:"generator"`
	Context        yaml.Node      `yaml:"context"`
	Stages         []string       `yaml:"stages"`
	Retry          int            `yaml:"retry"`
	Fixer          string         `yaml:"fixer"`
	OnFailure      *Step          `yaml:"on_failure"`
	Workflow       string         `yaml:"workflow"`
	Inputs         map[string]any `yaml:"inputs"`
	Options        []BranchOption `yaml:"options"`
	Steps          []*Step        `yaml:"steps"`
	ForEach        string         `yaml:"for_each"`
	MaxConcurrency int            `yaml:"max_concurrency"`
}

// UnmarshalYAML decodes a step, splitting the polymorphic context key into
// either a static map or a named context builder.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var aux stepYAML
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*s = Step{
		Name:           aux.Name,
		Type:           aux.Type,
		When:           aux.When,
		Action:         aux.Action,
		Kwargs:         aux.Kwargs,
		Agent:          aux.Agent,
		Generator:      aux.Generator,
		Stages:         aux.Stages,
		Retry:          aux.Retry,
		Fixer:          aux.Fixer,
		OnFailure:      aux.OnFailure,
		Workflow:       aux.Workflow,
		Inputs:         aux.Inputs,
		Options:        aux.Options,
		Steps:          aux.Steps,
		ForEach:        aux.ForEach,
		MaxConcurrency: aux.MaxConcurrency,
	}

	switch aux.Context.Kind {
	case 0: // absent
	case yaml.ScalarNode:
		if err := aux.Context.Decode(&s.ContextBuilder); err != nil {
			return fmt.Errorf("step %s: context: %w", s.Name, err)
		}
	case yaml.MappingNode:
		if err := aux.Context.Decode(&s.Context); err != nil {
			return fmt.Errorf("step %s: context: %w", s.Name, err)
		}
	default:
		return fmt.Errorf("step %s: context must be a mapping or a builder name", s.Name)
	}
	return nil
}

// AgentName returns the agent or generator name, whichever variant applies.
func (s *Step) AgentName() string {
	if s.Type == StepGenerate {
		return s.Generator
	}
	return s.Agent
}

// Parse deserializes and structurally validates a workflow document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}

// Validate performs structural checks: supported version, required fields
// per step kind, and unique step names among siblings. Reference and
// template checks belong to ValidateSemantics.
func (f *File) Validate() error {
	if f.Version != SupportedVersion {
		return fmt.Errorf("unsupported workflow version %q (only %q is supported)", f.Version, SupportedVersion)
	}
	if f.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", f.Name)
	}
	for name, spec := range f.Inputs {
		if spec.Type != "" && !inputTypes[spec.Type] {
			return fmt.Errorf("workflow %s: input %s: unknown type %q", f.Name, name, spec.Type)
		}
	}
	return validateSteps(f.Steps, "steps")
}

func validateSteps(steps []*Step, path string) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		if s == nil {
			return fmt.Errorf("%s: step is empty", p)
		}
		if s.Name == "" {
			return fmt.Errorf("%s: step name is required", p)
		}
		if seen[s.Name] {
			return fmt.Errorf("%s: duplicate step name %q", p, s.Name)
		}
		seen[s.Name] = true
		if err := validateStep(s, p); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step, path string) error {
	if !stepTypes[s.Type] {
		return fmt.Errorf("%s (%s): unknown step type %q", path, s.Name, s.Type)
	}
	switch s.Type {
	case StepPython:
		if s.Action == "" {
			return fmt.Errorf("%s (%s): python step requires action", path, s.Name)
		}
	case StepAgent:
		if s.Agent == "" {
			return fmt.Errorf("%s (%s): agent step requires agent", path, s.Name)
		}
	case StepGenerate:
		if s.Generator == "" {
			return fmt.Errorf("%s (%s): generate step requires generator", path, s.Name)
		}
	case StepValidate:
		if len(s.Stages) == 0 {
			return fmt.Errorf("%s (%s): validate step requires stages", path, s.Name)
		}
		if s.Retry < 0 {
			return fmt.Errorf("%s (%s): retry must not be negative", path, s.Name)
		}
		if s.OnFailure != nil {
			if err := validateStep(s.OnFailure, path+".on_failure"); err != nil {
				return err
			}
		}
	case StepSubworkflow:
		if s.Workflow == "" {
			return fmt.Errorf("%s (%s): subworkflow step requires workflow", path, s.Name)
		}
	case StepBranch:
		if len(s.Options) == 0 {
			return fmt.Errorf("%s (%s): branch step requires options", path, s.Name)
		}
		for i, opt := range s.Options {
			if opt.Step == nil {
				return fmt.Errorf("%s.options[%d]: branch option requires step", path, i)
			}
			if err := validateStep(opt.Step, fmt.Sprintf("%s.options[%d].step", path, i)); err != nil {
				return err
			}
		}
	case StepLoop:
		if len(s.Steps) == 0 {
			return fmt.Errorf("%s (%s): loop step requires steps", path, s.Name)
		}
		if s.MaxConcurrency < 0 {
			return fmt.Errorf("%s (%s): max_concurrency must not be negative", path, s.Name)
		}
		if err := validateSteps(s.Steps, path+".steps"); err != nil {
			return err
		}
	}
	return nil
}
