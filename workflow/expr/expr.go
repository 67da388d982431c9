package expr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies what a parsed expression resolves against.
type Kind string

const (
	// KindInput references a declared workflow input: inputs.<key>.
	KindInput Kind = "input_ref"
	// KindStep references a completed step's output: steps.<name>.output...
	KindStep Kind = "step_ref"
	// KindItem references the current for_each element: item...
	KindItem Kind = "item_ref"
	// KindIndex references the current for_each position: index.
	KindIndex Kind = "index_ref"
	// KindBoolean combines two operands with and/or.
	KindBoolean Kind = "boolean"
	// KindTernary is the conditional form: a if cond else b.
	KindTernary Kind = "ternary"
	// KindLiteral is a quoted string, number, boolean or None.
	KindLiteral Kind = "literal"
)

// BoolOp is a boolean combinator.
type BoolOp string

const (
	OpAnd BoolOp = "and"
	OpOr  BoolOp = "or"
)

// Segment is one element of a reference path: either a string key
// (dot access or quoted bracket access) or an integer list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// String renders the segment the way it appeared in source.
func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Key
}

// Expression is an immutable parsed ${{ ... }} template. Expressions are
// produced once by Parse and may be cached and evaluated concurrently.
type Expression struct {
	// Raw is the full source text, including the ${{ }} delimiters.
	Raw string
	// Kind discriminates the remaining fields.
	Kind Kind
	// Negated applies Python truthiness negation to the resolved value.
	Negated bool

	// StepName is set for KindStep.
	StepName string
	// Path holds the reference path: the input key and any nested fields
	// for KindInput, the fields after "output" for KindStep, and the
	// fields after "item" for KindItem.
	Path []Segment

	// Op and Operands are set for KindBoolean. Operands always has two
	// entries; chains associate left-to-right.
	Op       BoolOp
	Operands []*Expression

	// Cond, Then and Else are set for KindTernary.
	Cond *Expression
	Then *Expression
	Else *Expression

	// Literal is set for KindLiteral.
	Literal any
}

// StepRefs returns the names of all steps referenced anywhere in the
// expression tree, in source order. Used by the semantic validator to
// build the step dependency graph.
func (e *Expression) StepRefs() []string {
	var names []string
	e.visit(func(n *Expression) {
		if n.Kind == KindStep {
			names = append(names, n.StepName)
		}
	})
	return names
}

// InputRefs returns the input keys referenced anywhere in the expression
// tree, in source order.
func (e *Expression) InputRefs() []string {
	var keys []string
	e.visit(func(n *Expression) {
		if n.Kind == KindInput && len(n.Path) > 0 {
			keys = append(keys, n.Path[0].Key)
		}
	})
	return keys
}

// UsesIteration reports whether the expression references item or index.
func (e *Expression) UsesIteration() bool {
	found := false
	e.visit(func(n *Expression) {
		if n.Kind == KindItem || n.Kind == KindIndex {
			found = true
		}
	})
	return found
}

func (e *Expression) visit(fn func(*Expression)) {
	if e == nil {
		return
	}
	fn(e)
	for _, op := range e.Operands {
		op.visit(fn)
	}
	e.Cond.visit(fn)
	e.Then.visit(fn)
	e.Else.visit(fn)
}

// StepOutput is the recorded output of one completed step, addressable as
// steps.<name>.output in expressions.
type StepOutput struct {
	Output any `json:"output"`
}

// Iteration carries the loop-scoped bindings for item and index. It is only
// present while evaluating inside a for_each loop body.
type Iteration struct {
	Item  any
	Index int
}

// Context is the state an expression resolves against.
type Context struct {
	Inputs map[string]any
	Steps  map[string]StepOutput
	Iter   *Iteration
}

// Truthy applies Python truthiness: nil, false, zero numbers, empty strings
// and empty containers are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// Stringify renders a resolved value for template substitution.
// Booleans render as True/False and nil as None; lists and maps use a
// canonical repr with sorted map keys so output is deterministic.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case []any, map[string]any:
		return repr(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// repr renders containers in canonical form: [1, 2], {'a': 1}.
func repr(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return "'" + strings.ReplaceAll(strings.ReplaceAll(val, `\`, `\\`), "'", `\'`) + "'"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = repr(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = repr(k) + ": " + repr(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return Stringify(val)
	}
}
