package expr

import (
	"sort"
	"strconv"
	"strings"
)

// Evaluate resolves a parsed expression against the given context and
// returns the raw value. Evaluation is deterministic and never mutates the
// expression or the context.
func Evaluate(e *Expression, ctx *Context) (any, error) {
	if e == nil {
		return nil, evalErrorf("", "", nil, "nil expression")
	}
	val, err := evaluate(e, ctx)
	if err != nil {
		return nil, err
	}
	if e.Negated {
		return !Truthy(val), nil
	}
	return val, nil
}

func evaluate(e *Expression, ctx *Context) (any, error) {
	switch e.Kind {
	case KindLiteral:
		return e.Literal, nil

	case KindIndex:
		if ctx == nil || ctx.Iter == nil {
			return nil, newOutsideLoopError(e.Raw, "index")
		}
		return ctx.Iter.Index, nil

	case KindItem:
		if ctx == nil || ctx.Iter == nil {
			return nil, newOutsideLoopError(e.Raw, "item")
		}
		return walkPath(e.Raw, "item", ctx.Iter.Item, e.Path)

	case KindInput:
		key := e.Path[0].Key
		if ctx == nil || ctx.Inputs == nil {
			return nil, evalErrorf(e.Raw, key, nil, "input %q not found", key)
		}
		base, ok := ctx.Inputs[key]
		if !ok {
			return nil, evalErrorf(e.Raw, key, sortedKeys(ctx.Inputs), "input %q not found", key)
		}
		return walkPath(e.Raw, "inputs."+key, base, e.Path[1:])

	case KindStep:
		if ctx == nil || ctx.Steps == nil {
			return nil, evalErrorf(e.Raw, e.StepName, nil, "step %q has not completed", e.StepName)
		}
		out, ok := ctx.Steps[e.StepName]
		if !ok {
			return nil, evalErrorf(e.Raw, e.StepName, sortedStepNames(ctx.Steps), "step %q has not completed", e.StepName)
		}
		return walkPath(e.Raw, "steps."+e.StepName+".output", out.Output, e.Path)

	case KindBoolean:
		left, err := Evaluate(e.Operands[0], ctx)
		if err != nil {
			return nil, err
		}
		// and/or return operand values, not coerced booleans, matching
		// the truthiness short-circuit rules of the template language.
		switch e.Op {
		case OpOr:
			if Truthy(left) {
				return left, nil
			}
		case OpAnd:
			if !Truthy(left) {
				return left, nil
			}
		}
		return Evaluate(e.Operands[1], ctx)

	case KindTernary:
		cond, err := Evaluate(e.Cond, ctx)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return Evaluate(e.Then, ctx)
		}
		return Evaluate(e.Else, ctx)

	default:
		return nil, evalErrorf(e.Raw, "", nil, "unknown expression kind %q", e.Kind)
	}
}

// walkPath descends through nested maps and lists one segment at a time,
// reporting the exact segment that failed to resolve.
func walkPath(raw, prefix string, base any, path []Segment) (any, error) {
	current := base
	for _, seg := range path {
		if seg.IsIndex {
			list, ok := current.([]any)
			if !ok {
				return nil, evalErrorf(raw, seg.String(), nil,
					"cannot index into non-list value at %s", prefix)
			}
			if seg.Index < 0 || seg.Index >= len(list) {
				return nil, evalErrorf(raw, seg.String(), nil,
					"index %d out of range at %s (length %d)", seg.Index, prefix, len(list))
			}
			current = list[seg.Index]
		} else {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, evalErrorf(raw, seg.Key, nil,
					"cannot access field %q on non-object value at %s", seg.Key, prefix)
			}
			current, ok = m[seg.Key]
			if !ok {
				return nil, evalErrorf(raw, seg.Key, sortedKeys(m),
					"field %q not found at %s", seg.Key, prefix)
			}
		}
		prefix += seg.suffix()
	}
	return current, nil
}

func (s Segment) suffix() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return "." + s.Key
}

// EvaluateString substitutes every embedded ${{ }} template in the string,
// stringifying non-string results. A string with no templates is returned
// unchanged.
func EvaluateString(template string, ctx *Context) (string, error) {
	if !HasTemplate(template) {
		return template, nil
	}
	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, openDelim)
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := findClose(rest, open)
		if end < 0 {
			return "", &SyntaxError{Raw: template, Pos: open, Message: "unterminated template: missing }}"}
		}
		sb.WriteString(rest[:open])
		raw := rest[open : end+len(closeDelim)]
		e, err := Parse(raw)
		if err != nil {
			return "", err
		}
		val, err := Evaluate(e, ctx)
		if err != nil {
			return "", err
		}
		sb.WriteString(Stringify(val))
		rest = rest[end+len(closeDelim):]
	}
}

// ResolveValue resolves a template string to its typed value: a string that
// is exactly one expression yields the raw evaluated value, anything else
// goes through EvaluateString. This is how step kwargs keep their types.
func ResolveValue(template string, ctx *Context) (any, error) {
	if !HasTemplate(template) {
		return template, nil
	}
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) &&
		findClose(trimmed, 0) == len(trimmed)-len(closeDelim) {
		e, err := Parse(trimmed)
		if err != nil {
			return nil, err
		}
		return Evaluate(e, ctx)
	}
	return EvaluateString(template, ctx)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStepNames(m map[string]StepOutput) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
