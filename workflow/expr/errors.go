package expr

import (
	"fmt"
	"strings"
)

// SyntaxError reports a malformed ${{ }} template. Syntax errors are caught
// at parse or validation time, never during evaluation.
type SyntaxError struct {
	Raw     string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s (at position %d)", e.Raw, e.Message, e.Pos)
}

// EvalError reports an unresolved reference at evaluation time. It always
// names the offending path segment and, when known, the alternatives that
// were available.
type EvalError struct {
	Raw       string
	Segment   string
	Available []string
	Message   string
}

func (e *EvalError) Error() string {
	msg := fmt.Sprintf("cannot evaluate %q: %s", e.Raw, e.Message)
	if len(e.Available) > 0 {
		msg += " (available: " + strings.Join(e.Available, ", ") + ")"
	}
	return msg
}

func evalErrorf(raw, segment string, available []string, format string, args ...any) *EvalError {
	return &EvalError{
		Raw:       raw,
		Segment:   segment,
		Available: available,
		Message:   fmt.Sprintf(format, args...),
	}
}

// newOutsideLoopError reports item/index used while no for_each loop is
// active. Kept distinct so callers can render a targeted hint.
func newOutsideLoopError(raw, ref string) *EvalError {
	return &EvalError{
		Raw:     raw,
		Segment: ref,
		Message: fmt.Sprintf("%q used outside of for_each loop", ref),
	}
}
