package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func evalCtx() *Context {
	return &Context{
		Inputs: map[string]any{
			"name":    "world",
			"count":   3,
			"dry_run": false,
			"config":  map[string]any{"retries": 5, "tags": []any{"a", "b"}},
			"empty":   "",
		},
		Steps: map[string]StepOutput{
			"fetch": {Output: map[string]any{
				"items": []any{
					map[string]any{"id": 1, "name": "first"},
					map[string]any{"id": 2, "name": "second"},
				},
				"total": 2,
			}},
			"plain": {Output: "hello"},
		},
	}
}

func TestEvaluateReferences(t *testing.T) {
	ctx := evalCtx()
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"input string", "${{ inputs.name }}", "world"},
		{"input int", "${{ inputs.count }}", 3},
		{"input nested map", "${{ inputs.config.retries }}", 5},
		{"input nested list", "${{ inputs.config.tags[1] }}", "b"},
		{"step scalar output", "${{ steps.plain.output }}", "hello"},
		{"step nested path", "${{ steps.fetch.output.items[0].name }}", "first"},
		{"step bracket key", "${{ steps.fetch.output['total'] }}", 2},
		{"literal passthrough", "${{ 'fixed' }}", "fixed"},
		{"negation of false input", "${{ not inputs.dry_run }}", true},
		{"negation of truthy input", "${{ not inputs.name }}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.in)
			require.NoError(t, err)
			got, err := Evaluate(e, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateBooleanReturnsOperands(t *testing.T) {
	ctx := evalCtx()
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"and returns right when left truthy", "${{ inputs.name and inputs.count }}", 3},
		{"and returns left when left falsy", "${{ inputs.empty and inputs.count }}", ""},
		{"or returns left when left truthy", "${{ inputs.name or inputs.count }}", "world"},
		{"or returns right when left falsy", "${{ inputs.empty or inputs.count }}", 3},
		{"or falls through to literal", "${{ inputs.empty or 'fallback' }}", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(MustParse(tt.in), ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	ctx := evalCtx()

	// The right operand references a step that never ran; short-circuit
	// evaluation must not touch it.
	got, err := Evaluate(MustParse("${{ inputs.name or steps.missing.output }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", got)

	got, err = Evaluate(MustParse("${{ inputs.empty and steps.missing.output }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestEvaluateTernary(t *testing.T) {
	ctx := evalCtx()

	got, err := Evaluate(MustParse("${{ 'yes' if inputs.count else 'no' }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	got, err = Evaluate(MustParse("${{ 'yes' if inputs.empty else 'no' }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "no", got)

	// Untaken branches are not evaluated.
	got, err = Evaluate(MustParse("${{ steps.missing.output if inputs.empty else 'safe' }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "safe", got)
}

func TestEvaluateIteration(t *testing.T) {
	ctx := evalCtx()
	ctx.Iter = &Iteration{Item: map[string]any{"id": 7, "name": "loopy"}, Index: 2}

	got, err := Evaluate(MustParse("${{ item.name }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, "loopy", got)

	got, err = Evaluate(MustParse("${{ index }}"), ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestEvaluateOutsideLoop(t *testing.T) {
	ctx := evalCtx()

	_, err := Evaluate(MustParse("${{ item.name }}"), ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside of for_each loop")

	_, err = Evaluate(MustParse("${{ index }}"), ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside of for_each loop")
}

func TestEvaluateErrors(t *testing.T) {
	ctx := evalCtx()
	tests := []struct {
		name     string
		in       string
		contains string
	}{
		{"unknown input", "${{ inputs.missing }}", `input "missing" not found`},
		{"unknown step", "${{ steps.nope.output }}", `step "nope" has not completed`},
		{"unknown field", "${{ steps.fetch.output.bogus }}", `field "bogus" not found`},
		{"index out of range", "${{ steps.fetch.output.items[9] }}", "out of range"},
		{"index into map", "${{ inputs.config[0] }}", "cannot index into non-list"},
		{"field on scalar", "${{ steps.plain.output.anything }}", "non-object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(MustParse(tt.in), ctx)
			require.Error(t, err)
			var evalErr *EvalError
			require.ErrorAs(t, err, &evalErr)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestEvalErrorListsAvailable(t *testing.T) {
	ctx := evalCtx()
	_, err := Evaluate(MustParse("${{ steps.nope.output }}"), ctx)
	require.Error(t, err)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, []string{"fetch", "plain"}, evalErr.Available)
}

func TestEvaluateString(t *testing.T) {
	ctx := evalCtx()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no templates unchanged", "plain text", "plain text"},
		{"single substitution", "Hello ${{ inputs.name }}!", "Hello world!"},
		{"multiple substitutions", "${{ inputs.name }}: ${{ inputs.count }}", "world: 3"},
		{"bool renders python style", "flag=${{ inputs.dry_run }}", "flag=False"},
		{"none renders python style", "v=${{ none }}", "v=None"},
		{"list renders canonical", "tags=${{ inputs.config.tags }}", "tags=['a', 'b']"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateString(tt.in, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveValue(t *testing.T) {
	ctx := evalCtx()

	t.Run("exact expression keeps type", func(t *testing.T) {
		got, err := ResolveValue("${{ inputs.count }}", ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, got)
	})

	t.Run("exact expression keeps structure", func(t *testing.T) {
		got, err := ResolveValue("${{ steps.fetch.output.items }}", ctx)
		require.NoError(t, err)
		items, ok := got.([]any)
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("embedded expression stringifies", func(t *testing.T) {
		got, err := ResolveValue("count is ${{ inputs.count }}", ctx)
		require.NoError(t, err)
		assert.Equal(t, "count is 3", got)
	})

	t.Run("no template returns string unchanged", func(t *testing.T) {
		got, err := ResolveValue("untouched", ctx)
		require.NoError(t, err)
		assert.Equal(t, "untouched", got)
	})
}

func TestTemplatesWithCloseDelimiterInKey(t *testing.T) {
	ctx := &Context{Inputs: map[string]any{
		"m": map[string]any{"}}": 7},
	}}

	t.Run("exact expression keeps type", func(t *testing.T) {
		got, err := ResolveValue(`${{ inputs.m['}}'] }}`, ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, got)
	})

	t.Run("embedded expression stringifies", func(t *testing.T) {
		got, err := EvaluateString(`got ${{ inputs.m['}}'] }}!`, ctx)
		require.NoError(t, err)
		assert.Equal(t, "got 7!", got)
	})
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero int", 0, false},
		{"nonzero int", 7, true},
		{"zero float", 0.0, false},
		{"empty string", "", false},
		{"nonempty string", "x", true},
		{"empty list", []any{}, false},
		{"nonempty list", []any{1}, true},
		{"empty map", map[string]any{}, false},
		{"nonempty map", map[string]any{"k": 1}, true},
		{"struct value", struct{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truthy(tt.in))
		})
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "None"},
		{"true", true, "True"},
		{"false", false, "False"},
		{"string", "plain", "plain"},
		{"int", 42, "42"},
		{"float", 2.5, "2.5"},
		{"list", []any{1, "two", true}, "[1, 'two', True]"},
		{"map sorted keys", map[string]any{"b": 2, "a": 1}, "{'a': 1, 'b': 2}"},
		{"nested", []any{map[string]any{"k": nil}}, "[{'k': None}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stringify(tt.in))
		})
	}
}

// Evaluation of a fixed expression against a generated context must be
// deterministic: same context, same value, every time.
func TestEvaluateDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name")
		count := rapid.IntRange(-100, 100).Draw(t, "count")
		ctx := &Context{Inputs: map[string]any{"name": name, "count": count}}

		e := MustParse("${{ inputs.name if inputs.count else inputs.count }}")
		first, err := Evaluate(e, ctx)
		require.NoError(t, err)
		second, err := Evaluate(e, ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		if count != 0 {
			assert.Equal(t, name, first)
		} else {
			assert.Equal(t, count, first)
		}
	})
}

// Stringify must be stable across map iteration orders.
func TestStringifyDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,5}`), 1, 8, rapid.ID[string]).Draw(t, "keys")
		m := make(map[string]any, len(keys))
		for i, k := range keys {
			m[k] = i
		}
		first := Stringify(m)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Stringify(m))
		}
	})
}
