// Package expr implements the ${{ ... }} template expression language used
// to wire workflow step inputs and outputs together.
//
// An expression references accumulated execution state:
//
//	${{ inputs.topic }}
//	${{ steps.parse.output.title }}
//	${{ item.name }}
//	${{ index }}
//	${{ not inputs.dry_run }}
//	${{ "full" if inputs.verbose else "short" }}
//
// Expressions are parsed once into an immutable tree and evaluated against a
// per-execution Context. Parse failures are reported as *SyntaxError before
// execution; unresolved references at run time are reported as *EvalError
// carrying the offending path segment and the available alternatives.
package expr
