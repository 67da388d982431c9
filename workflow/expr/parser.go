package expr

import (
	"strconv"
	"strings"
	"sync"
	"unicode"
)

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// parseCache memoizes parsed expressions by raw text. Expressions are
// immutable, so sharing one tree across executions is safe.
var parseCache sync.Map // string -> *Expression

// HasTemplate reports whether s contains at least one ${{ }} template.
func HasTemplate(s string) bool {
	open := strings.Index(s, openDelim)
	return open >= 0 && strings.Contains(s[open:], closeDelim)
}

// Parse parses a single template of the form "${{ <expr> }}". The text must
// consist of exactly one template, optionally surrounded by whitespace.
func Parse(text string) (*Expression, error) {
	if cached, ok := parseCache.Load(text); ok {
		return cached.(*Expression), nil
	}

	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, openDelim) || !strings.HasSuffix(trimmed, closeDelim) {
		return nil, &SyntaxError{Raw: text, Message: "expression must be delimited by ${{ and }}"}
	}
	inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]

	expr, err := parseInner(text, inner)
	if err != nil {
		return nil, err
	}
	parseCache.Store(text, expr)
	return expr, nil
}

// findClose locates the closing }} of a template opening at open, skipping
// quoted string literals so a bracket key containing "}}" does not end the
// template early. Returns -1 when unterminated.
func findClose(s string, open int) int {
	i := open + len(openDelim)
	for i < len(s) {
		switch c := s[i]; c {
		case '\'', '"':
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					i += 2
					continue
				}
				if s[i] == c {
					i++
					break
				}
				i++
			}
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				return i
			}
			i++
		default:
			i++
		}
	}
	return -1
}

// ExtractAll scans an arbitrary string and parses every embedded ${{ }}
// template, in order of appearance. A string with no templates yields nil.
func ExtractAll(text string) ([]*Expression, error) {
	var out []*Expression
	rest := text
	for {
		open := strings.Index(rest, openDelim)
		if open < 0 {
			return out, nil
		}
		end := findClose(rest, open)
		if end < 0 {
			return nil, &SyntaxError{Raw: text, Pos: open, Message: "unterminated template: missing }}"}
		}
		raw := rest[open : end+len(closeDelim)]
		expr, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
		rest = rest[end+len(closeDelim):]
	}
}

// MustParse parses a template and panics on failure. For tests and
// statically known expressions.
func MustParse(text string) *Expression {
	e, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return e
}

func parseInner(raw, inner string) (*Expression, error) {
	tokens, err := tokenizeExpr(raw, inner)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, &SyntaxError{Raw: raw, Message: "empty expression"}
	}
	p := &parser{raw: raw, tokens: tokens}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, &SyntaxError{Raw: raw, Pos: t.pos, Message: "unexpected token " + strconv.Quote(t.value)}
	}
	expr.Raw = raw
	return expr, nil
}

// --- Tokens ---

type tokenKind int

const (
	tkIdent tokenKind = iota // inputs, steps, item, not, and, or, if, else, names
	tkNumber
	tkString
	tkDot
	tkLBracket
	tkRBracket
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenizeExpr(raw, inner string) ([]token, error) {
	var tokens []token
	runes := []rune(inner)
	i := 0
	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}
		switch ch {
		case '.':
			tokens = append(tokens, token{tkDot, ".", i})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tkLBracket, "[", i})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tkRBracket, "]", i})
			i++
			continue
		case '\'', '"':
			s, next, err := readQuoted(raw, runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = next
			continue
		}
		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1])) {
			num, next := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num, i})
			i = next
			continue
		}
		if isIdentStart(ch) {
			ident, next := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, ident, i})
			i = next
			continue
		}
		return nil, &SyntaxError{Raw: raw, Pos: i, Message: "unexpected character " + strconv.Quote(string(ch))}
	}
	return tokens, nil
}

func readQuoted(raw string, runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, &SyntaxError{Raw: raw, Pos: start, Message: "unterminated string literal"}
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' && i+1 < len(runes) && isDigit(runes[i+1]) {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool  { return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' }

// --- Recursive descent parser ---
//
// Grammar, lowest precedence first:
//
//	expr    := or ( "if" or "else" expr )?
//	or      := and ( "or" and )*
//	and     := unary ( "and" unary )*
//	unary   := "not" unary | primary
//	primary := literal | ref
//	ref     := "inputs" "." key path*
//	         | "steps" "." name "." "output" path*
//	         | "item" path*
//	         | "index"
//	path    := "." key | "[" ( int | string ) "]"

type parser struct {
	raw    string
	tokens []token
	pos    int
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) peekIdent(value string) bool {
	t := p.peek()
	return t != nil && t.kind == tkIdent && t.value == value
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) errf(pos int, msg string) error {
	return &SyntaxError{Raw: p.raw, Pos: pos, Message: msg}
}

// parseExpr handles the ternary form: value if cond else alternative.
func (p *parser) parseExpr() (*Expression, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("if") {
		return then, nil
	}
	p.advance()
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.peekIdent("else") {
		pos := 0
		if t := p.peek(); t != nil {
			pos = t.pos
		}
		return nil, p.errf(pos, "ternary requires else branch")
	}
	p.advance()
	alt, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &Expression{Kind: KindTernary, Cond: cond, Then: then, Else: alt}, nil
}

func (p *parser) parseOr() (*Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekIdent("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Expression{Kind: KindBoolean, Op: OpOr, Operands: []*Expression{left, right}}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekIdent("and") {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Expression{Kind: KindBoolean, Op: OpAnd, Operands: []*Expression{left, right}}
	}
	return left, nil
}

func (p *parser) parseUnary() (*Expression, error) {
	if p.peekIdent("not") {
		p.advance()
		sub, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		// Double negation collapses to plain truthiness coercion, which a
		// second Negated flag cannot express; normalize to single negation
		// over the already-negated node.
		neg := *sub
		neg.Negated = !sub.Negated
		return &neg, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Expression, error) {
	t := p.peek()
	if t == nil {
		return nil, p.errf(len(p.raw), "unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return p.numberLiteral(t)
	case tkString:
		p.advance()
		return &Expression{Kind: KindLiteral, Literal: t.value}, nil
	case tkIdent:
		switch t.value {
		case "true", "True":
			p.advance()
			return &Expression{Kind: KindLiteral, Literal: true}, nil
		case "false", "False":
			p.advance()
			return &Expression{Kind: KindLiteral, Literal: false}, nil
		case "none", "None", "null":
			p.advance()
			return &Expression{Kind: KindLiteral, Literal: nil}, nil
		case "inputs":
			return p.parseInputRef()
		case "steps":
			return p.parseStepRef()
		case "item":
			p.advance()
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			return &Expression{Kind: KindItem, Path: path}, nil
		case "index":
			p.advance()
			return &Expression{Kind: KindIndex}, nil
		default:
			return nil, p.errf(t.pos, "unknown reference "+strconv.Quote(t.value)+" (expected inputs, steps, item or index)")
		}
	default:
		return nil, p.errf(t.pos, "unexpected token "+strconv.Quote(t.value))
	}
}

func (p *parser) numberLiteral(t *token) (*Expression, error) {
	if strings.Contains(t.value, ".") {
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, p.errf(t.pos, "invalid number "+strconv.Quote(t.value))
		}
		return &Expression{Kind: KindLiteral, Literal: f}, nil
	}
	n, err := strconv.ParseInt(t.value, 10, 64)
	if err != nil {
		return nil, p.errf(t.pos, "invalid number "+strconv.Quote(t.value))
	}
	return &Expression{Kind: KindLiteral, Literal: int(n)}, nil
}

func (p *parser) parseInputRef() (*Expression, error) {
	p.advance() // inputs
	key, err := p.expectDotKey("inputs")
	if err != nil {
		return nil, err
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	return &Expression{Kind: KindInput, Path: append([]Segment{{Key: key}}, path...)}, nil
}

func (p *parser) parseStepRef() (*Expression, error) {
	p.advance() // steps
	name, err := p.expectDotKey("steps")
	if err != nil {
		return nil, err
	}
	out, err := p.expectDotKey("steps." + name)
	if err != nil {
		return nil, err
	}
	if out != "output" {
		return nil, p.errf(p.tokens[p.pos-1].pos, "step reference must access .output, got ."+out)
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	return &Expression{Kind: KindStep, StepName: name, Path: path}, nil
}

// expectDotKey consumes ".<ident>" after the given prefix.
func (p *parser) expectDotKey(prefix string) (string, error) {
	t := p.peek()
	if t == nil || t.kind != tkDot {
		pos := len(p.raw)
		if t != nil {
			pos = t.pos
		}
		return "", p.errf(pos, prefix+" reference requires a key, e.g. "+prefix+".name")
	}
	p.advance()
	t = p.peek()
	if t == nil || t.kind != tkIdent {
		pos := len(p.raw)
		if t != nil {
			pos = t.pos
		}
		return "", p.errf(pos, "expected identifier after "+prefix+".")
	}
	p.advance()
	return t.value, nil
}

// parsePath consumes any trailing .field and [index] / ['key'] accesses.
func (p *parser) parsePath() ([]Segment, error) {
	var path []Segment
	for {
		t := p.peek()
		if t == nil {
			return path, nil
		}
		switch t.kind {
		case tkDot:
			p.advance()
			f := p.peek()
			if f == nil || f.kind != tkIdent {
				pos := len(p.raw)
				if f != nil {
					pos = f.pos
				}
				return nil, p.errf(pos, "expected field name after .")
			}
			p.advance()
			path = append(path, Segment{Key: f.value})
		case tkLBracket:
			p.advance()
			idx := p.peek()
			if idx == nil {
				return nil, p.errf(len(p.raw), "expected index or key inside [ ]")
			}
			switch idx.kind {
			case tkNumber:
				n, err := strconv.Atoi(idx.value)
				if err != nil {
					return nil, p.errf(idx.pos, "invalid list index "+strconv.Quote(idx.value))
				}
				p.advance()
				path = append(path, Segment{Index: n, IsIndex: true})
			case tkString:
				p.advance()
				path = append(path, Segment{Key: idx.value})
			default:
				return nil, p.errf(idx.pos, "bracket access requires an integer index or quoted key")
			}
			closing := p.peek()
			if closing == nil || closing.kind != tkRBracket {
				pos := len(p.raw)
				if closing != nil {
					pos = closing.pos
				}
				return nil, p.errf(pos, "missing closing ]")
			}
			p.advance()
		default:
			return path, nil
		}
	}
}
