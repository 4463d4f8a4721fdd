// Package expr implements the restricted derivation-expression grammar used
// by column mappings. Expressions are parsed once into a small AST and
// evaluated by a tree-walking evaluator over the values of the current source
// row. The grammar offers column references, literals, numeric / string /
// temporal operators, and a fixed function set; there is no filesystem,
// network, or reflection access.
//
// Grammar (informal):
//
//	expr       = comparison
//	comparison = additive [ ("=" | "!=" | "<>" | "<" | "<=" | ">" | ">=") additive ]
//	additive   = multiplicative { ("+" | "-" | "||") multiplicative }
//	multiplicative = unary { ("*" | "/" | "%") unary }
//	unary      = "-" unary | primary
//	primary    = number | string | "true" | "false" | "null"
//	           | ident "(" [ expr { "," expr } ] ")"
//	           | ident
//	           | "(" expr ")"
//
// Functions: coalesce, concat, substring, trim, upper, lower, cast,
// date_diff, if.
package expr

import (
	"fmt"
	"strings"
	"time"
)

// Env carries the source-row values an expression is evaluated against.
// Column names are matched case-insensitively.
type Env map[string]any

// NewEnv builds an Env from column names and values, folding names to lower
// case for case-insensitive lookup.
func NewEnv(columns []string, values []any) Env {
	env := make(Env, len(columns))
	for i, c := range columns {
		if i < len(values) {
			env[strings.ToLower(c)] = values[i]
		}
	}
	return env
}

// Lookup resolves a column reference.
func (e Env) Lookup(name string) (any, bool) {
	v, ok := e[strings.ToLower(name)]
	return v, ok
}

// Program is a parsed, reusable expression. A Program is immutable and safe
// for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Parse compiles an expression into a Program.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	pr := &parser{toks: toks, src: src}
	root, err := pr.parseExpr()
	if err != nil {
		return nil, err
	}
	if !pr.atEOF() {
		return nil, &ParseError{Src: src, Pos: pr.peek().pos, Msg: fmt.Sprintf("unexpected %q", pr.peek().lit)}
	}
	return &Program{src: src, root: root}, nil
}

// Eval evaluates the program against a row environment. The result is one of
// nil, int64, float64, string, bool, or time.Time.
func (p *Program) Eval(env Env) (any, error) {
	return p.root.eval(env)
}

// Columns returns the distinct column names referenced by the expression,
// lower-cased, in first-reference order.
func (p *Program) Columns() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(n node)
	walk = func(n node) {
		switch t := n.(type) {
		case *columnNode:
			name := strings.ToLower(t.name)
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		case *unaryNode:
			walk(t.operand)
		case *binaryNode:
			walk(t.left)
			walk(t.right)
		case *callNode:
			for _, a := range t.args {
				walk(a)
			}
		}
	}
	walk(p.root)
	return out
}

// ParseError describes a syntax error with its position in the source text.
type ParseError struct {
	Src string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expression %q: %s at offset %d", e.Src, e.Msg, e.Pos)
}

// EvalError describes an evaluation failure (unknown column, type mismatch,
// bad function arguments).
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "expression: " + e.Msg }

func evalErrorf(format string, args ...any) error {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

// truthy interprets a value as a condition for if().
func truthy(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	default:
		return false, evalErrorf("condition is not boolean: %T", v)
	}
}

// timeValue reports whether v is temporal.
func timeValue(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
