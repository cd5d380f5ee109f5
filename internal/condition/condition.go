// Package condition parses and evaluates deploy trigger expressions.
// An expression is a conjunction of atoms:
//
//	branch = master AND type = push
//	repo IN (cirq/cirq, cirq/cirq-rc) AND env:RELEASE = true
//
// Expressions are parsed once, at matrix expansion time, and evaluated
// against a BuildContext per deploy decision.
package condition

import (
	"fmt"
	"strings"

	"github.com/matrixci/matrixci/internal/types"
)

// ConditionError is an unresolvable field reference found during
// evaluation. It is fatal to the owning job's deploy decision only.
type ConditionError struct {
	Field string
}

func (ce ConditionError) Error() string {
	return fmt.Sprintf("condition references unknown field %q", ce.Field)
}

// SyntaxError is a malformed expression. Expressions are parsed while the
// declaration is expanded, so a syntax error surfaces as a config problem
// before any job runs.
type SyntaxError struct {
	Expr    string
	Message string
}

func (se SyntaxError) Error() string {
	return fmt.Sprintf("invalid condition %q: %s", se.Expr, se.Message)
}

type op int

const (
	opEquals op = iota
	opIn
)

type atom struct {
	field  string
	op     op
	values []string
}

// Expr is a parsed condition: atoms joined by AND, evaluated left to right
// with short-circuiting on the first false atom.
type Expr struct {
	source string
	atoms  []atom
}

func (e *Expr) String() string {
	return e.source
}

// Parse builds an expression tree from its string form.
func Parse(source string) (*Expr, error) {
	tokens, err := lex(source)
	if err != nil {
		return nil, err
	}
	expr := &Expr{source: source}
	for i := 0; ; {
		a, next, err := parseAtom(source, tokens, i)
		if err != nil {
			return nil, err
		}
		expr.atoms = append(expr.atoms, a)
		i = next
		if i >= len(tokens) {
			return expr, nil
		}
		if !strings.EqualFold(tokens[i].text, "AND") || tokens[i].kind != tokenWord {
			return nil, SyntaxError{Expr: source, Message: "expected AND between atoms"}
		}
		i++
	}
}

// Eval evaluates the expression against a build context. Evaluation stops
// at the first false atom, so later atoms are never resolved when an
// earlier one already decided the outcome.
func (e *Expr) Eval(bctx *types.BuildContext) (bool, error) {
	for _, a := range e.atoms {
		actual, err := resolveField(a.field, bctx)
		if err != nil {
			return false, err
		}
		matched := false
		for _, v := range a.values {
			if actual == v {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// resolveField binds a field name to a BuildContext lookup. env:NAME reads
// the context environment, where an unset variable is the empty string,
// never an error. Any other unknown name is a ConditionError.
func resolveField(field string, bctx *types.BuildContext) (string, error) {
	switch field {
	case "branch":
		return bctx.Branch(), nil
	case "type":
		return string(bctx.Event()), nil
	case "repo":
		return bctx.Repo(), nil
	case "tag":
		return bctx.Tag(), nil
	}
	if name, ok := strings.CutPrefix(field, "env:"); ok {
		return bctx.EnvValue(name), nil
	}
	return "", ConditionError{Field: field}
}

func parseAtom(source string, tokens []token, i int) (atom, int, error) {
	if i >= len(tokens) || tokens[i].kind != tokenWord {
		return atom{}, 0, SyntaxError{Expr: source, Message: "expected field name"}
	}
	field := tokens[i].text
	i++
	if i >= len(tokens) {
		return atom{}, 0, SyntaxError{Expr: source, Message: "expected operator after field"}
	}

	switch {
	case tokens[i].kind == tokenEquals:
		i++
		if i >= len(tokens) || (tokens[i].kind != tokenWord && tokens[i].kind != tokenString) {
			return atom{}, 0, SyntaxError{Expr: source, Message: "expected literal after ="}
		}
		return atom{field: field, op: opEquals, values: []string{tokens[i].text}}, i + 1, nil

	case tokens[i].kind == tokenWord && strings.EqualFold(tokens[i].text, "IN"):
		i++
		if i >= len(tokens) || tokens[i].kind != tokenLParen {
			return atom{}, 0, SyntaxError{Expr: source, Message: "expected ( after IN"}
		}
		i++
		var values []string
		for {
			if i >= len(tokens) || (tokens[i].kind != tokenWord && tokens[i].kind != tokenString) {
				return atom{}, 0, SyntaxError{Expr: source, Message: "expected literal in IN list"}
			}
			values = append(values, tokens[i].text)
			i++
			if i < len(tokens) && tokens[i].kind == tokenComma {
				i++
				continue
			}
			break
		}
		if i >= len(tokens) || tokens[i].kind != tokenRParen {
			return atom{}, 0, SyntaxError{Expr: source, Message: "expected ) to close IN list"}
		}
		return atom{field: field, op: opIn, values: values}, i + 1, nil
	}

	return atom{}, 0, SyntaxError{Expr: source, Message: "expected = or IN after field"}
}
