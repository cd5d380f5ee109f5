package condition

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenEquals
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(source string) ([]token, error) {
	var tokens []token
	runes := []rune(source)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '=':
			tokens = append(tokens, token{kind: tokenEquals})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokenLParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokenRParen})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokenComma})
			i++
		case r == '"' || r == '\'':
			quote := r
			var sb strings.Builder
			i++
			for i < len(runes) && runes[i] != quote {
				sb.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, SyntaxError{Expr: source, Message: "unterminated string literal"}
			}
			i++
			tokens = append(tokens, token{kind: tokenString, text: sb.String()})
		default:
			var sb strings.Builder
			for i < len(runes) && isWordRune(runes[i]) {
				sb.WriteRune(runes[i])
				i++
			}
			if sb.Len() == 0 {
				return nil, SyntaxError{Expr: source, Message: "unexpected character " + string(r)}
			}
			tokens = append(tokens, token{kind: tokenWord, text: sb.String()})
		}
	}
	if len(tokens) == 0 {
		return nil, SyntaxError{Expr: source, Message: "empty expression"}
	}
	return tokens, nil
}

func isWordRune(r rune) bool {
	if unicode.IsSpace(r) {
		return false
	}
	switch r {
	case '=', '(', ')', ',', '"', '\'':
		return false
	}
	return true
}
