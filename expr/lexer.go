package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	lit  string
	pos  int
}

// lex splits the source into tokens. Strings use single quotes with ''
// escaping, SQL style.
func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Src: src, Pos: start, Msg: "unterminated string literal"}
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			lit := string(runes[start:i])
			if strings.Count(lit, ".") > 1 {
				return nil, &ParseError{Src: src, Pos: start, Msg: fmt.Sprintf("malformed number %q", lit)}
			}
			toks = append(toks, token{tokNumber, lit, start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), start})
		case strings.ContainsRune("+-*/%=<>!|", r):
			start := i
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "||", "<=", ">=", "!=", "<>":
				toks = append(toks, token{tokOp, two, start})
				i += 2
			default:
				if r == '|' || r == '!' {
					return nil, &ParseError{Src: src, Pos: start, Msg: fmt.Sprintf("unexpected character %q", string(r))}
				}
				toks = append(toks, token{tokOp, string(r), start})
				i++
			}
		default:
			return nil, &ParseError{Src: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", string(r))}
		}
	}
	toks = append(toks, token{tokEOF, "", len(runes)})
	return toks, nil
}
