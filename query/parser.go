package query

import (
	"strings"
	"unicode"
)

type TokenKind int

const (
	TokenTerm TokenKind = iota
	TokenNot
	TokenAnd
	TokenOr
	TokenInequality
)

// Token is one element of a tokenized field expression.
// For TokenInequality, Text holds the operator (<, >, <=, >=).
type Token struct {
	Kind   TokenKind
	Text   string
	Quoted bool
}

func (t Token) isConnective() bool {
	return t.Kind == TokenAnd || t.Kind == TokenOr
}

func (t Token) String() string {
	switch t.Kind {
	case TokenNot:
		return "!"
	case TokenAnd:
		return "&&"
	case TokenOr:
		return "||"
	case TokenInequality:
		return t.Text
	}
	if t.Quoted {
		return `"` + t.Text + `"`
	}
	return t.Text
}

type states int

const (
	state_space states = iota
	state_word
	state_quoted
)

// Tokenize splits a field expression into terms and operators.
//
// A double quote toggles exact phrase capture, and an unterminated phrase is closed at the end of
// the input. Outside of quotes, whitespace separates terms. A '!', '<' or '>' is only an operator
// when it starts a fragment. The word OR is only a connective when it stands alone between two
// whitespace characters.
func Tokenize(src string) []Token {
	runes := []rune(src)
	tokens := []Token{}
	state := state_space
	word := strings.Builder{}

	flushWord := func() {
		if word.Len() != 0 {
			tokens = append(tokens, Token{Kind: TokenTerm, Text: word.String()})
			word.Reset()
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if state == state_quoted {
			if r == '"' {
				tokens = append(tokens, Token{Kind: TokenTerm, Text: word.String(), Quoted: true})
				word.Reset()
				state = state_space
			} else {
				word.WriteRune(r)
			}
			continue
		}

		if r == '"' {
			flushWord()
			state = state_quoted
			continue
		}
		if unicode.IsSpace(r) {
			flushWord()
			state = state_space
			continue
		}
		if state == state_word {
			word.WriteRune(r)
			continue
		}

		switch r {
		case '!':
			tokens = append(tokens, Token{Kind: TokenNot})
		case '<', '>':
			op := string(r)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			tokens = append(tokens, Token{Kind: TokenInequality, Text: op})
		case 'o', 'O':
			if isStandaloneOR(runes, i) {
				tokens = append(tokens, Token{Kind: TokenOr})
				i++
				continue
			}
			word.WriteRune(r)
			state = state_word
		default:
			word.WriteRune(r)
			state = state_word
		}
	}

	if state == state_quoted {
		tokens = append(tokens, Token{Kind: TokenTerm, Text: word.String(), Quoted: true})
	} else {
		flushWord()
	}
	return tokens
}

func isStandaloneOR(runes []rune, i int) bool {
	if i == 0 || i+2 >= len(runes) {
		return false
	}
	return unicode.IsSpace(runes[i-1]) && (runes[i+1] == 'r' || runes[i+1] == 'R') && unicode.IsSpace(runes[i+2])
}

// Cleanup repairs operator sequences that a user can type but that have no sensible meaning,
// and inserts the implicit AND between adjacent operands.
//
//	OR a        -> a             (connectives cannot lead)
//	a OR OR b   -> a || b        (consecutive connectives collapse)
//	!!a         -> ! a
//	> OR 5      -> > 5           (an inequality already owns the next operand)
//	a OR        -> a             (dangling operators are dropped)
//	a b         -> a && b
func Cleanup(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens)+len(tokens)/2)
	for _, tok := range tokens {
		var prev *Token
		if len(out) != 0 {
			prev = &out[len(out)-1]
		}

		switch tok.Kind {
		case TokenAnd, TokenOr:
			if prev == nil || prev.Kind != TokenTerm {
				continue
			}
		case TokenNot:
			if prev != nil && (prev.Kind == TokenNot || prev.Kind == TokenInequality) {
				continue
			}
			if prev != nil && prev.Kind == TokenTerm {
				out = append(out, Token{Kind: TokenAnd})
			}
		case TokenInequality:
			if prev != nil && prev.Kind == TokenInequality {
				continue
			}
			if prev != nil && prev.Kind == TokenTerm {
				out = append(out, Token{Kind: TokenAnd})
			}
		case TokenTerm:
			if prev != nil && prev.Kind == TokenTerm {
				out = append(out, Token{Kind: TokenAnd})
			}
		}
		out = append(out, tok)
	}

	for len(out) != 0 && out[len(out)-1].Kind != TokenTerm {
		out = out[:len(out)-1]
	}
	return out
}
