package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ValueColumn is the column alias that every compiled predicate is written against.
// The query runner binds it to the value column of the field's storage table.
const ValueColumn = "e.value"

type Operator int

const (
	OpLike Operator = iota
	OpNotLike
	OpEqual
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

func (o Operator) String() string {
	switch o {
	case OpLike:
		return "LIKE"
	case OpNotLike:
		return "NOT LIKE"
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

func (o Operator) IsLike() bool {
	return o == OpLike || o == OpNotLike
}

type Connective int

const (
	And Connective = iota
	Or
)

func (c Connective) String() string {
	if c == Or {
		return "OR"
	}
	return "AND"
}

// Comparison is a single "e.value <op> :param" clause of a predicate
type Comparison struct {
	Op    Operator
	Param string
}

// Predicate is a compiled field expression. Literal values never appear in SQL; they live in Params,
// keyed by the placeholder name without its leading colon.
type Predicate struct {
	SQL    string
	Params map[string]any

	comparisons []Comparison
	connectives []Connective // connectives[i] joins comparisons[i] and comparisons[i+1]
}

func (p *Predicate) Comparisons() []Comparison {
	return p.comparisons
}

// Render produces the predicate with each comparison written by f. This lets a SQL dialect
// substitute its own case-insensitive match or column cast without re-parsing SQL text.
func (p *Predicate) Render(f func(c Comparison) string) string {
	s := strings.Builder{}
	for i, c := range p.comparisons {
		if i != 0 {
			s.WriteString(" ")
			s.WriteString(p.connectives[i-1].String())
			s.WriteString(" ")
		}
		s.WriteString(f(c))
	}
	return s.String()
}

// Canonical rendering of a comparison against ValueColumn
func CanonicalComparison(c Comparison) string {
	return ValueColumn + " " + c.Op.String() + " :" + c.Param
}

// Compile turns a free-text field expression into a predicate. It returns nil when the
// expression contains no terms.
func Compile(src string) *Predicate {
	return Build(Cleanup(Tokenize(src)))
}

// Build renders a cleaned token list into a predicate. Operands that arrive without a
// connective between them are joined with AND.
func Build(tokens []Token) *Predicate {
	p := &Predicate{
		Params: map[string]any{},
	}
	negate := false
	inequality := ""
	var pending *Connective

	for _, tok := range tokens {
		switch tok.Kind {
		case TokenNot:
			negate = true
		case TokenAnd, TokenOr:
			if len(p.comparisons) != 0 {
				c := And
				if tok.Kind == TokenOr {
					c = Or
				}
				pending = &c
			}
		case TokenInequality:
			inequality = tok.Text
		case TokenTerm:
			if len(p.comparisons) != 0 {
				c := And
				if pending != nil {
					c = *pending
				}
				p.connectives = append(p.connectives, c)
			}
			pending = nil

			name := fmt.Sprintf("term_%d", len(p.comparisons))
			text := norm.NFC.String(tok.Text)
			cmp := Comparison{Param: name}
			switch {
			case inequality != "":
				cmp.Op = inequalityOperator(inequality, negate)
				p.Params[name] = numericOrString(text)
			case tok.Quoted:
				cmp.Op = OpEqual
				if negate {
					cmp.Op = OpNotEqual
				}
				p.Params[name] = numericOrString(text)
			default:
				cmp.Op = OpLike
				if negate {
					cmp.Op = OpNotLike
				}
				p.Params[name] = "%" + text + "%"
			}
			p.comparisons = append(p.comparisons, cmp)
			negate = false
			inequality = ""
		}
	}

	if len(p.comparisons) == 0 {
		return nil
	}
	p.SQL = p.Render(CanonicalComparison)
	return p
}

func inequalityOperator(op string, negate bool) Operator {
	switch op {
	case "<":
		if negate {
			return OpGreaterEqual
		}
		return OpLess
	case "<=":
		if negate {
			return OpGreater
		}
		return OpLessEqual
	case ">":
		if negate {
			return OpLessEqual
		}
		return OpGreater
	}
	if negate {
		return OpLess
	}
	return OpGreaterEqual
}

var numericPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// numericOrString coerces numeric-looking text to int64, or to float64 when it carries a decimal
// point. Anything else is returned unchanged, so a comparison against non-numeric text still runs.
func numericOrString(s string) any {
	if !numericPattern.MatchString(s) {
		return s
	}
	if !strings.Contains(s, ".") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
