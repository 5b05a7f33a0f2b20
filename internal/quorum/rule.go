package quorum

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// -----------------------------------------------------------------------
// AST nodes
// -----------------------------------------------------------------------

// Expr is the common interface for boolean AST nodes.
type Expr interface {
	exprNode()
}

// BinaryExpr represents AND / OR.
type BinaryExpr struct {
	Op    string // "AND" | "OR"
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}

// NotExpr represents NOT <expr>.
type NotExpr struct {
	Expr Expr
}

func (*NotExpr) exprNode() {}

// ComparisonExpr represents <operand> <operator> <operand>.
type ComparisonExpr struct {
	Left  Operand
	Op    Operator
	Right Operand
}

func (*ComparisonExpr) exprNode() {}

// Operand is a literal, a tally field, or integer arithmetic over them.
type Operand interface {
	operandNode()
}

// LiteralOperand holds an int or bool constant.
type LiteralOperand struct {
	Value interface{}
}

func (*LiteralOperand) operandNode() {}

// FieldOperand names a Tally field such as "approvals".
type FieldOperand struct {
	Name string
}

func (*FieldOperand) operandNode() {}

// ArithOperand represents <operand> + <operand> or <operand> - <operand>.
type ArithOperand struct {
	Op    byte // '+' | '-'
	Left  Operand
	Right Operand
}

func (*ArithOperand) operandNode() {}

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier or keyword
	tokOp                      // ==, !=, >=, <=, >, <
	tokArith                   // +, -
	tokNumber                  // 42
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokOp, src[i : i+2], i})
				i += 2
				continue
			}
			if ch == '=' || ch == '!' {
				return nil, fmt.Errorf("unexpected %q at position %d", ch, i)
			}
			tokens = append(tokens, token{tokOp, string(ch), i})
			i++
		case ch == '+' || ch == '-':
			tokens = append(tokens, token{tokArith, string(ch), i})
			i++
		case unicode.IsDigit(rune(ch)):
			j := i
			for j < len(src) && unicode.IsDigit(rune(src[j])) {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			word := src[i:j]
			switch strings.ToLower(word) {
			case "true", "false":
				tokens = append(tokens, token{tokBool, strings.ToLower(word), i})
			default:
				tokens = append(tokens, token{tokWord, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(src)})
	return tokens, nil
}

// -----------------------------------------------------------------------
// Recursive-descent parser
// -----------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// Parse parses a rule into an AST. Identifiers must name Tally fields.
func Parse(src string) (Expr, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", t.val, t.pos)
	}
	return node, nil
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// and_expr = not_expr ( "AND" not_expr )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.consume()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

// not_expr = "NOT" not_expr | "(" or_expr ")" | comparison
func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.consume()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" at position %d, got %q", t.pos, t.val)
		}
		p.consume()
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = sum operator sum
func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator at position %d, got %q", t.pos, t.val)
	}
	p.consume()
	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	return &ComparisonExpr{Left: left, Op: Operator(t.val), Right: right}, nil
}

// sum = operand ( ("+" | "-") operand )*
func (p *parser) parseSum() (Operand, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokArith {
		op := p.consume().val[0]
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		left = &ArithOperand{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// operand = field | integer | bool
func (p *parser) parseOperand() (Operand, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.consume()
		n, err := strconv.Atoi(t.val)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", t.val)
		}
		return &LiteralOperand{Value: n}, nil
	case tokBool:
		p.consume()
		return &LiteralOperand{Value: t.val == "true"}, nil
	case tokWord:
		if _, ok := (Tally{}).lookup(t.val); !ok {
			return nil, fmt.Errorf("unknown field %q at position %d (want one of %s)", t.val, t.pos, strings.Join(Fields, ", "))
		}
		p.consume()
		return &FieldOperand{Name: strings.ToLower(t.val)}, nil
	default:
		return nil, fmt.Errorf("expected operand at position %d, got %q", t.pos, t.val)
	}
}
