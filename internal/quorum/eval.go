package quorum

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq  Operator = "=="
	OpNeq Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// Rule is a compiled predicate over a Tally.
type Rule struct {
	src  string
	expr Expr
}

// Compile parses src into a Rule.
func Compile(src string) (*Rule, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty rule")
	}
	expr, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", src, err)
	}
	return &Rule{src: src, expr: expr}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Rule {
	r, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the rule's source text.
func (r *Rule) String() string { return r.src }

// Eval reports whether the rule holds for t.
func (r *Rule) Eval(t Tally) (bool, error) {
	return Evaluate(r.expr, t)
}

// Evaluate walks the AST against t.
func Evaluate(expr Expr, t Tally) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		left, err := Evaluate(e.Left, t)
		if err != nil {
			return false, err
		}
		switch e.Op {
		case "AND":
			if !left {
				return false, nil
			}
		case "OR":
			if left {
				return true, nil
			}
		default:
			return false, fmt.Errorf("unknown binary op %q", e.Op)
		}
		return Evaluate(e.Right, t)
	case *NotExpr:
		v, err := Evaluate(e.Expr, t)
		return !v, err
	case *ComparisonExpr:
		left, err := resolve(e.Left, t)
		if err != nil {
			return false, err
		}
		right, err := resolve(e.Right, t)
		if err != nil {
			return false, err
		}
		return compare(e.Op, left, right)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func resolve(op Operand, t Tally) (interface{}, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *FieldOperand:
		v, ok := t.lookup(o.Name)
		if !ok {
			return nil, fmt.Errorf("field %q not found", o.Name)
		}
		return v, nil
	case *ArithOperand:
		l, err := resolveInt(o.Left, t)
		if err != nil {
			return nil, err
		}
		r, err := resolveInt(o.Right, t)
		if err != nil {
			return nil, err
		}
		if o.Op == '-' {
			return l - r, nil
		}
		return l + r, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}

func resolveInt(op Operand, t Tally) (int, error) {
	v, err := resolve(op, t)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("arithmetic requires integers, got %T", v)
	}
	return n, nil
}

func compare(op Operator, left, right interface{}) (bool, error) {
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", right)
		}
		switch op {
		case OpEq:
			return lb == rb, nil
		case OpNeq:
			return lb != rb, nil
		}
		return false, fmt.Errorf("operator %s requires integer operands", op)
	}
	ln, lok := left.(int)
	rn, rok := right.(int)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires integer operands, got %T and %T", op, left, right)
	}
	switch op {
	case OpEq:
		return ln == rn, nil
	case OpNeq:
		return ln != rn, nil
	case OpGt:
		return ln > rn, nil
	case OpGte:
		return ln >= rn, nil
	case OpLt:
		return ln < rn, nil
	case OpLte:
		return ln <= rn, nil
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}
