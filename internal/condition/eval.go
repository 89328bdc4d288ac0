package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Resolver supplies values for dot-path fields during evaluation.
type Resolver interface {
	Resolve(path []string) (interface{}, bool)
}

// Expr is a compiled expression. Eval walks the tree with short-circuit
// semantics for AND/OR.
type Expr interface {
	Eval(r Resolver) (bool, error)
}

type logicOp int

const (
	opAnd logicOp = iota
	opOr
)

type logicExpr struct {
	op    logicOp
	left  Expr
	right Expr
}

func (e *logicExpr) Eval(r Resolver) (bool, error) {
	left, err := e.left.Eval(r)
	if err != nil {
		return false, err
	}
	if e.op == opAnd && !left {
		return false, nil
	}
	if e.op == opOr && left {
		return true, nil
	}
	return e.right.Eval(r)
}

type notExpr struct {
	inner Expr
}

func (e *notExpr) Eval(r Resolver) (bool, error) {
	v, err := e.inner.Eval(r)
	if err != nil {
		return false, err
	}
	return !v, nil
}

type operator string

const (
	opEq       operator = "=="
	opNeq      operator = "!="
	opGt       operator = ">"
	opGte      operator = ">="
	opLt       operator = "<"
	opLte      operator = "<="
	opContains operator = "contains"
	opMatches  operator = "matches"
)

type cmpExpr struct {
	left  operand
	op    operator
	right operand
}

func (e *cmpExpr) Eval(r Resolver) (bool, error) {
	left, err := e.left.value(r)
	if err != nil {
		return false, err
	}
	right, err := e.right.value(r)
	if err != nil {
		return false, err
	}
	switch e.op {
	case opEq:
		return equal(left, right), nil
	case opNeq:
		return !equal(left, right), nil
	case opGt, opGte, opLt, opLte:
		return numericCompare(e.op, left, right)
	case opContains:
		ls, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("contains: left operand must be a string, got %T", left)
		}
		return strings.Contains(ls, fmt.Sprintf("%v", right)), nil
	case opMatches:
		return matchRegexp(left, right)
	}
	return false, fmt.Errorf("unknown operator %q", e.op)
}

type operand interface {
	value(r Resolver) (interface{}, error)
}

type literal struct {
	val interface{}
}

func (l literal) value(Resolver) (interface{}, error) { return l.val, nil }

type fieldPath struct {
	path []string
}

func (f fieldPath) value(r Resolver) (interface{}, error) {
	v, ok := r.Resolve(f.path)
	if !ok {
		return nil, fmt.Errorf("field %q not found", strings.Join(f.path, "."))
	}
	return v, nil
}

// equal compares numeric values by magnitude, booleans directly, and
// everything else by string form.
func equal(left, right interface{}) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func numericCompare(op operator, left, right interface{}) (bool, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case opGt:
		return lf > rf, nil
	case opGte:
		return lf >= rf, nil
	case opLt:
		return lf < rf, nil
	case opLte:
		return lf <= rf, nil
	}
	return false, nil
}

func matchRegexp(left, right interface{}) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
	}
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("matches: right operand must be a string pattern, got %T", right)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(ls), nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// MapResolver resolves dot paths by walking nested map[string]interface{}
// values. It is the resolver used for event payloads and run contexts.
type MapResolver map[string]interface{}

func (m MapResolver) Resolve(path []string) (interface{}, bool) {
	return walkPath(map[string]interface{}(m), path)
}

func walkPath(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return walkPath(sub, path[1:])
}
