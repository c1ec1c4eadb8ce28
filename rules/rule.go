package rules

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// Supported leaf operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
	OpExists   = "exists"
)

// Evaluator decides whether an edge condition holds against execution state.
type Evaluator interface {
	Evaluate(cond types.Condition, state map[string]interface{}) (bool, error)

	// Compile validates a condition ahead of execution. Definitions are
	// checked at registration time so a malformed condition is rejected
	// before any run can hit it.
	Compile(cond types.Condition) error
}

// PredicateEvaluator evaluates closed predicate trees. Conditions carrying an
// Expr string are delegated to expr-lang with a compiled-program cache, so an
// expression is compiled once per process no matter how many runs traverse
// its edge.
type PredicateEvaluator struct {
	programs map[string]*vm.Program
	mu       sync.RWMutex
}

// NewPredicateEvaluator creates an evaluator with an empty program cache.
func NewPredicateEvaluator() *PredicateEvaluator {
	return &PredicateEvaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate walks the condition tree. A zero-value condition holds
// unconditionally, matching an edge declared without a condition.
func (p *PredicateEvaluator) Evaluate(cond types.Condition, state map[string]interface{}) (bool, error) {
	switch {
	case cond.Expr != "":
		return p.evaluateExpr(cond.Expr, state)

	case cond.Not != nil:
		ok, err := p.Evaluate(*cond.Not, state)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case len(cond.All) > 0:
		for _, c := range cond.All {
			ok, err := p.Evaluate(c, state)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(cond.Any) > 0:
		for _, c := range cond.Any {
			ok, err := p.Evaluate(c, state)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.Op != "":
		return evaluateLeaf(cond, state)

	default:
		// Unconditional edge.
		return true, nil
	}
}

// Compile validates every operator in the tree and compiles any expressions
// into the program cache.
func (p *PredicateEvaluator) Compile(cond types.Condition) error {
	if cond.Expr != "" {
		return p.compileExpr(cond.Expr)
	}
	if cond.Not != nil {
		return p.Compile(*cond.Not)
	}
	for _, c := range append(append([]types.Condition(nil), cond.All...), cond.Any...) {
		if err := p.Compile(c); err != nil {
			return err
		}
	}
	if cond.Op == "" {
		return nil
	}
	switch cond.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpExists:
		if cond.Field == "" {
			return fmt.Errorf("operator %q requires a field", cond.Op)
		}
		return nil
	default:
		return fmt.Errorf("unknown operator %q", cond.Op)
	}
}

func (p *PredicateEvaluator) compileExpr(expression string) error {
	p.mu.RLock()
	_, ok := p.programs[expression]
	p.mu.RUnlock()
	if ok {
		return nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}

	p.mu.Lock()
	p.programs[expression] = program
	p.mu.Unlock()
	return nil
}

func (p *PredicateEvaluator) evaluateExpr(expression string, state map[string]interface{}) (bool, error) {
	p.mu.RLock()
	program, ok := p.programs[expression]
	p.mu.RUnlock()

	if !ok {
		if err := p.compileExpr(expression); err != nil {
			return false, err
		}
		p.mu.RLock()
		program = p.programs[expression]
		p.mu.RUnlock()
	}

	result, err := vm.Run(program, state)
	if err != nil {
		return false, fmt.Errorf("failed to run expression %q: %w", expression, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

func evaluateLeaf(cond types.Condition, state map[string]interface{}) (bool, error) {
	actual, present := Lookup(state, cond.Field)

	switch cond.Op {
	case OpExists:
		return present, nil
	case OpEq:
		return present && equal(actual, cond.Value), nil
	case OpNe:
		return !present || !equal(actual, cond.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false, nil
		}
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %q needs numeric operands for field %q", cond.Op, cond.Field)
		}
		switch cond.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn:
		if !present {
			return false, nil
		}
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("operator %q needs a list value for field %q", OpIn, cond.Field)
		}
		for _, v := range list {
			if equal(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if !present {
			return false, nil
		}
		switch t := actual.(type) {
		case string:
			s, ok := cond.Value.(string)
			return ok && strings.Contains(t, s), nil
		case []interface{}:
			for _, v := range t {
				if equal(v, cond.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("operator %q needs a string or list field, got %T", OpContains, actual)
		}
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Op)
	}
}

// Lookup resolves a dotted path ("payment.amount") through nested state maps.
func Lookup(state map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current interface{} = state
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equal compares with numeric normalization: JSON round-trips turn ints into
// float64, so 5000 and 5000.0 must compare equal.
func equal(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
