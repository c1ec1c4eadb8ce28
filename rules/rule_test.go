package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// TestPredicateEvaluatorLeaves tests the leaf operators against flat and
// nested state.
func TestPredicateEvaluatorLeaves(t *testing.T) {
	evaluator := NewPredicateEvaluator()

	state := map[string]interface{}{
		"amount":   5000,
		"currency": "EUR",
		"tags":     []interface{}{"urgent", "finance"},
		"payment": map[string]interface{}{
			"method": "wire",
			"amount": 120.5,
		},
	}

	tests := []struct {
		name       string
		cond       types.Condition
		wantResult bool
		wantErr    bool
	}{
		{
			name:       "eq number",
			cond:       types.Condition{Field: "amount", Op: OpEq, Value: 5000},
			wantResult: true,
		},
		{
			name: "eq number with float normalization",
			// JSON decoding produces float64; 5000 and 5000.0 must match.
			cond:       types.Condition{Field: "amount", Op: OpEq, Value: float64(5000)},
			wantResult: true,
		},
		{
			name:       "eq string mismatch",
			cond:       types.Condition{Field: "currency", Op: OpEq, Value: "USD"},
			wantResult: false,
		},
		{
			name:       "ne on missing field holds",
			cond:       types.Condition{Field: "missing", Op: OpNe, Value: 1},
			wantResult: true,
		},
		{
			name:       "gt true",
			cond:       types.Condition{Field: "amount", Op: OpGt, Value: 4999},
			wantResult: true,
		},
		{
			name:       "gte boundary",
			cond:       types.Condition{Field: "amount", Op: OpGte, Value: 5000},
			wantResult: true,
		},
		{
			name:       "lt false",
			cond:       types.Condition{Field: "amount", Op: OpLt, Value: 5000},
			wantResult: false,
		},
		{
			name:       "lte boundary",
			cond:       types.Condition{Field: "amount", Op: OpLte, Value: 5000},
			wantResult: true,
		},
		{
			name:    "gt non-numeric operand",
			cond:    types.Condition{Field: "currency", Op: OpGt, Value: 10},
			wantErr: true,
		},
		{
			name:       "gt missing field is false",
			cond:       types.Condition{Field: "missing", Op: OpGt, Value: 1},
			wantResult: false,
		},
		{
			name:       "in list",
			cond:       types.Condition{Field: "currency", Op: OpIn, Value: []interface{}{"USD", "EUR"}},
			wantResult: true,
		},
		{
			name:    "in non-list value",
			cond:    types.Condition{Field: "currency", Op: OpIn, Value: "EUR"},
			wantErr: true,
		},
		{
			name:       "contains string",
			cond:       types.Condition{Field: "currency", Op: OpContains, Value: "EU"},
			wantResult: true,
		},
		{
			name:       "contains list element",
			cond:       types.Condition{Field: "tags", Op: OpContains, Value: "urgent"},
			wantResult: true,
		},
		{
			name:       "exists present",
			cond:       types.Condition{Field: "payment.method", Op: OpExists},
			wantResult: true,
		},
		{
			name:       "exists missing",
			cond:       types.Condition{Field: "payment.iban", Op: OpExists},
			wantResult: false,
		},
		{
			name:       "dotted path into nested map",
			cond:       types.Condition{Field: "payment.amount", Op: OpGt, Value: 100},
			wantResult: true,
		},
		{
			name:    "unknown operator",
			cond:    types.Condition{Field: "amount", Op: "matches", Value: 1},
			wantErr: true,
		},
		{
			name:       "zero condition holds unconditionally",
			cond:       types.Condition{},
			wantResult: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.cond, state)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
			}
			assert.Equal(t, tt.wantResult, result, "Evaluate() result mismatch")
		})
	}
}

// TestPredicateEvaluatorCombinators tests All/Any/Not composition.
func TestPredicateEvaluatorCombinators(t *testing.T) {
	evaluator := NewPredicateEvaluator()
	state := map[string]interface{}{"amount": 75000, "currency": "EUR"}

	high := types.Condition{Field: "amount", Op: OpGt, Value: 50000}
	euro := types.Condition{Field: "currency", Op: OpEq, Value: "EUR"}
	dollar := types.Condition{Field: "currency", Op: OpEq, Value: "USD"}

	tests := []struct {
		name       string
		cond       types.Condition
		wantResult bool
	}{
		{
			name:       "all true",
			cond:       types.Condition{All: []types.Condition{high, euro}},
			wantResult: true,
		},
		{
			name:       "all short-circuits false",
			cond:       types.Condition{All: []types.Condition{dollar, high}},
			wantResult: false,
		},
		{
			name:       "any picks the true branch",
			cond:       types.Condition{Any: []types.Condition{dollar, euro}},
			wantResult: true,
		},
		{
			name:       "any all false",
			cond:       types.Condition{Any: []types.Condition{dollar, {Field: "amount", Op: OpLt, Value: 10}}},
			wantResult: false,
		},
		{
			name:       "not inverts",
			cond:       types.Condition{Not: &dollar},
			wantResult: true,
		},
		{
			name: "nested not of all",
			cond: types.Condition{Not: &types.Condition{
				All: []types.Condition{high, dollar},
			}},
			wantResult: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.cond, state)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

// TestPredicateEvaluatorExpr tests the expression escape hatch and its
// program cache.
func TestPredicateEvaluatorExpr(t *testing.T) {
	evaluator := NewPredicateEvaluator()
	state := map[string]interface{}{"age": 25, "role": "admin"}

	result, err := evaluator.Evaluate(types.Condition{Expr: `age > 18 and role == "admin"`}, state)
	assert.NoError(t, err)
	assert.True(t, result)

	result, err = evaluator.Evaluate(types.Condition{Expr: "age < 18"}, state)
	assert.NoError(t, err)
	assert.False(t, result)

	// Undefined variables evaluate against nil instead of erroring.
	result, err = evaluator.Evaluate(types.Condition{Expr: "missing == nil"}, state)
	assert.NoError(t, err)
	assert.True(t, result)

	_, err = evaluator.Evaluate(types.Condition{Expr: "age >>> 18"}, state)
	assert.Error(t, err, "invalid syntax should surface a compile error")

	// The second evaluation of the same expression hits the cache.
	expression := "age >= 21"
	assert.NoError(t, evaluator.Compile(types.Condition{Expr: expression}))
	evaluator.mu.RLock()
	_, cached := evaluator.programs[expression]
	evaluator.mu.RUnlock()
	assert.True(t, cached, "Compile() should populate the program cache")

	result, err = evaluator.Evaluate(types.Condition{Expr: expression}, state)
	assert.NoError(t, err)
	assert.True(t, result)
}

// TestPredicateEvaluatorCompile tests definition-time validation.
func TestPredicateEvaluatorCompile(t *testing.T) {
	evaluator := NewPredicateEvaluator()

	tests := []struct {
		name    string
		cond    types.Condition
		wantErr bool
	}{
		{
			name: "valid leaf",
			cond: types.Condition{Field: "amount", Op: OpGt, Value: 100},
		},
		{
			name:    "unknown operator",
			cond:    types.Condition{Field: "amount", Op: "approx", Value: 100},
			wantErr: true,
		},
		{
			name:    "operator without field",
			cond:    types.Condition{Op: OpEq, Value: 100},
			wantErr: true,
		},
		{
			name: "valid expression",
			cond: types.Condition{Expr: "amount > 100"},
		},
		{
			name:    "malformed expression",
			cond:    types.Condition{Expr: "amount >"},
			wantErr: true,
		},
		{
			name: "nested combinators validated recursively",
			cond: types.Condition{All: []types.Condition{
				{Field: "a", Op: OpEq, Value: 1},
				{Any: []types.Condition{{Field: "b", Op: "bogus"}}},
			}},
			wantErr: true,
		},
		{
			name: "empty condition is valid",
			cond: types.Condition{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluator.Compile(tt.cond)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPredicateEvaluatorConcurrency exercises the cache under concurrent use.
func TestPredicateEvaluatorConcurrency(t *testing.T) {
	evaluator := NewPredicateEvaluator()
	cond := types.Condition{Expr: "n > 10"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := evaluator.Evaluate(cond, map[string]interface{}{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n > 10, result)
		}(i)
	}
	wg.Wait()
}

// TestLookup tests dotted-path resolution.
func TestLookup(t *testing.T) {
	state := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{"c": 42},
		},
		"flat": "x",
	}

	v, ok := Lookup(state, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = Lookup(state, "flat")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Lookup(state, "a.b.missing")
	assert.False(t, ok)

	// Traversal through a non-map stops cleanly.
	_, ok = Lookup(state, "flat.deeper")
	assert.False(t, ok)

	_, ok = Lookup(state, "")
	assert.False(t, ok)
}
