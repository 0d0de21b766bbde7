package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvline/internal/domain"
)

func threshold(op string, v float64) *domain.Conditions {
	return &domain.Conditions{Threshold: &domain.ThresholdCondition{Field: "total_amount", Operator: op, Value: v}}
}

func TestThresholdOperators(t *testing.T) {
	cases := []struct {
		name   string
		op     string
		value  float64
		amount any
		want   bool
	}{
		{"gt above", OpGT, 5000, 7500.0, true},
		{"gt equal", OpGT, 5000, 5000.0, false},
		{"gte equal", OpGTE, 5000, 5000, true},
		{"lt below", OpLT, 100, 99.99, true},
		{"lte above", OpLTE, 100, 101, false},
		{"eq string number", OpEQ, 42, "42", true},
		{"ne", OpNE, 42, 41, true},
		{"non numeric", OpGT, 1, "lots", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Matches(threshold(tc.op, tc.value), "purchase_order", map[string]any{"total_amount": tc.amount})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEmptyConditionsMatch(t *testing.T) {
	assert.True(t, Matches(nil, "purchase_order", nil))
	assert.True(t, Matches(&domain.Conditions{}, "purchase_order", map[string]any{"x": 1}))
}

func TestUnknownFieldIsNoMatch(t *testing.T) {
	c := &domain.Conditions{Fields: []domain.FieldCondition{{Field: "missing", Operator: OpNE, Value: "x"}}}
	ok, err := Evaluate(c, "sales_order", map[string]any{"status": "draft"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownOperatorFailsClosed(t *testing.T) {
	c := &domain.Conditions{Fields: []domain.FieldCondition{{Field: "status", Operator: "like", Value: "d%"}}}
	ok, err := Evaluate(c, "sales_order", map[string]any{"status": "draft"})
	require.ErrorIs(t, err, ErrMalformed)
	assert.False(t, ok)
	assert.False(t, Matches(c, "sales_order", map[string]any{"status": "draft"}))
}

func TestFieldConditions(t *testing.T) {
	snap := map[string]any{
		"status":   "submitted",
		"tags":     []any{"rush", "export"},
		"customer": map[string]any{"tier": "gold", "credit": 1200},
		"notes":    "customer asked for expedited shipping",
	}
	cases := []struct {
		name string
		f    domain.FieldCondition
		want bool
	}{
		{"eq string", domain.FieldCondition{Field: "status", Operator: OpEQ, Value: "submitted"}, true},
		{"ne string", domain.FieldCondition{Field: "status", Operator: OpNE, Value: "submitted"}, false},
		{"nested path", domain.FieldCondition{Field: "customer.tier", Operator: OpEQ, Value: "gold"}, true},
		{"nested numeric", domain.FieldCondition{Field: "customer.credit", Operator: OpGTE, Value: 1000}, true},
		{"array contains", domain.FieldCondition{Field: "tags", Operator: OpContains, Value: "rush"}, true},
		{"array not contains", domain.FieldCondition{Field: "tags", Operator: OpNotContains, Value: "rush"}, false},
		{"substring", domain.FieldCondition{Field: "notes", Operator: OpContains, Value: "expedited"}, true},
		{"nested missing", domain.FieldCondition{Field: "customer.region", Operator: OpEQ, Value: "eu"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &domain.Conditions{Fields: []domain.FieldCondition{tc.f}}
			assert.Equal(t, tc.want, Matches(c, "sales_order", snap))
		})
	}
}

func TestDiscriminators(t *testing.T) {
	c := &domain.Conditions{EntityType: "purchase_order", Priority: "high"}
	assert.True(t, Matches(c, "purchase_order", map[string]any{"priority": "HIGH"}))
	assert.False(t, Matches(c, "sales_order", map[string]any{"priority": "high"}))
	assert.False(t, Matches(c, "purchase_order", map[string]any{"priority": "low"}))
	assert.False(t, Matches(c, "purchase_order", map[string]any{}))
}

func TestThresholdCurrency(t *testing.T) {
	c := &domain.Conditions{Threshold: &domain.ThresholdCondition{Field: "total_amount", Operator: OpGT, Value: 5000, Currency: "USD"}}
	assert.True(t, Matches(c, "purchase_order", map[string]any{"total_amount": 6000, "currency": "usd"}))
	assert.False(t, Matches(c, "purchase_order", map[string]any{"total_amount": 6000, "currency": "EUR"}))
	assert.True(t, Matches(c, "purchase_order", map[string]any{"total_amount": 6000}))
}

func TestExpression(t *testing.T) {
	c := &domain.Conditions{Expression: `total_amount > 1000 && lower(region) == "emea"`}
	assert.True(t, Matches(c, "purchase_order", map[string]any{"total_amount": 2500, "region": "EMEA"}))
	assert.False(t, Matches(c, "purchase_order", map[string]any{"total_amount": 500, "region": "EMEA"}))
	// missing operands fail at run time and evaluate to no match
	assert.False(t, Matches(c, "purchase_order", map[string]any{"region": "EMEA"}))

	bad := &domain.Conditions{Expression: `total_amount >`}
	_, err := Evaluate(bad, "purchase_order", map[string]any{})
	require.ErrorIs(t, err, ErrMalformed)
	require.Error(t, Validate(bad))
}

func TestAllPartsMustHold(t *testing.T) {
	c := &domain.Conditions{
		Threshold: &domain.ThresholdCondition{Field: "total_amount", Operator: OpGT, Value: 100},
		Fields:    []domain.FieldCondition{{Field: "warehouse", Operator: OpEQ, Value: "WH-1"}},
	}
	assert.True(t, Matches(c, "stock_adjustment", map[string]any{"total_amount": 150, "warehouse": "WH-1"}))
	assert.False(t, Matches(c, "stock_adjustment", map[string]any{"total_amount": 150, "warehouse": "WH-2"}))
	assert.False(t, Matches(c, "stock_adjustment", map[string]any{"total_amount": 50, "warehouse": "WH-1"}))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate(threshold(OpGT, 1)))
	require.Error(t, Validate(threshold("between", 1)))
	require.Error(t, Validate(&domain.Conditions{Fields: []domain.FieldCondition{{Operator: OpEQ, Value: 1}}}))
}
