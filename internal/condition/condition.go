// Package condition evaluates declarative trigger and step conditions against
// an entity snapshot. Evaluation is pure and fails closed: anything that cannot
// be evaluated counts as "no match".
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"approvline/internal/domain"
)

const (
	OpGT          = "gt"
	OpGTE         = "gte"
	OpLT          = "lt"
	OpLTE         = "lte"
	OpEQ          = "eq"
	OpNE          = "ne"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

var thresholdOps = map[string]bool{OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpEQ: true, OpNE: true}

var fieldOps = map[string]bool{
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpEQ: true, OpNE: true,
	OpContains: true, OpNotContains: true,
}

// ErrMalformed marks conditions that can never be evaluated.
var ErrMalformed = errors.New("malformed condition")

// Matches reports whether snapshot satisfies c. Malformed conditions never match.
func Matches(c *domain.Conditions, entityType string, snapshot map[string]any) bool {
	ok, err := Evaluate(c, entityType, snapshot)
	return err == nil && ok
}

// Evaluate is Matches with a diagnostic error for malformed conditions.
// Missing or non-comparable snapshot values are a plain non-match, not an error.
func Evaluate(c *domain.Conditions, entityType string, snapshot map[string]any) (bool, error) {
	if c.IsZero() {
		return true, nil
	}
	if c.EntityType != "" && !strings.EqualFold(c.EntityType, entityType) {
		return false, nil
	}
	if c.Priority != "" {
		v, ok := Lookup(snapshot, "priority")
		if !ok || !strings.EqualFold(fmt.Sprint(v), c.Priority) {
			return false, nil
		}
	}
	if c.Threshold != nil {
		ok, err := evalThreshold(*c.Threshold, snapshot)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, f := range c.Fields {
		ok, err := evalField(f, snapshot)
		if err != nil || !ok {
			return false, err
		}
	}
	if c.Expression != "" {
		ok, err := defaultEngine.eval(c.Expression, snapshot)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Validate checks operators and expressions without a snapshot.
func Validate(c *domain.Conditions) error {
	if c.IsZero() {
		return nil
	}
	if t := c.Threshold; t != nil {
		if strings.TrimSpace(t.Field) == "" {
			return fmt.Errorf("%w: threshold.field is required", ErrMalformed)
		}
		if !thresholdOps[t.Operator] {
			return fmt.Errorf("%w: threshold operator %q", ErrMalformed, t.Operator)
		}
	}
	for i, f := range c.Fields {
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("%w: fields[%d].field is required", ErrMalformed, i)
		}
		if !fieldOps[f.Operator] {
			return fmt.Errorf("%w: fields[%d] operator %q", ErrMalformed, i, f.Operator)
		}
	}
	if c.Expression != "" {
		if _, err := defaultEngine.program(c.Expression); err != nil {
			return fmt.Errorf("%w: expression: %v", ErrMalformed, err)
		}
	}
	return nil
}

func evalThreshold(t domain.ThresholdCondition, snapshot map[string]any) (bool, error) {
	if !thresholdOps[t.Operator] {
		return false, fmt.Errorf("%w: threshold operator %q", ErrMalformed, t.Operator)
	}
	raw, ok := Lookup(snapshot, t.Field)
	if !ok {
		return false, nil
	}
	actual, ok := toNumber(raw)
	if !ok {
		return false, nil
	}
	if t.Currency != "" {
		if cur, ok := Lookup(snapshot, "currency"); ok {
			if s := strings.TrimSpace(fmt.Sprint(cur)); s != "" && !strings.EqualFold(s, t.Currency) {
				return false, nil
			}
		}
	}
	return compareNumbers(t.Operator, actual, t.Value), nil
}

func evalField(f domain.FieldCondition, snapshot map[string]any) (bool, error) {
	if !fieldOps[f.Operator] {
		return false, fmt.Errorf("%w: field operator %q", ErrMalformed, f.Operator)
	}
	actual, ok := Lookup(snapshot, f.Field)
	if !ok {
		return false, nil
	}
	switch f.Operator {
	case OpContains:
		return contains(actual, f.Value), nil
	case OpNotContains:
		return !contains(actual, f.Value), nil
	}
	if a, ok := toNumber(actual); ok {
		if b, ok := toNumber(f.Value); ok {
			return compareNumbers(f.Operator, a, b), nil
		}
	}
	return compareStrings(f.Operator, stringify(actual), stringify(f.Value)), nil
}

// Lookup resolves a dotted path such as "customer.tier" in a snapshot.
func Lookup(snapshot map[string]any, path string) (any, bool) {
	if snapshot == nil || path == "" {
		return nil, false
	}
	var cur any = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func compareNumbers(op string, a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

func compareStrings(op string, a, b string) bool {
	switch op {
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	}
	return false
}

func contains(actual, want any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, stringify(want))
	case []any:
		for _, item := range v {
			if equalValues(item, want) {
				return true
			}
		}
		return false
	}
	rv := reflect.ValueOf(actual)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equalValues(rv.Index(i).Interface(), want) {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
