package rules

import (
	"fmt"
	"strconv"
	"strings"

	"cityflow/internal/domain"
)

// Comparison operators understood by threshold conditions.
const (
	OpGreaterThan  = ">"
	OpGreaterEqual = ">="
	OpLessThan     = "<"
	OpLessEqual    = "<="
	OpEqual        = "=="
	OpNotEqual     = "!="
)

// Condition is a parsed threshold expression of the form "[metric] op number".
type Condition struct {
	Metric   string
	Operator string
	Value    float64
}

// two-character operators first so ">=" is not read as ">".
var operators = []string{OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual, OpGreaterThan, OpLessThan}

// ParseCondition parses a threshold expression such as "> 80" or "temperature >= 42.5".
func ParseCondition(expr string) (Condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Condition{}, domain.ValidationError{Field: "trigger.condition", Reason: "empty condition"}
	}
	for _, op := range operators {
		idx := strings.Index(s, op)
		if idx < 0 {
			continue
		}
		metric := strings.TrimSpace(s[:idx])
		raw := strings.TrimSpace(s[idx+len(op):])
		if strings.ContainsAny(metric, "<>=! ") {
			return Condition{}, domain.ValidationError{Field: "trigger.condition", Reason: fmt.Sprintf("malformed condition %q", expr)}
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Condition{}, domain.ValidationError{Field: "trigger.condition", Reason: fmt.Sprintf("condition %q: %q is not a number", expr, raw)}
		}
		return Condition{Metric: metric, Operator: op, Value: v}, nil
	}
	return Condition{}, domain.ValidationError{Field: "trigger.condition", Reason: fmt.Sprintf("condition %q has no comparison operator", expr)}
}

// Compare applies the condition to an observed value.
func (c Condition) Compare(observed float64) bool {
	switch c.Operator {
	case OpGreaterThan:
		return observed > c.Value
	case OpGreaterEqual:
		return observed >= c.Value
	case OpLessThan:
		return observed < c.Value
	case OpLessEqual:
		return observed <= c.Value
	case OpEqual:
		return observed == c.Value
	case OpNotEqual:
		return observed != c.Value
	}
	return false
}

// AppliesTo reports whether the condition names the given metric. An unnamed condition
// (or one naming "value") applies to any metric.
func (c Condition) AppliesTo(metric string) bool {
	if c.Metric == "" || strings.EqualFold(c.Metric, "value") {
		return true
	}
	return strings.EqualFold(c.Metric, metric)
}
