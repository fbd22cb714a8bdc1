package intervention

import (
	"fmt"
	"strings"
	"time"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Condition is one predicate over a point's data.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Eval applies the condition to a data map. Missing fields never match.
func (c Condition) Eval(data map[string]any) bool {
	value, ok := data[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return fmt.Sprint(value) == fmt.Sprint(c.Value)
	case OpNotEquals:
		return fmt.Sprint(value) != fmt.Sprint(c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(c.Value))
	case OpGreaterThan:
		lhs, lok := toFloat(value)
		rhs, rok := toFloat(c.Value)
		return lok && rok && lhs > rhs
	case OpLessThan:
		lhs, lok := toFloat(value)
		rhs, rok := toFloat(c.Value)
		return lok && rok && lhs < rhs
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Policy decides when points of a given type need intervention, whether they
// may be auto-approved after a waiting period, and how unresolved points
// escalate.
type Policy struct {
	Name               string        `json:"name"`
	Type               Type          `json:"type"`
	Conditions         []Condition   `json:"conditions,omitempty"`
	AutoApproveAfter   time.Duration `json:"auto_approve_after,omitempty"`
	RequireApprovalFor []string      `json:"require_approval_for,omitempty"`
	NotifyChannels     []string      `json:"notify_channels,omitempty"`
	EscalationTimeout  time.Duration `json:"escalation_timeout,omitempty"`
	Enabled            bool          `json:"enabled"`
}

// Matches reports whether any condition holds. A policy with no conditions
// never triggers on its own.
func (p *Policy) Matches(data map[string]any) bool {
	for _, cond := range p.Conditions {
		if cond.Eval(data) {
			return true
		}
	}
	return false
}

// builtinPolicies are installed in every registry.
func builtinPolicies() []*Policy {
	return []*Policy{
		{
			Name: "destructive_ops",
			Type: TypeApproval,
			Conditions: []Condition{
				{Field: "operation_type", Operator: OpEquals, Value: "delete"},
				{Field: "operation_type", Operator: OpEquals, Value: "drop"},
			},
			RequireApprovalFor: []string{"delete", "drop", "remove"},
			NotifyChannels:     []string{"web", "log"},
			Enabled:            true,
		},
		{
			Name: "expensive_ops",
			Type: TypeApproval,
			Conditions: []Condition{
				{Field: "estimated_cost", Operator: OpGreaterThan, Value: 100},
			},
			AutoApproveAfter: 300 * time.Second,
			NotifyChannels:   []string{"web"},
			Enabled:          true,
		},
		{
			Name: "error_escalation",
			Type: TypeError,
			Conditions: []Condition{
				{Field: "error_count", Operator: OpGreaterThan, Value: 3},
			},
			EscalationTimeout: 600 * time.Second,
			NotifyChannels:    []string{"web", "log", "email"},
			Enabled:           true,
		},
	}
}
