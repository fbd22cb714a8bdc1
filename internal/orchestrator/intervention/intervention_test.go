package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memnexus/memnexus/internal/common/logger"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(logger.NewNop(), opts...)
	t.Cleanup(r.Close)
	return r
}

func TestResolveFulfillsWaiter(t *testing.T) {
	r := newTestRegistry(t)
	point := r.Request("sess-1", "task-1", TypeApproval, "deploy?", "", nil, 0)

	done := make(chan *Point, 1)
	go func() {
		resolved, err := r.Wait(context.Background(), point.ID)
		require.NoError(t, err)
		done <- resolved
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := r.Resolve(point.ID, "approve", "looks good", nil)
	require.NoError(t, err)

	select {
	case resolved := <-done:
		assert.Equal(t, StatusApproved, resolved.Status)
		assert.Equal(t, "looks good", resolved.Resolution.Comment)
		assert.NotNil(t, resolved.ResolvedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not fulfilled")
	}
}

func TestResolveActionMapping(t *testing.T) {
	tests := []struct {
		action string
		want   Status
	}{
		{"approve", StatusApproved},
		{"reject", StatusRejected},
		{"modify", StatusModified},
		{"shrug", StatusApproved},
	}
	r := newTestRegistry(t)
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			point := r.Request("sess-1", "", TypeDecision, "choose", "", nil, 0)
			resolved, err := r.Resolve(point.ID, tt.action, "", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resolved.Status)
		})
	}
}

func TestDoubleResolveIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	point := r.Request("sess-1", "", TypeApproval, "once", "", nil, 0)

	first, err := r.Resolve(point.ID, "reject", "no", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, first.Status)

	second, err := r.Resolve(point.ID, "approve", "changed my mind", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, second.Status)
	assert.Equal(t, "no", second.Resolution.Comment)
}

func TestWaitOnAlreadyResolvedPoint(t *testing.T) {
	r := newTestRegistry(t)
	point := r.Request("sess-1", "", TypeApproval, "fast", "", nil, 0)
	_, err := r.Resolve(point.ID, "approve", "", nil)
	require.NoError(t, err)

	resolved, err := r.Wait(context.Background(), point.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
}

func TestMonitorExpiresOverduePoints(t *testing.T) {
	r := newTestRegistry(t, WithMonitorInterval(20*time.Millisecond))
	point := r.Request("sess-1", "task-1", TypeApproval, "slow human", "", nil, 30*time.Millisecond)

	resolved, err := r.Wait(context.Background(), point.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, resolved.Status)
	assert.Equal(t, "system", resolved.Resolution.ResolvedBy)
}

func TestMonitorAutoApprovesAfterPolicyWindow(t *testing.T) {
	r := newTestRegistry(t, WithMonitorInterval(20*time.Millisecond))
	r.SetPolicy(&Policy{
		Name:             "expensive_ops",
		Type:             TypeApproval,
		AutoApproveAfter: 30 * time.Millisecond,
		Enabled:          true,
	})
	point := r.Request("sess-1", "", TypeApproval, "pricey", "", nil, 0)

	resolved, err := r.Wait(context.Background(), point.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "policy", resolved.Resolution.ResolvedBy)
}

func TestBySessionAndByTask(t *testing.T) {
	r := newTestRegistry(t)
	a := r.Request("sess-1", "task-1", TypeApproval, "a", "", nil, 0)
	_ = r.Request("sess-1", "task-2", TypeReview, "b", "", nil, 0)
	_ = r.Request("sess-2", "", TypeApproval, "c", "", nil, 0)

	_, err := r.Resolve(a.ID, "approve", "", nil)
	require.NoError(t, err)

	assert.Len(t, r.BySession("sess-1", false), 2)
	assert.Len(t, r.BySession("sess-1", true), 1)
	assert.Len(t, r.ByTask("task-1"), 1)
	assert.Empty(t, r.BySession("sess-3", false))
}

func TestCancel(t *testing.T) {
	r := newTestRegistry(t)
	point := r.Request("sess-1", "", TypePause, "hold", "", nil, 0)
	cancelled, err := r.Cancel(point.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrPointNotFound)
}

func TestConditionOperators(t *testing.T) {
	data := map[string]any{
		"operation": "delete all files",
		"cost":      float64(50),
		"category":  "expensive",
	}
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals match", Condition{"category", OpEquals, "expensive"}, true},
		{"equals miss", Condition{"category", OpEquals, "cheap"}, false},
		{"not_equals", Condition{"category", OpNotEquals, "cheap"}, true},
		{"contains", Condition{"operation", OpContains, "delete"}, true},
		{"greater_than", Condition{"cost", OpGreaterThan, 10}, true},
		{"less_than", Condition{"cost", OpLessThan, 10}, false},
		{"missing field", Condition{"nope", OpEquals, "x"}, false},
		{"unknown operator", Condition{"category", "matches", "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Eval(data))
		})
	}
}

func TestMatchPolicies(t *testing.T) {
	r := newTestRegistry(t)

	matched := r.MatchPolicies(TypeApproval, map[string]any{"operation_type": "delete"})
	require.Len(t, matched, 1)
	assert.Equal(t, "destructive_ops", matched[0].Name)

	matched = r.MatchPolicies(TypeApproval, map[string]any{"estimated_cost": 250})
	require.Len(t, matched, 1)
	assert.Equal(t, "expensive_ops", matched[0].Name)

	matched = r.MatchPolicies(TypeError, map[string]any{"error_count": 5})
	require.Len(t, matched, 1)
	assert.Equal(t, "error_escalation", matched[0].Name)

	assert.Empty(t, r.MatchPolicies(TypeApproval, map[string]any{"operation_type": "read"}))
	assert.Empty(t, r.MatchPolicies(TypeError, map[string]any{"error_count": 1}))
}

func TestPolicyMatchesAnyCondition(t *testing.T) {
	p := &Policy{
		Name: "multi",
		Type: TypeApproval,
		Conditions: []Condition{
			{Field: "operation_type", Operator: OpEquals, Value: "delete"},
			{Field: "operation_type", Operator: OpEquals, Value: "drop"},
		},
		Enabled: true,
	}

	// One matching condition is enough.
	assert.True(t, p.Matches(map[string]any{"operation_type": "drop"}))
	assert.True(t, p.Matches(map[string]any{"operation_type": "delete"}))
	assert.False(t, p.Matches(map[string]any{"operation_type": "read"}))
}

func TestPolicyWithoutConditionsNeverMatches(t *testing.T) {
	p := &Policy{Name: "bare", Type: TypeApproval, Enabled: true}
	assert.False(t, p.Matches(map[string]any{"anything": "at all"}))
	assert.False(t, p.Matches(nil))
}

func TestRequestReviewCarriesStandardOptions(t *testing.T) {
	r := newTestRegistry(t)
	point := r.RequestReview("sess-1", "task-1", "check this", "please review", nil, 0)

	assert.Equal(t, TypeReview, point.Type)
	require.Len(t, point.Options, 3)
	actions := []string{point.Options[0].Action, point.Options[1].Action, point.Options[2].Action}
	assert.Equal(t, []string{"approve", "reject", "modify"}, actions)
}

func TestRequestDecisionKeepsCallerOptions(t *testing.T) {
	r := newTestRegistry(t)
	options := []Option{
		{ID: "a", Label: "Plan A", Action: "approve"},
		{ID: "b", Label: "Plan B", Action: "modify"},
	}
	point := r.RequestDecision("sess-1", "", "pick a plan", "", nil, options, 0)

	assert.Equal(t, TypeDecision, point.Type)
	assert.Equal(t, options, point.Options)

	got, err := r.Get(point.ID)
	require.NoError(t, err)
	assert.Equal(t, options, got.Options)
}

func TestMonitorEscalatesStalePoints(t *testing.T) {
	r := newTestRegistry(t, WithMonitorInterval(20*time.Millisecond))
	r.SetPolicy(&Policy{
		Name:              "error_escalation",
		Type:              TypeError,
		Conditions:        []Condition{{Field: "error_count", Operator: OpGreaterThan, Value: 3}},
		EscalationTimeout: 30 * time.Millisecond,
		NotifyChannels:    []string{"web", "log", "email"},
		Enabled:           true,
	})
	point := r.Request("sess-1", "task-1", TypeError, "repeated failures", "", map[string]any{"error_count": 5}, 0)

	require.Eventually(t, func() bool {
		got, err := r.Get(point.ID)
		return err == nil && got.Escalated
	}, 2*time.Second, 10*time.Millisecond)

	// Escalation flags the point but leaves it waiting for a human.
	got, err := r.Get(point.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForHuman, got.Status)
}
