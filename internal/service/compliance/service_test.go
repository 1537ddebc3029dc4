package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
)

type MockRuleSource struct {
	mock.Mock
}

func (m *MockRuleSource) Applicable(contextType string) []compliance.RuleSnapshot {
	args := m.Called(contextType)
	return args.Get(0).([]compliance.RuleSnapshot)
}

func (m *MockRuleSource) RecordOutcome(ruleID string, violated bool) {
	m.Called(ruleID, violated)
}

func serviceRules() []compliance.RuleSnapshot {
	harm := &compliance.ComplianceRule{
		ID:                 "harm",
		Name:               "harm",
		Principle:          compliance.PrincipleNonMaleficence,
		Weight:             1.5,
		ViolationThreshold: 0.3,
		Critical:           true,
		Conditions: []compliance.Condition{
			compliance.BooleanFlag{ConditionName: "harmful", Field: "harmful", ViolatesWhen: true},
		},
		RemediationActions: []compliance.RemediationAction{compliance.ActionLogViolation},
	}
	return []compliance.RuleSnapshot{
		{Rule: manipulationRule(), Enabled: true, Frameworks: []compliance.Framework{compliance.FrameworkEUAIAct}},
		{Rule: harm, Enabled: true, Frameworks: []compliance.Framework{compliance.FrameworkEUAIAct}},
	}
}

func TestService_Evaluate(t *testing.T) {
	tests := []struct {
		name        string
		data        map[string]interface{}
		parallel    bool
		wantAllowed bool
		violated    map[string]bool
	}{
		{
			name:        "clean input sequential",
			data:        map[string]interface{}{"ai_response": "Here are some options", "harmful": false},
			wantAllowed: true,
			violated:    map[string]bool{"no_manipulation": false, "harm": false},
		},
		{
			name:        "clean input parallel",
			data:        map[string]interface{}{"ai_response": "Here are some options", "harmful": false},
			parallel:    true,
			wantAllowed: true,
			violated:    map[string]bool{"no_manipulation": false, "harm": false},
		},
		{
			name:     "harmful input parallel",
			data:     map[string]interface{}{"ai_response": "fine", "harmful": true},
			parallel: true,
			violated: map[string]bool{"no_manipulation": false, "harm": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &MockRuleSource{}
			src.On("Applicable", "chat").Return(serviceRules())
			for id, v := range tt.violated {
				src.On("RecordOutcome", id, v).Once()
			}

			cfg := DefaultServiceConfig()
			cfg.ParallelChecks = tt.parallel
			svc := NewService(zaptest.NewLogger(t), src, cfg)

			result := svc.Evaluate(context.Background(), compliance.EvaluationContext{Type: "chat"}, tt.data)
			require.NotNil(t, result)
			assert.Equal(t, tt.wantAllowed, result.DecisionAllowed)
			require.Len(t, result.Checks, 2)
			assert.Equal(t, "no_manipulation", result.Checks[0].RuleID, "check order follows rule order")
			assert.Equal(t, "harm", result.Checks[1].RuleID)
			src.AssertExpectations(t)
		})
	}
}

func TestService_EvaluateTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	slow := &compliance.ComplianceRule{
		ID:        "slow",
		Name:      "slow",
		Principle: compliance.PrincipleHonesty,
		Weight:    1,
		Conditions: []compliance.Condition{
			compliance.Custom{ConditionName: "wait", Fn: func(ctx context.Context, _ map[string]interface{}) (float64, error) {
				select {
				case <-block:
				case <-ctx.Done():
				}
				return 1, nil
			}},
		},
	}

	src := &MockRuleSource{}
	src.On("Applicable", "chat").Return([]compliance.RuleSnapshot{{Rule: slow, Enabled: true}})

	cfg := DefaultServiceConfig()
	cfg.EvaluationTimeout = 20 * time.Millisecond
	svc := NewService(zaptest.NewLogger(t), src, cfg)

	result := svc.Evaluate(context.Background(), compliance.EvaluationContext{Type: "chat"}, nil)
	assert.True(t, result.Degraded)
	assert.False(t, result.DecisionAllowed)
	assert.True(t, result.HumanReviewRequired)
	assert.Contains(t, result.Explanation, "deadline")
	src.AssertNotCalled(t, "RecordOutcome", mock.Anything, mock.Anything)
}

func TestService_TimedOutCheckReadsSnapshot(t *testing.T) {
	stopped := make(chan struct{})
	reader := &compliance.ComplianceRule{
		ID:        "reader",
		Name:      "reader",
		Principle: compliance.PrincipleHonesty,
		Weight:    1,
		Conditions: []compliance.Condition{
			compliance.Custom{ConditionName: "scan", Inputs: []string{"ai_response"}, Fn: func(ctx context.Context, data map[string]interface{}) (float64, error) {
				defer close(stopped)
				for {
					select {
					case <-ctx.Done():
						return 0, ctx.Err()
					default:
						_ = data["ai_response"]
						_ = data["blocked"]
					}
				}
			}},
		},
	}

	src := &MockRuleSource{}
	src.On("Applicable", "chat").Return([]compliance.RuleSnapshot{{Rule: reader, Enabled: true}})

	cfg := DefaultServiceConfig()
	cfg.EvaluationTimeout = 10 * time.Millisecond
	svc := NewService(zaptest.NewLogger(t), src, cfg)

	data := map[string]interface{}{"ai_response": "hello"}
	result := svc.Evaluate(context.Background(), compliance.EvaluationContext{Type: "chat"}, data)
	require.True(t, result.Degraded)

	// Remediation writes to the caller's map once the result is back.
	for i := 0; i < 1000; i++ {
		data["blocked"] = true
		data["response_modified"] = i
	}

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("check kept running after the evaluation deadline")
	}
	assert.Equal(t, "hello", data["ai_response"])
}

func TestService_FailedChecksNotCounted(t *testing.T) {
	broken := &compliance.ComplianceRule{
		ID:        "broken",
		Name:      "broken",
		Principle: compliance.PrincipleHonesty,
		Weight:    1,
		Conditions: []compliance.Condition{
			compliance.BooleanFlag{ConditionName: "flag", Field: "flag", ViolatesWhen: true},
		},
	}

	src := &MockRuleSource{}
	src.On("Applicable", "").Return([]compliance.RuleSnapshot{{Rule: broken, Enabled: true}})

	svc := NewService(zaptest.NewLogger(t), src, DefaultServiceConfig())
	result := svc.Evaluate(context.Background(), compliance.EvaluationContext{}, map[string]interface{}{"flag": "not a bool"})

	require.Len(t, result.Checks, 1)
	assert.NotEmpty(t, result.Checks[0].Error)
	assert.Equal(t, 1, result.CriticalViolations)
	assert.False(t, result.DecisionAllowed)
	src.AssertNotCalled(t, "RecordOutcome", mock.Anything, mock.Anything)
}
