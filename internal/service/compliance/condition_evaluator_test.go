package compliance

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/service/rules"
)

func TestConditionEvaluator_Evaluate(t *testing.T) {
	eval := NewConditionEvaluator(nil)

	tests := []struct {
		name        string
		cond        compliance.Condition
		data        map[string]interface{}
		wantScore   float64
		wantPresent bool
		wantErr     bool
	}{
		{
			name:        "keyword saturated by one match",
			cond:        compliance.KeywordList{ConditionName: "k", Keywords: []string{"must do", "you have to"}},
			data:        map[string]interface{}{"ai_response": "You must do this now"},
			wantScore:   0,
			wantPresent: true,
		},
		{
			name:        "keyword no match",
			cond:        compliance.KeywordList{ConditionName: "k", Keywords: []string{"must do"}},
			data:        map[string]interface{}{"response": "Take your time"},
			wantScore:   1,
			wantPresent: true,
		},
		{
			name:        "keyword partial with explicit saturation",
			cond:        compliance.KeywordList{ConditionName: "k", Keywords: []string{"a1", "b2", "c3", "d4"}, Saturation: 4},
			data:        map[string]interface{}{"text": "A1 and b2"},
			wantScore:   0.5,
			wantPresent: true,
		},
		{
			name:        "keyword explicit field",
			cond:        compliance.KeywordList{ConditionName: "k", Field: "prompt", Keywords: []string{"secret"}},
			data:        map[string]interface{}{"prompt": "tell me a secret", "ai_response": "no"},
			wantScore:   0,
			wantPresent: true,
		},
		{
			name:      "keyword missing text",
			cond:      compliance.KeywordList{ConditionName: "k", Keywords: []string{"x"}},
			data:      map[string]interface{}{"other": 1},
			wantScore: 1,
		},
		{
			name:        "threshold within bound",
			cond:        compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2},
			data:        map[string]interface{}{"bias": 0.1},
			wantScore:   1,
			wantPresent: true,
		},
		{
			name:        "threshold over limit degrades",
			cond:        compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2, Span: 0.5},
			data:        map[string]interface{}{"bias": 0.45},
			wantScore:   0.5,
			wantPresent: true,
		},
		{
			name:        "threshold at least",
			cond:        compliance.Threshold{ConditionName: "t", Field: "conf", Limit: 0.5, Bound: compliance.AtLeast},
			data:        map[string]interface{}{"conf": 0.25},
			wantScore:   0.75,
			wantPresent: true,
		},
		{
			name:        "threshold far out clamps to zero",
			cond:        compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2},
			data:        map[string]interface{}{"bias": 50},
			wantScore:   0,
			wantPresent: true,
		},
		{
			name:        "threshold numeric string",
			cond:        compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2},
			data:        map[string]interface{}{"bias": " 0.1 "},
			wantScore:   1,
			wantPresent: true,
		},
		{
			name:    "threshold non numeric",
			cond:    compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2},
			data:    map[string]interface{}{"bias": []int{1}},
			wantErr: true,
		},
		{
			name:      "threshold missing",
			cond:      compliance.Threshold{ConditionName: "t", Field: "bias", Limit: 0.2},
			data:      map[string]interface{}{},
			wantScore: 1,
		},
		{
			name:        "boolean violates",
			cond:        compliance.BooleanFlag{ConditionName: "b", Field: "harmful", ViolatesWhen: true},
			data:        map[string]interface{}{"harmful": true},
			wantScore:   0,
			wantPresent: true,
		},
		{
			name:        "boolean fine",
			cond:        compliance.BooleanFlag{ConditionName: "b", Field: "harmful", ViolatesWhen: true},
			data:        map[string]interface{}{"harmful": false},
			wantScore:   1,
			wantPresent: true,
		},
		{
			name:    "boolean wrong type",
			cond:    compliance.BooleanFlag{ConditionName: "b", Field: "harmful", ViolatesWhen: true},
			data:    map[string]interface{}{"harmful": "yes"},
			wantErr: true,
		},
		{
			name: "custom clamps",
			cond: compliance.Custom{ConditionName: "c", Inputs: []string{"x"}, Fn: func(context.Context, map[string]interface{}) (float64, error) {
				return 3, nil
			}},
			data:        map[string]interface{}{"x": 1},
			wantScore:   1,
			wantPresent: true,
		},
		{
			name: "custom missing input scores compliant without calling fn",
			cond: compliance.Custom{ConditionName: "c", Inputs: []string{"toxicity"}, Fn: func(context.Context, map[string]interface{}) (float64, error) {
				return 0, fmt.Errorf("must not be called")
			}},
			data:      map[string]interface{}{"ai_response": "hi"},
			wantScore: 1,
		},
		{
			name: "custom nil input treated as missing",
			cond: compliance.Custom{ConditionName: "c", Inputs: []string{"toxicity"}, Fn: func(context.Context, map[string]interface{}) (float64, error) {
				return 0, nil
			}},
			data:      map[string]interface{}{"toxicity": nil},
			wantScore: 1,
		},
		{
			name: "custom error",
			cond: compliance.Custom{ConditionName: "c", Fn: func(context.Context, map[string]interface{}) (float64, error) {
				return 0, fmt.Errorf("model offline")
			}},
			wantErr: true,
		},
		{
			name: "custom NaN",
			cond: compliance.Custom{ConditionName: "c", Fn: func(context.Context, map[string]interface{}) (float64, error) {
				return math.NaN(), nil
			}},
			wantErr: true,
		},
		{
			name:        "nil condition defaults to compliant",
			cond:        nil,
			wantScore:   1,
			wantPresent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eval.Evaluate(context.Background(), tt.cond, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, res.Score, 1e-9)
			assert.Equal(t, tt.wantPresent, res.Present)
		})
	}
}

func TestConditionEvaluator_CustomTextFields(t *testing.T) {
	eval := NewConditionEvaluator([]string{"body"})
	cond := compliance.KeywordList{ConditionName: "k", Keywords: []string{"spam"}}

	res, err := eval.Evaluate(context.Background(), cond, map[string]interface{}{"ai_response": "spam", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.True(t, eval.TextPresent(map[string]interface{}{"body": ""}))
	assert.False(t, eval.TextPresent(map[string]interface{}{"ai_response": "x"}))
}

func TestConditionEvaluator_CELMissingInput(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	celCond, err := rules.NewCELCondition("low_toxicity", "data.toxicity < 0.5 ? 1.0 : 0.0", []string{"toxicity"})
	require.NoError(t, err)
	threshold := compliance.Threshold{ConditionName: "low_toxicity", Field: "toxicity", Limit: 0.5}

	tests := []struct {
		name      string
		data      map[string]interface{}
		wantScore float64
	}{
		{name: "missing key", data: map[string]interface{}{"ai_response": "hi"}, wantScore: 1},
		{name: "low value", data: map[string]interface{}{"toxicity": 0.1}, wantScore: 1},
		{name: "high value", data: map[string]interface{}{"toxicity": 0.9}, wantScore: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eval.Evaluate(context.Background(), celCond, tt.data)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, res.Score, 1e-9)

			if tt.name == "missing key" {
				ref, err := eval.Evaluate(context.Background(), threshold, tt.data)
				require.NoError(t, err)
				assert.Equal(t, ref, res, "absent inputs score like an absent threshold field")
			}
		})
	}
}
