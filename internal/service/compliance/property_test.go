package compliance

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
)

// Property: every condition kind scores within [0,1] for any input value
func TestConditionScoreBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	eval := NewConditionEvaluator(nil)

	properties.Property("threshold scores stay in [0,1]", prop.ForAll(
		func(value, limit, span float64, atLeast bool) bool {
			bound := compliance.AtMost
			if atLeast {
				bound = compliance.AtLeast
			}
			cond := compliance.Threshold{ConditionName: "t", Field: "v", Limit: limit, Bound: bound, Span: span}
			res, err := eval.Evaluate(context.Background(), cond, map[string]interface{}{"v": value})
			return err == nil && res.Score >= 0 && res.Score <= 1
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-10, 10),
		gen.Float64Range(0, 5),
		gen.Bool(),
	))

	properties.Property("keyword scores stay in [0,1]", prop.ForAll(
		func(text string, keywords []string, saturation int) bool {
			kw := make([]string, 0, len(keywords))
			for _, k := range keywords {
				if k != "" {
					kw = append(kw, k)
				}
			}
			if len(kw) == 0 {
				kw = []string{"x"}
			}
			cond := compliance.KeywordList{ConditionName: "k", Keywords: kw, Saturation: saturation}
			res, err := eval.Evaluate(context.Background(), cond, map[string]interface{}{"ai_response": text})
			return err == nil && res.Score >= 0 && res.Score <= 1
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 10),
	))

	properties.Property("custom scores are clamped", prop.ForAll(
		func(v float64) bool {
			cond := compliance.Custom{ConditionName: "c", Fn: func(context.Context, map[string]interface{}) (float64, error) { return v, nil }}
			res, err := eval.Evaluate(context.Background(), cond, nil)
			return err == nil && res.Score >= 0 && res.Score <= 1
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

// Property: the overall score is the weighted mean and critical checks
// always deny
func TestAggregateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	agg := NewAggregator(zap.NewNop(), DefaultAggregatorConfig())

	type pair struct {
		score  float64
		weight float64
	}
	genPair := gopter.CombineGens(
		gen.Float64Range(0, 1),
		gen.Float64Range(0.01, 10),
	).Map(func(vals []interface{}) pair {
		return pair{score: vals[0].(float64), weight: vals[1].(float64)}
	})

	properties.Property("score equals weighted mean", prop.ForAll(
		func(pairs []pair) bool {
			checks := make([]compliance.ComplianceCheck, len(pairs))
			rules := make(map[string]compliance.RuleSnapshot, len(pairs))
			var sum, weights float64
			for i, p := range pairs {
				id := fmt.Sprintf("r%d", i)
				checks[i] = compliance.ComplianceCheck{RuleID: id, ComplianceScore: p.score, Compliant: true}
				rules[id] = compliance.RuleSnapshot{Rule: &compliance.ComplianceRule{ID: id, Weight: p.weight}}
				sum += p.score * p.weight
				weights += p.weight
			}
			want := 1.0
			if weights > 0 {
				want = sum / weights
			}
			result := agg.Aggregate(compliance.EvaluationContext{}, checks, rules)
			return math.Abs(result.OverallComplianceScore-want) < 1e-9
		},
		gen.SliceOf(genPair),
	))

	properties.Property("critical violations deny the decision", prop.ForAll(
		func(scores []float64, criticalAt int) bool {
			if len(scores) == 0 {
				return true
			}
			checks := make([]compliance.ComplianceCheck, len(scores))
			for i, s := range scores {
				checks[i] = compliance.ComplianceCheck{RuleID: fmt.Sprintf("r%d", i), ComplianceScore: s, Compliant: true}
			}
			checks[criticalAt%len(checks)].RiskLevel = compliance.RiskCritical
			result := agg.Aggregate(compliance.EvaluationContext{}, checks, nil)
			return result.CriticalViolations > 0 && !result.DecisionAllowed && result.HasAction(compliance.ActionBlockDecision)
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.IntRange(0, 1000),
	))

	properties.Property("allowed implies compliant with no critical violations", prop.ForAll(
		func(scores []float64) bool {
			checks := make([]compliance.ComplianceCheck, len(scores))
			for i, s := range scores {
				checks[i] = compliance.ComplianceCheck{RuleID: fmt.Sprintf("r%d", i), ComplianceScore: s, Compliant: s >= 0.5}
			}
			result := agg.Aggregate(compliance.EvaluationContext{}, checks, nil)
			return !result.DecisionAllowed || (result.OverallCompliant && result.CriticalViolations == 0)
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
