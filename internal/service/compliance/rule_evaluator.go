package compliance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

const (
	historyWeight  = 0.7
	coverageWeight = 0.3
	minConfidence  = 0.1
)

// RuleEvaluator runs every condition of a rule and produces its check
type RuleEvaluator struct {
	conditions *ConditionEvaluator
}

// NewRuleEvaluator creates a rule evaluator
func NewRuleEvaluator(conditions *ConditionEvaluator) *RuleEvaluator {
	return &RuleEvaluator{conditions: conditions}
}

// Evaluate scores one rule. It never fails: any condition error, panic or
// expired context yields a fail-closed CRITICAL check.
func (e *RuleEvaluator) Evaluate(ctx context.Context, snap compliance.RuleSnapshot, data map[string]interface{}) (check compliance.ComplianceCheck) {
	rule := snap.Rule
	if rule == nil {
		return compliance.FailedCheck("", "", "rule is nil")
	}

	defer func() {
		if r := recover(); r != nil {
			check = compliance.FailedCheck(rule.ID, rule.Principle,
				errors.NewEvaluationError(rule.ID, fmt.Sprintf("panic: %v", r)).Error())
		}
	}()

	if err := ctx.Err(); err != nil {
		return compliance.FailedCheck(rule.ID, rule.Principle,
			errors.NewEvaluationError(rule.ID, "evaluation cancelled").WithCause(err).Error())
	}

	scores := make(map[string]float64, len(rule.Conditions))
	total := 0.0
	for _, cond := range rule.Conditions {
		if err := ctx.Err(); err != nil {
			return compliance.FailedCheck(rule.ID, rule.Principle,
				errors.NewEvaluationError(rule.ID, "evaluation cancelled").WithCause(err).Error())
		}
		res, err := e.conditions.Evaluate(ctx, cond, data)
		if err != nil {
			name := ""
			if cond != nil {
				name = cond.Name()
			}
			return compliance.FailedCheck(rule.ID, rule.Principle,
				errors.NewEvaluationError(rule.ID, fmt.Sprintf("condition %q failed", name)).WithCause(err).Error())
		}
		if cond != nil {
			scores[cond.Name()] = res.Score
		}
		total += res.Score
	}

	score := 1.0
	if len(rule.Conditions) > 0 {
		score = total / float64(len(rule.Conditions))
	}

	threshold := rule.ComplianceThreshold()
	compliant := score >= threshold

	confidence := historyWeight*snap.Counters.F1() + coverageWeight*e.coverage(rule, data)
	confidence = math.Max(minConfidence, math.Min(1, confidence))

	check = compliance.ComplianceCheck{
		RuleID:          rule.ID,
		Principle:       rule.Principle,
		Compliant:       compliant,
		ComplianceScore: score,
		Confidence:      confidence,
		LowConfidence:   confidence < rule.ConfidenceThreshold,
		ConditionScores: scores,
		RiskLevel:       riskLevel(rule, compliant, score),
		EvaluatedAt:     time.Now(),
	}

	if !compliant {
		for _, cond := range rule.Conditions {
			if cond == nil {
				continue
			}
			if s := scores[cond.Name()]; s < threshold {
				check.ViolationsDetected = append(check.ViolationsDetected, compliance.Violation{
					RuleID:      rule.ID,
					Condition:   cond.Name(),
					Score:       s,
					Description: fmt.Sprintf("%s scored %.2f, below %.2f", cond.Name(), s, threshold),
				})
			}
		}
		if len(check.ViolationsDetected) == 0 {
			check.ViolationsDetected = append(check.ViolationsDetected, compliance.Violation{
				RuleID:      rule.ID,
				Score:       score,
				Description: fmt.Sprintf("rule %s scored %.2f, below %.2f", rule.ID, score, threshold),
			})
		}
	}

	return check
}

// coverage is the fraction of the fields the rule reads that are present
// in data. Keyword conditions without a field count as one key satisfied
// by any default text field.
func (e *RuleEvaluator) coverage(rule *compliance.ComplianceRule, data map[string]interface{}) float64 {
	seen := make(map[string]bool)
	expected, present := 0, 0

	for _, cond := range rule.Conditions {
		if cond == nil {
			continue
		}
		fields := cond.Fields()
		if len(fields) == 0 && cond.Kind() == compliance.KindKeywordList {
			if seen["\x00text"] {
				continue
			}
			seen["\x00text"] = true
			expected++
			if e.conditions.TextPresent(data) {
				present++
			}
			continue
		}
		for _, f := range fields {
			if seen[f] {
				continue
			}
			seen[f] = true
			expected++
			if _, ok := data[f]; ok {
				present++
			}
		}
	}

	if expected == 0 {
		return 1
	}
	return float64(present) / float64(expected)
}

func riskLevel(rule *compliance.ComplianceRule, compliant bool, score float64) compliance.RiskLevel {
	switch {
	case compliant:
		return compliance.RiskLow
	case rule.Critical:
		return compliance.RiskCritical
	case 1-score >= 0.5:
		return compliance.RiskHigh
	default:
		return compliance.RiskMedium
	}
}
