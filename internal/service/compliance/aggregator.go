package compliance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// AggregatorConfig holds the decision thresholds
type AggregatorConfig struct {
	ComplianceThreshold  float64 `json:"compliance_threshold"`
	HumanReviewThreshold float64 `json:"human_review_threshold"`
	EscalationThreshold  float64 `json:"escalation_threshold"`
}

// DefaultAggregatorConfig returns the standard thresholds
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		ComplianceThreshold:  0.70,
		HumanReviewThreshold: 0.60,
		EscalationThreshold:  0.60,
	}
}

// Aggregator combines checks into a decision-bearing result. It is the
// only place results are constructed.
type Aggregator struct {
	logger *zap.Logger
	config AggregatorConfig
}

// NewAggregator creates an aggregator
func NewAggregator(logger *zap.Logger, config AggregatorConfig) *Aggregator {
	return &Aggregator{logger: logger, config: config}
}

// Aggregate builds the result for checks. rules supplies weights and
// framework mappings; checks for unknown rules weigh 1.0. Any internal
// failure returns the fail-closed result.
func (a *Aggregator) Aggregate(evalCtx compliance.EvaluationContext, checks []compliance.ComplianceCheck, rules map[string]compliance.RuleSnapshot) (result *compliance.ComplianceResult) {
	id := uuid.New().String()

	defer func() {
		if r := recover(); r != nil {
			err := errors.NewAggregationError(fmt.Sprintf("aggregation panicked: %v", r))
			a.logger.Error("Aggregation failed, returning fail-closed result",
				zap.String("result_id", id),
				zap.Error(err),
			)
			result = compliance.FailClosedResult(id, evalCtx, err.Error())
		}
	}()

	score, err := weightedScore(checks, rules)
	if err != nil {
		a.logger.Error("Aggregation failed, returning fail-closed result",
			zap.String("result_id", id),
			zap.Error(err),
		)
		return compliance.FailClosedResult(id, evalCtx, err.Error())
	}

	critical := 0
	lowConfidence := false
	confidence := 0.0
	for _, c := range checks {
		if c.RiskLevel == compliance.RiskCritical {
			critical++
		}
		if c.LowConfidence {
			lowConfidence = true
		}
		confidence += c.Confidence
	}
	if len(checks) > 0 {
		confidence /= float64(len(checks))
	} else {
		confidence = 1
	}

	overallCompliant := score >= a.config.ComplianceThreshold
	allowed := overallCompliant && critical == 0

	result = &compliance.ComplianceResult{
		ID:                     id,
		Timestamp:              time.Now(),
		Context:                evalCtx,
		OverallComplianceScore: score,
		ComplianceLevel:        compliance.LevelForScore(score),
		OverallCompliant:       overallCompliant,
		DecisionAllowed:        allowed,
		ConfidenceInDecision:   confidence,
		CriticalViolations:     critical,
		Checks:                 checks,
		HumanReviewRequired:    critical > 0 || score < a.config.HumanReviewThreshold,
		RegulatoryCompliance:   regulatoryBreakdown(checks, rules),
	}

	var actions []compliance.RemediationAction
	if !allowed {
		actions = append(actions, compliance.ActionBlockDecision)
	}
	if critical > 0 {
		actions = append(actions, compliance.ActionRequestHumanReview)
	}
	if score < a.config.EscalationThreshold {
		actions = append(actions, compliance.ActionEscalateToSupervisor)
	}
	for _, c := range checks {
		if c.Compliant {
			continue
		}
		if snap, ok := rules[c.RuleID]; ok && snap.Rule != nil {
			actions = append(actions, snap.Rule.RemediationActions...)
		}
	}
	if lowConfidence {
		actions = append(actions, compliance.ActionAdjustConfidence)
	}
	result.RequiredActions = dedupe(actions)
	result.Escalated = result.HasAction(compliance.ActionEscalateToSupervisor)

	result.Trace("aggregated", fmt.Sprintf("score=%.4f level=%s checks=%d critical=%d",
		score, result.ComplianceLevel, len(checks), critical))
	if !allowed {
		result.Explanation = explain(result)
	}

	return result
}

// weightedScore is Σ(score·weight)/Σ(weight). No checks scores 1.
func weightedScore(checks []compliance.ComplianceCheck, rules map[string]compliance.RuleSnapshot) (float64, error) {
	if len(checks) == 0 {
		return 1, nil
	}

	var sum, weights float64
	for _, c := range checks {
		w := 1.0
		if snap, ok := rules[c.RuleID]; ok && snap.Rule != nil {
			w = snap.Rule.Weight
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return 0, errors.NewAggregationError(fmt.Sprintf("rule %q has invalid weight %v", c.RuleID, w))
		}
		if math.IsNaN(c.ComplianceScore) {
			return 0, errors.NewAggregationError(fmt.Sprintf("check %q has NaN score", c.RuleID))
		}
		sum += c.ComplianceScore * w
		weights += w
	}

	return sum / weights, nil
}

// regulatoryBreakdown is the mean check score per mapped framework
func regulatoryBreakdown(checks []compliance.ComplianceCheck, rules map[string]compliance.RuleSnapshot) map[compliance.Framework]float64 {
	sums := make(map[compliance.Framework]float64)
	counts := make(map[compliance.Framework]int)

	for _, c := range checks {
		snap, ok := rules[c.RuleID]
		if !ok {
			continue
		}
		for _, fw := range snap.Frameworks {
			sums[fw] += c.ComplianceScore
			counts[fw]++
		}
	}

	out := make(map[compliance.Framework]float64, len(sums))
	for fw, s := range sums {
		out[fw] = s / float64(counts[fw])
	}
	return out
}

func dedupe(actions []compliance.RemediationAction) []compliance.RemediationAction {
	seen := make(map[compliance.RemediationAction]bool, len(actions))
	out := make([]compliance.RemediationAction, 0, len(actions))
	for _, a := range actions {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func explain(r *compliance.ComplianceResult) string {
	failed := r.NonCompliantRules()
	sort.Strings(failed)
	if r.CriticalViolations > 0 {
		return fmt.Sprintf("blocked: %d critical violation(s); non-compliant rules %v", r.CriticalViolations, failed)
	}
	return fmt.Sprintf("blocked: compliance score %.2f below threshold; non-compliant rules %v", r.OverallComplianceScore, failed)
}
