package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
)

// ComplianceSource is the source recorded on threats raised by low
// compliance results
const ComplianceSource = "compliance_engine"

// EvaluateCompliance scores data against the applicable rules and applies
// the required remediation to the result and to data. It never fails: any
// internal error yields a degraded, non-compliant result. userID overrides
// the context user; when both are empty the identity provider is asked.
func (e *Engine) EvaluateCompliance(ctx context.Context, evalCtx compliance.EvaluationContext, data map[string]interface{}, userID string) *compliance.ComplianceResult {
	ctx, span := e.tracer.Start(ctx, "guardian.EvaluateCompliance",
		trace.WithAttributes(attribute.String("context.type", evalCtx.Type)),
	)
	defer span.End()

	if e.closed.Load() {
		return compliance.FailClosedResult(uuid.New().String(), evalCtx, errors.ErrEngineClosed.Error())
	}

	evalCtx.UserID = e.resolveUser(ctx, evalCtx.UserID, userID)
	if data == nil {
		data = make(map[string]interface{})
	}

	start := time.Now()
	result := e.compliance.Evaluate(ctx, evalCtx, data)
	applied := e.remediation.Dispatch(ctx, result, data)
	elapsed := time.Since(start)

	e.evaluations.Add(1)
	if result.DecisionAllowed {
		e.allowed.Add(1)
	} else {
		e.denied.Add(1)
	}

	violations := result.Violations()
	span.SetAttributes(
		attribute.Float64("compliance.score", result.OverallComplianceScore),
		attribute.String("compliance.level", string(result.ComplianceLevel)),
		attribute.Bool("compliance.allowed", result.DecisionAllowed),
		attribute.Int("compliance.violations", len(violations)),
	)

	if e.metrics != nil {
		e.metrics.RecordEvaluation(ctx, float64(elapsed.Microseconds())/1000, evalCtx.Type,
			string(result.ComplianceLevel), result.DecisionAllowed, result.Degraded, len(violations))
		e.metrics.RecordScore(ctx, result.OverallComplianceScore)
		for _, rec := range applied {
			if !rec.Skipped {
				e.metrics.RecordRemediation(ctx, string(rec.Action), rec.Success)
			}
		}
	}

	e.record(ctx, audit.ActionEvaluation, evaluationOutcome(result), result.OverallComplianceScore, func(r *audit.Record) {
		r.WithActor(evalCtx.UserID).
			WithMetadata("result_id", result.ID).
			WithMetadata("context_type", evalCtx.Type).
			WithMetadata("level", string(result.ComplianceLevel))
		if rules := result.NonCompliantRules(); len(rules) > 0 {
			r.WithMetadata("non_compliant_rules", rules)
		}
	})
	for _, rec := range applied {
		if rec.Skipped {
			continue
		}
		outcome := "applied"
		if !rec.Success {
			outcome = "failed"
		}
		e.record(ctx, audit.ActionRemediation, outcome, result.OverallComplianceScore, func(r *audit.Record) {
			r.WithMetadata("result_id", result.ID).WithMetadata("remediation", string(rec.Action))
			if rec.Error != "" {
				r.WithMetadata("error", rec.Error)
			}
		})
	}

	for _, c := range result.Checks {
		if !c.Compliant {
			e.monitor.RecordViolation(time.Time{})
		}
	}

	e.raiseLowCompliance(ctx, result)
	return result
}

func evaluationOutcome(result *compliance.ComplianceResult) string {
	switch {
	case result.Degraded:
		return "degraded"
	case result.DecisionAllowed:
		return "allowed"
	default:
		return "denied"
	}
}

// raiseLowCompliance feeds results with critical violations, or scoring
// below the escalation score, into the threat path
func (e *Engine) raiseLowCompliance(ctx context.Context, result *compliance.ComplianceResult) {
	if result.CriticalViolations == 0 && result.OverallComplianceScore >= e.config.ThreatEscalationScore {
		return
	}

	severity := "medium"
	if result.CriticalViolations > 0 {
		severity = "high"
	}

	rules := result.NonCompliantRules()
	indicators := make([]string, 0, len(rules))
	for _, id := range rules {
		indicators = append(indicators, "rule="+id)
	}

	data := map[string]interface{}{
		"severity":         severity,
		"result_id":        result.ID,
		"compliance_score": result.OverallComplianceScore,
		"indicators":       indicators,
	}
	d, err := e.DetectThreat(ctx, threat.TypeConstitutionalViolation, ComplianceSource, data, result.Context.Attributes)
	if err != nil {
		e.log(ctx).Warn("Failed to raise constitutional violation threat",
			zap.String("result_id", result.ID),
			zap.Error(err),
		)
		return
	}
	if d != nil {
		e.log(ctx).Info("Low compliance raised threat",
			zap.String("result_id", result.ID),
			zap.String("threat_id", d.ID),
			zap.String("severity", severity),
			zap.Float64("score", result.OverallComplianceScore),
		)
	}
}

func (e *Engine) resolveUser(ctx context.Context, current, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if current != "" || e.identity == nil {
		return current
	}
	id, err := e.identity.UserID(ctx)
	if err != nil {
		e.log(ctx).Warn("Identity provider failed", zap.Error(err))
		return ""
	}
	return id
}

// Allow is the narrow policy gate: the decision and a human readable list
// of the reasons it was denied
func (e *Engine) Allow(ctx context.Context, evalCtx compliance.EvaluationContext, data map[string]interface{}) (bool, []string) {
	result := e.EvaluateCompliance(ctx, evalCtx, data, "")

	var reasons []string
	for _, v := range result.Violations() {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.RuleID, v.Description))
	}
	for _, c := range result.Checks {
		if c.Error != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", c.RuleID, c.Error))
		}
	}
	if result.Degraded && result.Explanation != "" {
		reasons = append(reasons, result.Explanation)
	}
	return result.DecisionAllowed, reasons
}

// RecordFeedback corrects the provisional outcome of a rule
func (e *Engine) RecordFeedback(ruleID string, predictedViolation, actualViolation bool) error {
	return e.rules.RecordFeedback(ruleID, predictedViolation, actualViolation)
}
