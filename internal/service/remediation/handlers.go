package remediation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
)

func (d *Dispatcher) blockDecision(_ context.Context, result *compliance.ComplianceResult, payload map[string]interface{}) error {
	result.DecisionAllowed = false
	if payload != nil {
		payload["blocked"] = true
	}
	return nil
}

// firstTextField returns the first configured text field holding a string
func (d *Dispatcher) firstTextField(payload map[string]interface{}) (string, string, bool) {
	for _, f := range d.config.TextFields {
		if s, ok := payload[f].(string); ok {
			return f, s, true
		}
	}
	return "", "", false
}

func (d *Dispatcher) modifyResponse(_ context.Context, result *compliance.ComplianceResult, payload map[string]interface{}) error {
	field, text, ok := d.firstTextField(payload)
	if !ok {
		return nil
	}
	if !strings.HasPrefix(text, d.config.ModificationNotice) {
		payload[field] = d.config.ModificationNotice + text
	}
	payload["response_modified"] = true
	return nil
}

func (d *Dispatcher) addDisclaimer(_ context.Context, result *compliance.ComplianceResult, payload map[string]interface{}) error {
	field, text, ok := d.firstTextField(payload)
	if !ok {
		return nil
	}
	if !strings.HasSuffix(text, d.config.Disclaimer) {
		payload[field] = text + d.config.Disclaimer
	}
	return nil
}

func (d *Dispatcher) requestHumanReview(_ context.Context, result *compliance.ComplianceResult, _ map[string]interface{}) error {
	result.HumanReviewRequired = true
	return d.Enqueue(taskFromResult(compliance.ActionRequestHumanReview, result))
}

func (d *Dispatcher) escalate(_ context.Context, result *compliance.ComplianceResult, _ map[string]interface{}) error {
	result.Escalated = true
	return d.Enqueue(taskFromResult(compliance.ActionEscalateToSupervisor, result))
}

func (d *Dispatcher) triggerRetraining(_ context.Context, result *compliance.ComplianceResult, _ map[string]interface{}) error {
	return d.Enqueue(taskFromResult(compliance.ActionTriggerRetraining, result))
}

func (d *Dispatcher) logViolation(_ context.Context, result *compliance.ComplianceResult, _ map[string]interface{}) error {
	violations := result.Violations()
	fields := []zap.Field{
		zap.String("result_id", result.ID),
		zap.String("context_type", result.Context.Type),
		zap.String("user_id", result.Context.UserID),
		zap.Float64("score", result.OverallComplianceScore),
		zap.String("level", string(result.ComplianceLevel)),
		zap.Int("critical_violations", result.CriticalViolations),
		zap.Strings("non_compliant_rules", result.NonCompliantRules()),
	}
	for _, v := range violations {
		d.logger.Warn("Compliance violation",
			append(fields,
				zap.String("rule_id", v.RuleID),
				zap.String("condition", v.Condition),
				zap.Float64("condition_score", v.Score),
			)...,
		)
	}
	if len(violations) == 0 {
		d.logger.Warn("Compliance violation", fields...)
	}
	return nil
}

func (d *Dispatcher) adjustConfidence(_ context.Context, result *compliance.ComplianceResult, _ map[string]interface{}) error {
	result.ConfidenceInDecision *= d.config.ConfidencePenalty
	return nil
}
