package compliance

import (
	"time"
)

// Violation is a condition that scored below its rule's compliance threshold
type Violation struct {
	RuleID      string  `json:"rule_id"`
	Condition   string  `json:"condition"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// ComplianceCheck is the scored outcome of one rule against one input
type ComplianceCheck struct {
	RuleID             string             `json:"rule_id"`
	Principle          Principle          `json:"principle"`
	Compliant          bool               `json:"compliant"`
	ComplianceScore    float64            `json:"compliance_score"`
	Confidence         float64            `json:"confidence"`
	LowConfidence      bool               `json:"low_confidence"`
	ConditionScores    map[string]float64 `json:"condition_scores,omitempty"`
	ViolationsDetected []Violation        `json:"violations_detected,omitempty"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	// Error explains a fail-closed check when evaluation could not complete.
	Error       string    `json:"error,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// FailedCheck builds the fail-closed check returned when a rule cannot be
// evaluated
func FailedCheck(ruleID string, principle Principle, reason string) ComplianceCheck {
	return ComplianceCheck{
		RuleID:          ruleID,
		Principle:       principle,
		Compliant:       false,
		ComplianceScore: 0,
		Confidence:      0.1,
		RiskLevel:       RiskCritical,
		Error:           reason,
		EvaluatedAt:     time.Now(),
	}
}

// AuditEntry is one step recorded while producing a result
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// ComplianceResult is the aggregated, decision-bearing outcome of all
// applicable checks. Invariant: DecisionAllowed implies OverallCompliant and
// zero critical violations.
type ComplianceResult struct {
	ID                     string                `json:"id"`
	Timestamp              time.Time             `json:"timestamp"`
	Context                EvaluationContext     `json:"context"`
	OverallComplianceScore float64               `json:"overall_compliance_score"`
	ComplianceLevel        Level                 `json:"compliance_level"`
	OverallCompliant       bool                  `json:"overall_compliant"`
	DecisionAllowed        bool                  `json:"decision_allowed"`
	ConfidenceInDecision   float64               `json:"confidence_in_decision"`
	CriticalViolations     int                   `json:"critical_violations"`
	Checks                 []ComplianceCheck     `json:"checks"`
	RequiredActions        []RemediationAction   `json:"required_actions"`
	HumanReviewRequired    bool                  `json:"human_review_required"`
	Escalated              bool                  `json:"escalated"`
	RegulatoryCompliance   map[Framework]float64 `json:"regulatory_compliance"`
	AppliedActions         []RemediationAction   `json:"applied_actions,omitempty"`
	AuditTrail             []AuditEntry          `json:"audit_trail"`
	// Degraded is set when the result is a fail-closed fallback.
	Degraded    bool   `json:"degraded"`
	Explanation string `json:"explanation,omitempty"`
}

// Trace appends an audit trail entry
func (r *ComplianceResult) Trace(event, detail string) {
	r.AuditTrail = append(r.AuditTrail, AuditEntry{
		Timestamp: time.Now(),
		Event:     event,
		Detail:    detail,
	})
}

// HasAction reports whether action is among the required actions
func (r *ComplianceResult) HasAction(action RemediationAction) bool {
	for _, a := range r.RequiredActions {
		if a == action {
			return true
		}
	}
	return false
}

// Violations flattens the violations of all checks
func (r *ComplianceResult) Violations() []Violation {
	var out []Violation
	for _, c := range r.Checks {
		out = append(out, c.ViolationsDetected...)
	}
	return out
}

// NonCompliantRules returns the ids of rules whose checks failed
func (r *ComplianceResult) NonCompliantRules() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Compliant {
			out = append(out, c.RuleID)
		}
	}
	return out
}

// FailClosedResult is the non-compliant fallback used whenever the result
// cannot be computed
func FailClosedResult(id string, ctx EvaluationContext, reason string) *ComplianceResult {
	r := &ComplianceResult{
		ID:                     id,
		Timestamp:              time.Now(),
		Context:                ctx,
		OverallComplianceScore: 0,
		ComplianceLevel:        LevelNonCompliant,
		OverallCompliant:       false,
		DecisionAllowed:        false,
		ConfidenceInDecision:   0,
		RequiredActions:        []RemediationAction{ActionBlockDecision, ActionRequestHumanReview},
		HumanReviewRequired:    true,
		RegulatoryCompliance:   map[Framework]float64{},
		Degraded:               true,
		Explanation:            reason,
	}
	r.Trace("fail_closed", reason)
	return r
}
