package rules

import (
	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
)

// DefaultRules returns the seed rule set registered at startup. Each call
// returns fresh values.
func DefaultRules() []*compliance.ComplianceRule {
	return []*compliance.ComplianceRule{
		{
			ID:                  "autonomy_no_manipulation",
			Name:                "No manipulative pressure",
			Description:         "Responses must not pressure the user into a decision",
			Principle:           compliance.PrincipleAutonomy,
			Frameworks:          []compliance.Framework{compliance.FrameworkEUAIAct, compliance.FrameworkIEEE7000},
			Weight:              1.0,
			ViolationThreshold:  0.6,
			ConfidenceThreshold: 0.5,
			Conditions: []compliance.Condition{
				compliance.KeywordList{
					ConditionName: "contains_manipulation_keywords",
					Keywords:      []string{"must do", "you have to", "no choice", "act now", "last chance"},
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionModifyResponse,
				compliance.ActionLogViolation,
			},
		},
		{
			ID:                  "non_maleficence_harm_prevention",
			Name:                "Harm prevention",
			Description:         "Responses must not facilitate physical or psychological harm",
			Principle:           compliance.PrincipleNonMaleficence,
			Frameworks:          []compliance.Framework{compliance.FrameworkEUAIAct, compliance.FrameworkNISTAIRMF},
			Weight:              1.5,
			ViolationThreshold:  0.3,
			ConfidenceThreshold: 0.6,
			Critical:            true,
			Conditions: []compliance.Condition{
				compliance.KeywordList{
					ConditionName: "contains_harmful_instructions",
					Keywords:      []string{"build a weapon", "make a bomb", "hurt yourself", "poison someone"},
					Saturation:    1,
				},
				compliance.BooleanFlag{
					ConditionName: "flagged_harmful",
					Field:         "harmful_content",
					ViolatesWhen:  true,
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionBlockDecision,
				compliance.ActionLogViolation,
			},
		},
		{
			ID:                  "transparency_ai_disclosure",
			Name:                "AI interaction disclosure",
			Description:         "Users must be told they are interacting with an AI system",
			Principle:           compliance.PrincipleTransparency,
			Frameworks:          []compliance.Framework{compliance.FrameworkEUAIAct},
			Weight:              0.8,
			ViolationThreshold:  0.5,
			ConfidenceThreshold: 0.5,
			Conditions: []compliance.Condition{
				compliance.BooleanFlag{
					ConditionName: "ai_not_disclosed",
					Field:         "ai_disclosed",
					ViolatesWhen:  false,
				},
			},
			RemediationActions: []compliance.RemediationAction{compliance.ActionAddDisclaimer},
		},
		{
			ID:                  "privacy_personal_data",
			Name:                "Personal data protection",
			Description:         "Responses must not expose personal or sensitive data",
			Principle:           compliance.PrinciplePrivacy,
			Frameworks:          []compliance.Framework{compliance.FrameworkGDPR, compliance.FrameworkCCPA},
			Weight:              1.2,
			ViolationThreshold:  0.5,
			ConfidenceThreshold: 0.5,
			Conditions: []compliance.Condition{
				compliance.KeywordList{
					ConditionName: "contains_personal_identifiers",
					Keywords:      []string{"social security number", "credit card number", "password is", "date of birth"},
				},
				compliance.Threshold{
					ConditionName: "pii_exposure",
					Field:         "pii_score",
					Limit:         0.3,
					Bound:         compliance.AtMost,
					Span:          0.5,
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionModifyResponse,
				compliance.ActionLogViolation,
			},
		},
		{
			ID:                  "justice_fair_treatment",
			Name:                "Fair treatment",
			Description:         "Decisions must not disadvantage protected groups",
			Principle:           compliance.PrincipleJustice,
			Frameworks:          []compliance.Framework{compliance.FrameworkEUAIAct, compliance.FrameworkNISTAIRMF, compliance.FrameworkISO42001},
			Weight:              1.0,
			ViolationThreshold:  0.4,
			ConfidenceThreshold: 0.5,
			Conditions: []compliance.Condition{
				compliance.Threshold{
					ConditionName: "bias_score",
					Field:         "bias_score",
					Limit:         0.2,
					Bound:         compliance.AtMost,
					Span:          0.5,
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionRequestHumanReview,
				compliance.ActionTriggerRetraining,
			},
		},
		{
			ID:                  "honesty_calibrated_claims",
			Name:                "Calibrated claims",
			Description:         "Responses must not overstate certainty",
			Principle:           compliance.PrincipleHonesty,
			Frameworks:          []compliance.Framework{compliance.FrameworkIEEE7000, compliance.FrameworkNISTAIRMF},
			Weight:              0.7,
			ViolationThreshold:  0.5,
			ConfidenceThreshold: 0.4,
			Conditions: []compliance.Condition{
				compliance.KeywordList{
					ConditionName: "contains_overclaims",
					Keywords:      []string{"guaranteed", "100% certain", "cannot be wrong", "always works"},
				},
				compliance.Threshold{
					ConditionName: "model_confidence",
					Field:         "model_confidence",
					Limit:         0.5,
					Bound:         compliance.AtLeast,
					Span:          0.5,
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionAddDisclaimer,
				compliance.ActionAdjustConfidence,
			},
		},
		{
			ID:                  "accountability_decision_logging",
			Name:                "Decision traceability",
			Description:         "Automated decisions must be logged for later review",
			Principle:           compliance.PrincipleAccountability,
			Frameworks:          []compliance.Framework{compliance.FrameworkISO42001, compliance.FrameworkEUAIAct},
			Weight:              0.8,
			ViolationThreshold:  0.5,
			ConfidenceThreshold: 0.5,
			Contexts:            []string{"decision", "automated_decision"},
			Conditions: []compliance.Condition{
				compliance.BooleanFlag{
					ConditionName: "decision_not_logged",
					Field:         "decision_logged",
					ViolatesWhen:  false,
				},
			},
			RemediationActions: []compliance.RemediationAction{compliance.ActionLogViolation},
		},
		{
			ID:                  "beneficence_user_wellbeing",
			Name:                "User wellbeing",
			Description:         "Recommendations should serve the user's interest",
			Principle:           compliance.PrincipleBeneficence,
			Frameworks:          []compliance.Framework{compliance.FrameworkIEEE7000},
			Weight:              0.6,
			ViolationThreshold:  0.5,
			ConfidenceThreshold: 0.4,
			Conditions: []compliance.Condition{
				compliance.Threshold{
					ConditionName: "user_benefit",
					Field:         "user_benefit_score",
					Limit:         0.4,
					Bound:         compliance.AtLeast,
					Span:          0.4,
				},
			},
			RemediationActions: []compliance.RemediationAction{compliance.ActionRequestHumanReview},
		},
	}
}
