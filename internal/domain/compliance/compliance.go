package compliance

import (
	"fmt"
	"strings"
	"time"
)

// Principle is a named ethical or regulatory category that groups rules
type Principle string

const (
	PrincipleBeneficence    Principle = "beneficence"
	PrincipleNonMaleficence Principle = "non_maleficence"
	PrincipleAutonomy       Principle = "autonomy"
	PrincipleJustice        Principle = "justice"
	PrincipleTransparency   Principle = "transparency"
	PrincipleAccountability Principle = "accountability"
	PrinciplePrivacy        Principle = "privacy"
	PrincipleHonesty        Principle = "honesty"
)

var knownPrinciples = map[Principle]bool{
	PrincipleBeneficence:    true,
	PrincipleNonMaleficence: true,
	PrincipleAutonomy:       true,
	PrincipleJustice:        true,
	PrincipleTransparency:   true,
	PrincipleAccountability: true,
	PrinciplePrivacy:        true,
	PrincipleHonesty:        true,
}

// Valid reports whether p is one of the known principles
func (p Principle) Valid() bool {
	return knownPrinciples[p]
}

// Framework identifies a regulatory framework a rule maps to
type Framework string

const (
	FrameworkEUAIAct   Framework = "eu_ai_act"
	FrameworkGDPR      Framework = "gdpr"
	FrameworkCCPA      Framework = "ccpa"
	FrameworkNISTAIRMF Framework = "nist_ai_rmf"
	FrameworkISO42001  Framework = "iso_42001"
	FrameworkIEEE7000  Framework = "ieee_7000"
)

// RiskLevel grades a single check
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "LOW":
		*r = RiskLow
	case "MEDIUM":
		*r = RiskMedium
	case "HIGH":
		*r = RiskHigh
	case "CRITICAL":
		*r = RiskCritical
	default:
		return fmt.Errorf("unknown risk level %q", string(text))
	}
	return nil
}

// Level is the aggregate compliance grade of a result
type Level string

const (
	LevelCompliant              Level = "COMPLIANT"
	LevelSubstantiallyCompliant Level = "SUBSTANTIALLY_COMPLIANT"
	LevelPartiallyCompliant     Level = "PARTIALLY_COMPLIANT"
	LevelNonCompliant           Level = "NON_COMPLIANT"
)

// Level boundaries are inclusive lower bounds.
const (
	CompliantBoundary              = 0.90
	SubstantiallyCompliantBoundary = 0.70
	PartiallyCompliantBoundary     = 0.50
)

// LevelForScore maps an overall score to its compliance level
func LevelForScore(score float64) Level {
	switch {
	case score >= CompliantBoundary:
		return LevelCompliant
	case score >= SubstantiallyCompliantBoundary:
		return LevelSubstantiallyCompliant
	case score >= PartiallyCompliantBoundary:
		return LevelPartiallyCompliant
	default:
		return LevelNonCompliant
	}
}

// RemediationAction is an automated action applied to a non-compliant result
type RemediationAction string

const (
	ActionBlockDecision        RemediationAction = "BLOCK_DECISION"
	ActionModifyResponse       RemediationAction = "MODIFY_RESPONSE"
	ActionAddDisclaimer        RemediationAction = "ADD_DISCLAIMER"
	ActionRequestHumanReview   RemediationAction = "REQUEST_HUMAN_REVIEW"
	ActionEscalateToSupervisor RemediationAction = "ESCALATE_TO_SUPERVISOR"
	ActionLogViolation         RemediationAction = "LOG_VIOLATION"
	ActionAdjustConfidence     RemediationAction = "ADJUST_CONFIDENCE"
	ActionTriggerRetraining    RemediationAction = "TRIGGER_RETRAINING"
)

// ComplianceRule is a weighted, conditioned check mapped to regulatory
// frameworks. A registered rule is immutable; the store owns its counters and
// enabled flag.
type ComplianceRule struct {
	ID                  string              `json:"id" yaml:"id" validate:"required"`
	Name                string              `json:"name" yaml:"name" validate:"required"`
	Description         string              `json:"description,omitempty" yaml:"description"`
	Principle           Principle           `json:"principle" yaml:"principle" validate:"required"`
	Frameworks          []Framework         `json:"frameworks,omitempty" yaml:"frameworks"`
	Conditions          []Condition         `json:"-" yaml:"-"`
	Weight              float64             `json:"weight" yaml:"weight" validate:"gt=0"`
	ViolationThreshold  float64             `json:"violation_threshold" yaml:"violation_threshold" validate:"gte=0,lte=1"`
	ConfidenceThreshold float64             `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	RemediationActions  []RemediationAction `json:"remediation_actions,omitempty" yaml:"remediation_actions"`
	Contexts            []string            `json:"contexts,omitempty" yaml:"contexts"`
	// Critical marks rules whose violations are always CRITICAL risk.
	Critical bool `json:"critical" yaml:"critical"`
}

// Validate checks the structural invariants validator tags cannot express
func (r *ComplianceRule) Validate() error {
	if !r.Principle.Valid() {
		return fmt.Errorf("unknown principle %q", r.Principle)
	}

	names := make(map[string]bool, len(r.Conditions))
	for i, c := range r.Conditions {
		if c == nil {
			return fmt.Errorf("condition %d is nil", i)
		}
		if c.Name() == "" {
			return fmt.Errorf("condition %d has no name", i)
		}
		if names[c.Name()] {
			return fmt.Errorf("duplicate condition %q", c.Name())
		}
		names[c.Name()] = true
		if err := c.validate(); err != nil {
			return fmt.Errorf("invalid condition %q: %w", c.Name(), err)
		}
	}

	for _, a := range r.RemediationActions {
		if a == "" {
			return fmt.Errorf("empty remediation action")
		}
	}

	return nil
}

// AppliesTo reports whether the rule applies to the evaluation context type.
// Rules without contexts, or with "all", apply everywhere.
func (r *ComplianceRule) AppliesTo(contextType string) bool {
	if len(r.Contexts) == 0 {
		return true
	}
	for _, c := range r.Contexts {
		if c == "all" || strings.EqualFold(c, contextType) {
			return true
		}
	}
	return false
}

// ComplianceThreshold is the minimum score at which the rule is compliant
func (r *ComplianceRule) ComplianceThreshold() float64 {
	return 1 - r.ViolationThreshold
}

// RuleCounters is the running confusion matrix of a rule
type RuleCounters struct {
	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	TrueNegatives  int64 `json:"true_negatives"`
	FalseNegatives int64 `json:"false_negatives"`
}

// DefaultHistoricalRate is used for precision and recall without history
const DefaultHistoricalRate = 0.8

// Precision returns TP/(TP+FP), or DefaultHistoricalRate without history
func (c RuleCounters) Precision() float64 {
	if c.TruePositives+c.FalsePositives == 0 {
		return DefaultHistoricalRate
	}
	return float64(c.TruePositives) / float64(c.TruePositives+c.FalsePositives)
}

// Recall returns TP/(TP+FN), or DefaultHistoricalRate without history
func (c RuleCounters) Recall() float64 {
	if c.TruePositives+c.FalseNegatives == 0 {
		return DefaultHistoricalRate
	}
	return float64(c.TruePositives) / float64(c.TruePositives+c.FalseNegatives)
}

// F1 returns the harmonic mean of precision and recall
func (c RuleCounters) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// RuleSnapshot is a point-in-time copy of a registered rule
type RuleSnapshot struct {
	Rule    *ComplianceRule `json:"rule"`
	Enabled bool            `json:"enabled"`
	// Frameworks is the effective mapping: the rule's own frameworks plus
	// any configured for it.
	Frameworks   []Framework  `json:"frameworks"`
	Counters     RuleCounters `json:"counters"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// EvaluationContext describes the request being evaluated
type EvaluationContext struct {
	Type       string                 `json:"type"`
	UserID     string                 `json:"user_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}
