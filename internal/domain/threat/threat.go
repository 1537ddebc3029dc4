package threat

import (
	"fmt"
	"strings"
	"time"
)

// Type names a class of threat. The classifier knows the built-in types;
// other types use generic scoring.
type Type string

const (
	TypeDriftDetection          Type = "drift_detection"
	TypeConstitutionalViolation Type = "constitutional_violation"
	TypeAnomalyDetection        Type = "anomaly_detection"
	TypeSecurityBreach          Type = "security_breach"
)

// Level grades a detection, MINIMAL to SEVERE
type Level int

const (
	LevelMinimal Level = iota
	LevelLow
	LevelModerate
	LevelHigh
	LevelCritical
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelMinimal:
		return "MINIMAL"
	case LevelLow:
		return "LOW"
	case LevelModerate:
		return "MODERATE"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	case LevelSevere:
		return "SEVERE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	for candidate := LevelMinimal; candidate <= LevelSevere; candidate++ {
		if strings.EqualFold(candidate.String(), string(text)) {
			*l = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown threat level %q", string(text))
}

// Status is the lifecycle state of a detection. Transitions only move
// forward: DETECTED, RESPONDING, RESOLVED.
type Status int

const (
	StatusDetected Status = iota
	StatusResponding
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusDetected:
		return "DETECTED"
	case StatusResponding:
		return "RESPONDING"
	case StatusResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Staying in RESPONDING is allowed; RESOLVED is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDetected:
		return next == StatusResponding || next == StatusResolved
	case StatusResponding:
		return next == StatusResponding || next == StatusResolved
	default:
		return false
	}
}

// ResponseAction is an enumerated remediation operation for threats
type ResponseAction string

const (
	ActionMonitor    ResponseAction = "MONITOR"
	ActionAlert      ResponseAction = "ALERT"
	ActionBlock      ResponseAction = "BLOCK"
	ActionQuarantine ResponseAction = "QUARANTINE"
	ActionRepair     ResponseAction = "REPAIR"
	ActionEscalate   ResponseAction = "ESCALATE"
	ActionShutdown   ResponseAction = "SHUTDOWN"
)

// Detection is a classified, scored event requiring possible response
type Detection struct {
	ID                 string                 `json:"id"`
	Type               Type                   `json:"threat_type"`
	Level              Level                  `json:"threat_level"`
	Score              float64                `json:"threat_score"`
	Source             string                 `json:"source"`
	Target             string                 `json:"target,omitempty"`
	Confidence         float64                `json:"confidence"`
	Indicators         []string               `json:"indicators,omitempty"`
	RecommendedActions []ResponseAction       `json:"recommended_actions"`
	AssignedGuardian   string                 `json:"assigned_guardian,omitempty"`
	Status             Status                 `json:"status"`
	Data               map[string]interface{} `json:"data,omitempty"`
	DetectedAt         time.Time              `json:"detected_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	ResolvedAt         *time.Time             `json:"resolved_at,omitempty"`
}

// Transition moves the detection forward, refusing regressions
func (d *Detection) Transition(next Status, at time.Time) error {
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid threat transition %s -> %s", d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = at
	if next == StatusResolved {
		resolved := at
		d.ResolvedAt = &resolved
	}
	return nil
}

// Clone returns a copy safe to hand to readers
func (d *Detection) Clone() *Detection {
	if d == nil {
		return nil
	}
	c := *d
	c.Indicators = append([]string(nil), d.Indicators...)
	c.RecommendedActions = append([]ResponseAction(nil), d.RecommendedActions...)
	if d.Data != nil {
		c.Data = make(map[string]interface{}, len(d.Data))
		for k, v := range d.Data {
			c.Data[k] = v
		}
	}
	if d.ResolvedAt != nil {
		r := *d.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

// ActionResult records the execution of one response action
type ActionResult struct {
	Action     ResponseAction `json:"action"`
	Success    bool           `json:"success"`
	Detail     string         `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Response is the record of one attempt to respond to a threat
type Response struct {
	ID                  string           `json:"id"`
	ThreatID            string           `json:"threat_id"`
	RespondingAgent     string           `json:"responding_agent,omitempty"`
	ActionsTaken        []ResponseAction `json:"actions_taken"`
	Results             []ActionResult   `json:"results"`
	Success             bool             `json:"success"`
	ThreatNeutralized   bool             `json:"threat_neutralized"`
	EffectivenessScore  float64          `json:"effectiveness_score"`
	RequiresHumanReview bool             `json:"requires_human_review"`
	StartedAt           time.Time        `json:"started_at"`
	CompletedAt         time.Time        `json:"completed_at"`
}

// Containment records a BLOCK or QUARANTINE applied to a threat source
type Containment struct {
	ThreatID string         `json:"threat_id"`
	Source   string         `json:"source"`
	Target   string         `json:"target,omitempty"`
	Action   ResponseAction `json:"action"`
	At       time.Time      `json:"at"`
}
