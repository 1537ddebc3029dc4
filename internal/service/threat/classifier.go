package threat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/domain/values"
)

// ClassifierConfig holds type specific scoring parameters
type ClassifierConfig struct {
	DetectionFloor      float64            `json:"detection_floor"`
	ConstitutionalDrift float64            `json:"constitutional_drift_threshold"`
	DriftHigh           float64            `json:"drift_high_threshold"`
	AnomalyHigh         float64            `json:"anomaly_high_threshold"`
	SeverityScores      map[string]float64 `json:"severity_scores"`
}

// DefaultClassifierConfig returns the standard scoring parameters
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		DetectionFloor:      DefaultDetectionFloor,
		ConstitutionalDrift: DefaultConstitutionalDrift,
		DriftHigh:           DefaultDriftHigh,
		AnomalyHigh:         DefaultAnomalyHigh,
		SeverityScores: map[string]float64{
			"low":    0.4,
			"medium": 0.7,
			"high":   0.9,
		},
	}
}

// Classification is the scored outcome for one event
type Classification struct {
	Level              threat.Level
	Score              float64
	Confidence         float64
	Indicators         []string
	RecommendedActions []threat.ResponseAction
}

// Classifier turns raw event data into scored, leveled detections. It is
// stateless and safe for concurrent use.
type Classifier struct {
	config ClassifierConfig
}

// NewClassifier creates a classifier
func NewClassifier(config ClassifierConfig) *Classifier {
	def := DefaultClassifierConfig()
	if config.SeverityScores == nil {
		config.SeverityScores = def.SeverityScores
	}
	if config.ConstitutionalDrift <= 0 {
		config.ConstitutionalDrift = def.ConstitutionalDrift
	}
	if config.DriftHigh <= 0 {
		config.DriftHigh = def.DriftHigh
	}
	if config.AnomalyHigh <= 0 {
		config.AnomalyHigh = def.AnomalyHigh
	}
	return &Classifier{config: config}
}

// Classify scores an event. The score is always clamped to [0,1].
func (c *Classifier) Classify(threatType threat.Type, source string, data, eventCtx map[string]interface{}) Classification {
	var (
		score      float64
		level      threat.Level
		indicators []string
	)

	switch threatType {
	case threat.TypeDriftDetection:
		score = values.Clamp01(firstFloat(data, 0, "drift_score", "score"))
		switch {
		case score > c.config.DriftHigh:
			level = threat.LevelHigh
		case score > c.config.ConstitutionalDrift:
			level = threat.LevelModerate
		default:
			level = threat.LevelLow
		}
		indicators = append(indicators, fmt.Sprintf("drift_score=%.3f", score))

	case threat.TypeConstitutionalViolation:
		severity, _ := data["severity"].(string)
		severity = strings.ToLower(severity)
		s, ok := c.config.SeverityScores[severity]
		if !ok {
			severity = "medium"
			s = c.config.SeverityScores[severity]
		}
		score = values.Clamp01(s)
		level = LevelForScore(score)
		indicators = append(indicators, "severity="+severity)

	case threat.TypeAnomalyDetection:
		score = values.Clamp01(firstFloat(data, 0, "anomaly_score", "score"))
		if score > c.config.AnomalyHigh {
			level = threat.LevelHigh
		} else {
			level = threat.LevelModerate
		}
		indicators = append(indicators, fmt.Sprintf("anomaly_score=%.3f", score))

	case threat.TypeSecurityBreach:
		score = BreachScore
		level = threat.LevelCritical
		indicators = append(indicators, "security_breach")

	default:
		score = values.Clamp01(values.FloatOr(data, "score", DefaultUnknownScore))
		level = LevelForScore(score)
		indicators = append(indicators, "type="+string(threatType))
	}

	adjusted := false
	if values.FloatOr(eventCtx, "user_count", 0) > LargeAudienceUsers {
		score += LargeAudienceBoost
		adjusted = true
		indicators = append(indicators, "large_audience")
	}
	if values.Bool(eventCtx, "critical_system") {
		score += CriticalSystemBoost
		adjusted = true
		indicators = append(indicators, "critical_system")
	}
	score = values.Clamp01(score)
	if adjusted {
		if l := LevelForScore(score); l > level {
			level = l
		}
	}

	if extra, ok := data["indicators"].([]string); ok {
		indicators = append(indicators, extra...)
	}
	if source != "" {
		indicators = append(indicators, "source="+source)
	}

	return Classification{
		Level:              level,
		Score:              score,
		Confidence:         values.Clamp01(values.FloatOr(data, "confidence", DefaultConfidence)),
		Indicators:         indicators,
		RecommendedActions: RecommendedActions(score),
	}
}

// Detect classifies an event and builds a detection in DETECTED state. It
// returns nil when the score is below the detection floor.
func (c *Classifier) Detect(threatType threat.Type, source string, data, eventCtx map[string]interface{}) *threat.Detection {
	cl := c.Classify(threatType, source, data, eventCtx)
	if cl.Score < c.config.DetectionFloor {
		return nil
	}

	target, _ := data["target"].(string)
	if target == "" {
		target, _ = eventCtx["target"].(string)
	}

	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}

	now := time.Now()
	return &threat.Detection{
		ID:                 uuid.New().String(),
		Type:               threatType,
		Level:              cl.Level,
		Score:              cl.Score,
		Source:             source,
		Target:             target,
		Confidence:         cl.Confidence,
		Indicators:         cl.Indicators,
		RecommendedActions: cl.RecommendedActions,
		Status:             threat.StatusDetected,
		Data:               payload,
		DetectedAt:         now,
		UpdatedAt:          now,
	}
}

// LevelForScore is the generic score to level mapping
func LevelForScore(score float64) threat.Level {
	switch {
	case score >= ScoreSevere:
		return threat.LevelSevere
	case score >= ScoreCritical:
		return threat.LevelCritical
	case score >= ScoreHigh:
		return threat.LevelHigh
	case score >= ScoreModerate:
		return threat.LevelModerate
	case score >= ScoreLow:
		return threat.LevelLow
	default:
		return threat.LevelMinimal
	}
}

// RecommendedActions maps a score to its default response
func RecommendedActions(score float64) []threat.ResponseAction {
	switch {
	case score >= ContainmentScore:
		return []threat.ResponseAction{threat.ActionBlock, threat.ActionEscalate}
	case score >= AlertScore:
		return []threat.ResponseAction{threat.ActionAlert, threat.ActionMonitor}
	default:
		return []threat.ResponseAction{threat.ActionMonitor}
	}
}

func firstFloat(data map[string]interface{}, def float64, keys ...string) float64 {
	for _, k := range keys {
		if _, ok := data[k]; ok {
			return values.FloatOr(data, k, def)
		}
	}
	return def
}
