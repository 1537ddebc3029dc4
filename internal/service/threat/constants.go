package threat

// Threat score thresholds for the generic level mapping
const (
	// ScoreSevere is the lower bound of SEVERE
	ScoreSevere = 0.95

	// ScoreCritical is the lower bound of CRITICAL
	ScoreCritical = 0.8

	// ScoreHigh is the lower bound of HIGH
	ScoreHigh = 0.6

	// ScoreModerate is the lower bound of MODERATE
	ScoreModerate = 0.4

	// ScoreLow is the lower bound of LOW
	ScoreLow = 0.2
)

// Recommended action thresholds
const (
	// ContainmentScore recommends BLOCK and ESCALATE
	ContainmentScore = 0.8

	// AlertScore recommends ALERT and MONITOR
	AlertScore = 0.5
)

// Type specific defaults
const (
	// DefaultConstitutionalDrift is the drift above which drift is MODERATE
	DefaultConstitutionalDrift = 0.15

	// DefaultDriftHigh is the drift above which drift is HIGH
	DefaultDriftHigh = 0.3

	// DefaultAnomalyHigh is the anomaly score above which anomalies are HIGH
	DefaultAnomalyHigh = 0.8

	// BreachScore is the fixed score of security breaches
	BreachScore = 0.9

	// DefaultUnknownScore scores threats of unknown type without a score
	DefaultUnknownScore = 0.5

	// DefaultConfidence is used when the event carries no confidence
	DefaultConfidence = 0.8

	// DefaultDetectionFloor drops events scoring below it
	DefaultDetectionFloor = 0.05
)

// Context adjustments
const (
	// LargeAudienceUsers is the user_count above which the score is raised
	LargeAudienceUsers = 100

	// LargeAudienceBoost is added for large audiences
	LargeAudienceBoost = 0.1

	// CriticalSystemBoost is added when critical_system is set
	CriticalSystemBoost = 0.2
)
