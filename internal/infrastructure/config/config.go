package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// EnvPrefix prefixes environment overrides. Nesting uses a double
// underscore, e.g. GUARDIAN_MONITOR__DRIFT_INTERVAL=5s.
const EnvPrefix = "GUARDIAN_"

type Config struct {
	Environment string `koanf:"environment" validate:"required"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	Server      ServerConfig      `koanf:"server"`
	Compliance  ComplianceConfig  `koanf:"compliance"`
	Threat      ThreatConfig      `koanf:"threat"`
	Monitor     MonitorConfig     `koanf:"monitor"`
	Remediation RemediationConfig `koanf:"remediation"`
	Audit       AuditConfig       `koanf:"audit"`
	Redis       RedisConfig       `koanf:"redis"`
	Database    DatabaseConfig    `koanf:"database"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"gte=0"`
	// RateLimitRPS throttles each caller; zero disables the limiter.
	RateLimitRPS   int `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int `koanf:"rate_limit_burst" validate:"gte=0"`
}

type ComplianceConfig struct {
	ComplianceThreshold   float64       `koanf:"compliance_threshold" validate:"gte=0,lte=1"`
	HumanReviewThreshold  float64       `koanf:"human_review_threshold" validate:"gte=0,lte=1"`
	EscalationThreshold   float64       `koanf:"escalation_threshold" validate:"gte=0,lte=1"`
	ConfidencePenalty     float64       `koanf:"confidence_penalty" validate:"gt=0,lte=1"`
	EvaluationTimeout     time.Duration `koanf:"evaluation_timeout" validate:"gt=0"`
	ParallelChecks        bool          `koanf:"parallel_checks"`
	TextFields            []string      `koanf:"text_fields" validate:"min=1,dive,required"`
	Disclaimer            string        `koanf:"disclaimer"`
	ModificationNotice    string        `koanf:"modification_notice"`
	ThreatEscalationScore float64       `koanf:"threat_escalation_score" validate:"gte=0,lte=1"`
	SeedRules             bool          `koanf:"seed_rules"`
	RulePackPath          string        `koanf:"rule_pack_path"`
	// FrameworkRules maps a framework to the rule ids it covers.
	FrameworkRules map[string][]string `koanf:"framework_rules"`
}

type ThreatConfig struct {
	DetectionFloor               float64 `koanf:"detection_floor" validate:"gte=0,lte=1"`
	ConstitutionalDriftThreshold float64 `koanf:"constitutional_drift_threshold" validate:"gt=0,lte=1"`
	DriftHighThreshold           float64 `koanf:"drift_high_threshold" validate:"gt=0,lte=1"`
	AnomalyHighThreshold         float64 `koanf:"anomaly_high_threshold" validate:"gt=0,lte=1"`
	AutoRespond                  bool    `koanf:"auto_respond"`
	HistorySize                  int     `koanf:"history_size" validate:"gt=0"`
	AlertRate                    float64 `koanf:"alert_rate" validate:"gt=0"`
	AlertBurst                   int     `koanf:"alert_burst" validate:"gt=0"`
	// RoleAffinity maps role -> threat type -> affinity; "*" is a wildcard.
	RoleAffinity   map[string]map[string]float64 `koanf:"role_affinity"`
	SeverityScores map[string]float64            `koanf:"severity_scores"`
	SeedAgents     bool                          `koanf:"seed_agents"`
}

type MonitorConfig struct {
	DriftInterval       time.Duration `koanf:"drift_interval" validate:"gt=0"`
	HealthInterval      time.Duration `koanf:"health_interval" validate:"gt=0"`
	DrainInterval       time.Duration `koanf:"drain_interval" validate:"gt=0"`
	DrainBatch          int           `koanf:"drain_batch" validate:"gt=0"`
	HeartbeatWarning    time.Duration `koanf:"heartbeat_warning" validate:"gt=0"`
	HeartbeatOffline    time.Duration `koanf:"heartbeat_offline" validate:"gtfield=HeartbeatWarning"`
	ExpectedSuccessRate float64       `koanf:"expected_success_rate" validate:"gte=0,lte=1"`
	DriftThreshold      float64       `koanf:"drift_threshold" validate:"gt=0,lte=1"`
	ViolationWindow     time.Duration `koanf:"violation_window" validate:"gt=0"`
	MaxBackoff          time.Duration `koanf:"max_backoff" validate:"gt=0"`
}

type RemediationConfig struct {
	HistorySize int `koanf:"history_size" validate:"gt=0"`
	QueueSize   int `koanf:"queue_size" validate:"gt=0"`
}

type AuditConfig struct {
	MemorySize  int    `koanf:"memory_size" validate:"gt=0"`
	FilePath    string `koanf:"file_path"`
	RedisKey    string `koanf:"redis_key"`
	RedisMaxLen int64  `koanf:"redis_max_len" validate:"gte=0"`
	// RetentionSchedule is a cron spec pruning the database sink.
	RetentionSchedule string `koanf:"retention_schedule"`
	RetentionDays     int    `koanf:"retention_days" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name" validate:"required"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"gte=0,lte=1"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Compliance: ComplianceConfig{
			ComplianceThreshold:   0.70,
			HumanReviewThreshold:  0.60,
			EscalationThreshold:   0.60,
			ConfidencePenalty:     0.7,
			EvaluationTimeout:     2 * time.Second,
			ParallelChecks:        true,
			TextFields:            []string{"ai_response", "response", "content", "text"},
			Disclaimer:            "\n\nThis response was generated by an AI system and may be inaccurate.",
			ModificationNotice:    "[This response was modified to meet policy requirements] ",
			ThreatEscalationScore: 0.5,
			SeedRules:             true,
		},
		Threat: ThreatConfig{
			DetectionFloor:               0.05,
			ConstitutionalDriftThreshold: 0.15,
			DriftHighThreshold:           0.3,
			AnomalyHighThreshold:         0.8,
			AutoRespond:                  true,
			HistorySize:                  1000,
			AlertRate:                    1,
			AlertBurst:                   5,
			SeedAgents:                   true,
		},
		Monitor: MonitorConfig{
			DriftInterval:       10 * time.Second,
			HealthInterval:      30 * time.Second,
			DrainInterval:       5 * time.Second,
			DrainBatch:          100,
			HeartbeatWarning:    60 * time.Second,
			HeartbeatOffline:    300 * time.Second,
			ExpectedSuccessRate: 0.9,
			DriftThreshold:      0.15,
			ViolationWindow:     5 * time.Minute,
			MaxBackoff:          2 * time.Minute,
		},
		Remediation: RemediationConfig{
			HistorySize: 500,
			QueueSize:   256,
		},
		Audit: AuditConfig{
			MemorySize:        1000,
			RedisKey:          "guardian:audit",
			RedisMaxLen:       10000,
			RetentionSchedule: "0 3 * * *",
			RetentionDays:     90,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "policy-guardian",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// Load layers defaults, the optional YAML file at path and GUARDIAN_
// environment variables, then validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, errors.NewConfigurationError("CONFIG_DEFAULTS", "loading defaults").WithCause(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.NewConfigurationError("CONFIG_FILE",
				fmt.Sprintf("loading config file %q", path)).WithCause(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.NewConfigurationError("CONFIG_ENV", "loading environment variables").WithCause(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.NewConfigurationError("CONFIG_DECODE", "unmarshaling config").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps GUARDIAN_MONITOR__DRIFT_INTERVAL to monitor.drift_interval
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.NewConfigurationError("CONFIG_INVALID", "configuration failed validation").WithCause(err)
	}
	for role, byType := range c.Threat.RoleAffinity {
		for typ, v := range byType {
			if v < 0 || v > 1 {
				return errors.NewConfigurationError("CONFIG_INVALID",
					fmt.Sprintf("role affinity %s/%s must be within [0,1]", role, typ))
			}
		}
	}
	if c.Audit.RetentionDays > 0 && c.Database.URL != "" && c.Audit.RetentionSchedule == "" {
		return errors.NewConfigurationError("CONFIG_INVALID", "audit retention requires a schedule")
	}
	return nil
}

// Retention returns the audit retention period
func (a AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}
