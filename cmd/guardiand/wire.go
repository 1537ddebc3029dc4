package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/infrastructure/auditlog"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/config"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/telemetry"
	"github.com/davidleathers/policy-guardian/internal/service/guardian"
	"github.com/davidleathers/policy-guardian/internal/service/rules"
)

// engineConfig maps the file and environment configuration onto the engine
func engineConfig(cfg *config.Config) (guardian.Config, error) {
	ec := guardian.DefaultConfig()

	c := cfg.Compliance
	ec.Compliance.Aggregator.ComplianceThreshold = c.ComplianceThreshold
	ec.Compliance.Aggregator.HumanReviewThreshold = c.HumanReviewThreshold
	ec.Compliance.Aggregator.EscalationThreshold = c.EscalationThreshold
	ec.Compliance.EvaluationTimeout = c.EvaluationTimeout
	ec.Compliance.ParallelChecks = c.ParallelChecks
	ec.Compliance.TextFields = c.TextFields
	ec.ThreatEscalationScore = c.ThreatEscalationScore
	ec.FrameworkRules = c.FrameworkRules

	ec.Remediation.HistorySize = cfg.Remediation.HistorySize
	ec.Remediation.QueueSize = cfg.Remediation.QueueSize
	ec.Remediation.ConfidencePenalty = c.ConfidencePenalty
	ec.Remediation.Disclaimer = c.Disclaimer
	ec.Remediation.ModificationNotice = c.ModificationNotice
	ec.Remediation.TextFields = c.TextFields

	t := cfg.Threat
	ec.Classifier.DetectionFloor = t.DetectionFloor
	ec.Classifier.ConstitutionalDrift = t.ConstitutionalDriftThreshold
	ec.Classifier.DriftHigh = t.DriftHighThreshold
	ec.Classifier.AnomalyHigh = t.AnomalyHighThreshold
	for k, v := range t.SeverityScores {
		ec.Classifier.SeverityScores[k] = v
	}
	ec.Orchestrator.HistorySize = t.HistorySize
	ec.Orchestrator.AlertRate = t.AlertRate
	ec.Orchestrator.AlertBurst = t.AlertBurst
	ec.AutoRespond = t.AutoRespond

	ec.Agents.HeartbeatWarning = cfg.Monitor.HeartbeatWarning
	ec.Agents.HeartbeatOffline = cfg.Monitor.HeartbeatOffline
	for role, byType := range t.RoleAffinity {
		if ec.Agents.Affinity[role] == nil {
			ec.Agents.Affinity[role] = make(map[string]float64, len(byType))
		}
		for typ, v := range byType {
			ec.Agents.Affinity[role][typ] = v
		}
	}

	m := cfg.Monitor
	ec.Monitor.DriftInterval = m.DriftInterval
	ec.Monitor.HealthInterval = m.HealthInterval
	ec.Monitor.DrainInterval = m.DrainInterval
	ec.Monitor.DrainBatch = m.DrainBatch
	ec.Monitor.ExpectedSuccessRate = m.ExpectedSuccessRate
	ec.Monitor.DriftThreshold = m.DriftThreshold
	ec.Monitor.ViolationWindow = m.ViolationWindow
	ec.Monitor.MaxBackoff = m.MaxBackoff

	ec.AuditMemorySize = cfg.Audit.MemorySize

	if !c.SeedRules {
		ec.Rules = nil
	}
	if c.RulePackPath != "" {
		pack, err := rules.LoadPack(c.RulePackPath)
		if err != nil {
			return guardian.Config{}, err
		}
		ec.Rules = append(ec.Rules, pack...)
	}
	if !t.SeedAgents {
		ec.SeedAgents = nil
	}
	return ec, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = Version
	tc.Environment = cfg.Environment
	tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tc.Enabled = cfg.Telemetry.Enabled
	tc.SamplingRate = cfg.Telemetry.SamplingRate
	tc.EvaluationTimeout = cfg.Compliance.EvaluationTimeout
	tc.Attributes = map[string]string{
		"rule_pack":    cfg.Compliance.RulePackPath,
		"seed_rules":   strconv.FormatBool(cfg.Compliance.SeedRules),
		"auto_respond": strconv.FormatBool(cfg.Threat.AutoRespond),
		"audit_sinks":  strings.Join(auditSinks(cfg), ","),
	}
	return tc
}

// auditSinks names the audit sinks the configuration enables, in chain
// resume order
func auditSinks(cfg *config.Config) []string {
	var sinks []string
	if cfg.Database.URL != "" {
		sinks = append(sinks, "sql")
	}
	if cfg.Audit.FilePath != "" {
		sinks = append(sinks, "file")
	}
	if cfg.Redis.Addr != "" && cfg.Audit.RedisKey != "" {
		sinks = append(sinks, "redis")
	}
	return append(sinks, "memory")
}

// auditStack is the audit log with the resources behind its sinks
type auditStack struct {
	log       *auditlog.Log
	memory    *auditlog.MemorySink
	redis     *redis.Client
	retention *auditlog.Retention
}

// openAudit builds the audit log. The database comes first so the chain
// resumes from the most durable head; memory is always present.
func openAudit(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*auditStack, error) {
	stack := &auditStack{}
	var sinks []auditlog.Sink
	fail := func(err error) (*auditStack, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		if stack.redis != nil {
			_ = stack.redis.Close()
		}
		return nil, err
	}

	if cfg.Database.URL != "" {
		db, err := auditlog.OpenSQL(ctx, cfg.Database.URL)
		if err != nil {
			return fail(err)
		}
		db.SetPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		sinks = append(sinks, db)

		if cfg.Audit.RetentionDays > 0 {
			r, err := auditlog.NewRetention(logger, cfg.Audit.RetentionSchedule, cfg.Audit.Retention(), db)
			if err != nil {
				return fail(err)
			}
			stack.retention = r
		}
	}

	if cfg.Audit.FilePath != "" {
		f, err := auditlog.OpenFile(cfg.Audit.FilePath)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, f)
	}

	if cfg.Redis.Addr != "" && cfg.Audit.RedisKey != "" {
		stack.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := stack.redis.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis unreachable: %w", err))
		}
		sinks = append(sinks, auditlog.NewRedisSink(stack.redis, cfg.Audit.RedisKey, cfg.Audit.RedisMaxLen))
	}

	stack.memory = auditlog.NewMemorySink(cfg.Audit.MemorySize)
	sinks = append(sinks, stack.memory)

	l, err := auditlog.NewLog(ctx, logger, sinks...)
	if err != nil {
		return fail(err)
	}
	stack.log = l
	return stack, nil
}

func (s *auditStack) startRetention() {
	if s.retention != nil {
		s.retention.Start()
	}
}

// stopRetention must run before the log, and with it the database, closes
func (s *auditStack) stopRetention(ctx context.Context) error {
	if s.retention == nil {
		return nil
	}
	return s.retention.Stop(ctx)
}

// close releases the redis client. The engine closes the log itself.
func (s *auditStack) close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
