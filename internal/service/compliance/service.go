package compliance

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// RuleSource supplies rules and receives evaluation outcomes
type RuleSource interface {
	Applicable(contextType string) []compliance.RuleSnapshot
	RecordOutcome(ruleID string, violated bool)
}

// ServiceConfig holds the compliance service configuration
type ServiceConfig struct {
	Aggregator        AggregatorConfig `json:"aggregator"`
	EvaluationTimeout time.Duration    `json:"evaluation_timeout"`
	ParallelChecks    bool             `json:"parallel_checks"`
	TextFields        []string         `json:"text_fields"`
}

// DefaultServiceConfig returns the standard configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Aggregator:        DefaultAggregatorConfig(),
		EvaluationTimeout: 2 * time.Second,
		ParallelChecks:    true,
		TextFields:        DefaultTextFields,
	}
}

// Service runs the compliance path: applicable rules, per-rule checks and
// aggregation
type Service struct {
	logger     *zap.Logger
	rules      RuleSource
	evaluator  *RuleEvaluator
	aggregator *Aggregator
	config     ServiceConfig
}

// NewService creates a compliance service
func NewService(logger *zap.Logger, rules RuleSource, config ServiceConfig) *Service {
	return &Service{
		logger:     logger,
		rules:      rules,
		evaluator:  NewRuleEvaluator(NewConditionEvaluator(config.TextFields)),
		aggregator: NewAggregator(logger.Named("aggregator"), config.Aggregator),
		config:     config,
	}
}

// Evaluate scores data against every applicable rule. It always returns a
// well-formed result; timeouts and failures produce fail-closed results.
func (s *Service) Evaluate(ctx context.Context, evalCtx compliance.EvaluationContext, data map[string]interface{}) *compliance.ComplianceResult {
	startTime := time.Now()

	if s.config.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.EvaluationTimeout)
		defer cancel()
	}

	snaps := s.rules.Applicable(evalCtx.Type)
	index := make(map[string]compliance.RuleSnapshot, len(snaps))
	for _, snap := range snaps {
		index[snap.Rule.ID] = snap
	}

	// Checks read a snapshot so a check outliving the deadline never races
	// remediation writing to data.
	snapshot := make(map[string]interface{}, len(data))
	for k, v := range data {
		snapshot[k] = v
	}

	done := make(chan []compliance.ComplianceCheck, 1)
	go func() {
		done <- s.runChecks(ctx, snaps, snapshot)
	}()

	var checks []compliance.ComplianceCheck
	select {
	case checks = <-done:
	case <-ctx.Done():
		err := errors.NewEvaluationError("", "evaluation deadline exceeded").WithCause(ctx.Err())
		s.logger.Warn("Compliance evaluation timed out",
			zap.String("context_type", evalCtx.Type),
			zap.Int("rules", len(snaps)),
			zap.Error(err),
		)
		return compliance.FailClosedResult(uuid.New().String(), evalCtx, err.Error())
	}

	for _, c := range checks {
		if c.Error != "" {
			s.logger.Warn("Rule evaluation failed closed",
				zap.String("rule_id", c.RuleID),
				zap.String("error", c.Error),
			)
			continue
		}
		s.rules.RecordOutcome(c.RuleID, !c.Compliant)
	}

	result := s.aggregator.Aggregate(evalCtx, checks, index)

	s.logger.Debug("Compliance evaluation completed",
		zap.String("result_id", result.ID),
		zap.String("context_type", evalCtx.Type),
		zap.Float64("score", result.OverallComplianceScore),
		zap.String("level", string(result.ComplianceLevel)),
		zap.Bool("allowed", result.DecisionAllowed),
		zap.Duration("process_time", time.Since(startTime)),
	)

	return result
}

// runChecks evaluates every rule. Parallel checks write to distinct slots
// and are all joined before returning.
func (s *Service) runChecks(ctx context.Context, snaps []compliance.RuleSnapshot, data map[string]interface{}) []compliance.ComplianceCheck {
	checks := make([]compliance.ComplianceCheck, len(snaps))

	if !s.config.ParallelChecks || len(snaps) < 2 {
		for i, snap := range snaps {
			checks[i] = s.evaluator.Evaluate(ctx, snap, data)
		}
		return checks
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, snap := range snaps {
		i, snap := i, snap
		g.Go(func() error {
			checks[i] = s.evaluator.Evaluate(gctx, snap, data)
			return nil
		})
	}
	_ = g.Wait()

	return checks
}
