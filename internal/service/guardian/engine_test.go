package guardian_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/auditlog"
	"github.com/davidleathers/policy-guardian/internal/metrics"
	"github.com/davidleathers/policy-guardian/internal/service/guardian"
	"github.com/davidleathers/policy-guardian/internal/service/monitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRules() []*compliance.ComplianceRule {
	return []*compliance.ComplianceRule{
		{
			ID:                 "manipulation",
			Name:               "No manipulation",
			Principle:          compliance.PrincipleAutonomy,
			Frameworks:         []compliance.Framework{compliance.FrameworkEUAIAct},
			Weight:             1.0,
			ViolationThreshold: 0.6,
			Conditions: []compliance.Condition{
				compliance.KeywordList{
					ConditionName: "contains_manipulation_keywords",
					Keywords:      []string{"must do", "you have to"},
				},
			},
			RemediationActions: []compliance.RemediationAction{
				compliance.ActionModifyResponse,
				compliance.ActionLogViolation,
			},
		},
		{
			ID:                 "harm",
			Name:               "Harm prevention",
			Principle:          compliance.PrincipleNonMaleficence,
			Frameworks:         []compliance.Framework{compliance.FrameworkNISTAIRMF},
			Weight:             1.0,
			ViolationThreshold: 0.3,
			Critical:           true,
			Conditions: []compliance.Condition{
				compliance.BooleanFlag{
					ConditionName: "flagged_harmful",
					Field:         "harmful_content",
					ViolatesWhen:  true,
				},
			},
		},
	}
}

type harness struct {
	engine *guardian.Engine
	audit  *auditlog.MemorySink
}

func newHarness(t *testing.T, mutate func(c *guardian.Config), opts ...guardian.Option) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	cfg := guardian.DefaultConfig()
	cfg.Rules = testRules()
	if mutate != nil {
		mutate(&cfg)
	}

	sink := auditlog.NewMemorySink(1000)
	log, err := auditlog.NewLog(context.Background(), logger, sink)
	require.NoError(t, err)

	opts = append([]guardian.Option{guardian.WithAuditLog(log)}, opts...)
	engine, err := guardian.New(context.Background(), logger, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})

	return &harness{engine: engine, audit: sink}
}

func (h *harness) actions() []audit.Action {
	var out []audit.Action
	for _, r := range h.audit.Records(0) {
		out = append(out, r.Action)
	}
	return out
}

func TestNew_RejectsMalformedConfiguration(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := guardian.New(context.Background(), nil, guardian.DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	cfg := guardian.DefaultConfig()
	bad := testRules()[0]
	bad.Weight = 0
	cfg.Rules = append(cfg.Rules, bad)
	_, err = guardian.New(context.Background(), logger, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	cfg = guardian.DefaultConfig()
	cfg.SeedAgents = append(cfg.SeedAgents, cfg.SeedAgents[0])
	_, err = guardian.New(context.Background(), logger, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestEngine_EvaluateCompliance_Allowed(t *testing.T) {
	h := newHarness(t, nil)

	data := map[string]interface{}{"ai_response": "Here is a balanced overview."}
	result := h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"}, data, "user-1")

	assert.True(t, result.DecisionAllowed)
	assert.True(t, result.OverallCompliant)
	assert.InDelta(t, 1.0, result.OverallComplianceScore, 1e-9)
	assert.Equal(t, compliance.LevelCompliant, result.ComplianceLevel)
	assert.Equal(t, "user-1", result.Context.UserID)

	status, err := h.engine.GetSystemStatus()
	require.NoError(t, err)
	assert.Empty(t, status.ActiveThreats)
	assert.Equal(t, int64(1), status.Metrics.Evaluations)
	assert.Equal(t, int64(1), status.Metrics.Allowed)
	assert.Equal(t, 2, status.Metrics.Rules)

	records := h.audit.Records(0)
	require.NotEmpty(t, records)
	assert.Equal(t, audit.ActionEvaluation, records[0].Action)
	assert.Equal(t, "allowed", records[0].Outcome)
	assert.Equal(t, "user-1", records[0].Actor)
}

func TestEngine_EvaluateCompliance_TimeoutFailsClosed(t *testing.T) {
	stopped := make(chan struct{})
	slow := &compliance.ComplianceRule{
		ID:        "slow_scan",
		Name:      "Slow scan",
		Principle: compliance.PrincipleHonesty,
		Weight:    1,
		Conditions: []compliance.Condition{
			compliance.Custom{ConditionName: "scan", Fn: func(ctx context.Context, data map[string]interface{}) (float64, error) {
				defer close(stopped)
				deadline := time.After(100 * time.Millisecond)
				for {
					select {
					case <-ctx.Done():
						return 0, ctx.Err()
					case <-deadline:
						return 1, nil
					default:
						_ = data["ai_response"]
						_ = data["blocked"]
					}
				}
			}},
		},
	}

	h := newHarness(t, func(c *guardian.Config) {
		c.Rules = []*compliance.ComplianceRule{slow}
		c.Compliance.EvaluationTimeout = 10 * time.Millisecond
	})

	data := map[string]interface{}{"ai_response": "hello"}
	result := h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"}, data, "")

	assert.True(t, result.Degraded)
	assert.False(t, result.DecisionAllowed)
	assert.Equal(t, true, data["blocked"])

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("custom condition outlived the evaluation")
	}
}

func TestEngine_EvaluateCompliance_ManipulationKeywords(t *testing.T) {
	h := newHarness(t, nil)

	data := map[string]interface{}{"ai_response": "You must do this now"}
	result := h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"}, data, "")

	var check *compliance.ComplianceCheck
	for i := range result.Checks {
		if result.Checks[i].RuleID == "manipulation" {
			check = &result.Checks[i]
		}
	}
	require.NotNil(t, check)
	assert.Equal(t, 0.0, check.ConditionScores["contains_manipulation_keywords"])
	assert.False(t, check.Compliant)
	assert.Equal(t, compliance.RiskHigh, check.RiskLevel)

	assert.False(t, result.DecisionAllowed)
	assert.InDelta(t, 0.5, result.OverallComplianceScore, 1e-9)
	assert.True(t, result.HasAction(compliance.ActionBlockDecision))
	assert.True(t, result.HasAction(compliance.ActionModifyResponse))

	text, _ := data["ai_response"].(string)
	assert.True(t, strings.HasPrefix(text, guardian.DefaultConfig().Remediation.ModificationNotice))
	assert.Contains(t, text, "You must do this now")
	assert.Equal(t, true, data["blocked"])

	// 0.5 is not below the escalation score and there is no critical
	// violation, so no threat is raised.
	status, err := h.engine.GetSystemStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Metrics.Detections)
	assert.Equal(t, 1, status.Metrics.Monitor.RecentViolations)
	assert.Contains(t, h.actions(), audit.ActionRemediation)
}

func TestEngine_CriticalViolationRaisesThreat(t *testing.T) {
	h := newHarness(t, nil)

	data := map[string]interface{}{"ai_response": "ok", "harmful_content": true}
	result := h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"}, data, "")

	assert.Equal(t, 1, result.CriticalViolations)
	assert.False(t, result.DecisionAllowed)
	assert.True(t, result.HumanReviewRequired)

	status, err := h.engine.GetSystemStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Metrics.Detections)
	// Auto respond blocks the compliance engine source and resolves it.
	assert.Empty(t, status.ActiveThreats)
	assert.Equal(t, uint64(1), status.Metrics.Threats.Resolved)
	assert.Positive(t, status.Metrics.Remediation.QueueDepth)

	enforcer, err := h.engine.Agents().Get("enforcer-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), enforcer.ThreatsDetected)
	assert.Equal(t, int64(1), enforcer.ThreatsResolved)
	assert.Equal(t, 0, enforcer.CurrentLoad)

	actions := h.actions()
	for _, want := range []audit.Action{
		audit.ActionEvaluation,
		audit.ActionDetection,
		audit.ActionAssignment,
		audit.ActionResponse,
		audit.ActionResolution,
	} {
		assert.Contains(t, actions, want)
	}
}

func TestEngine_DetectThreat_SecurityBreach(t *testing.T) {
	h := newHarness(t, func(c *guardian.Config) { c.AutoRespond = false })
	ctx := context.Background()

	d, err := h.engine.DetectThreat(ctx, threat.TypeSecurityBreach, "api_gateway", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.InDelta(t, 0.9, d.Score, 1e-9)
	assert.Equal(t, threat.LevelCritical, d.Level)
	assert.Equal(t, []threat.ResponseAction{threat.ActionBlock, threat.ActionEscalate}, d.RecommendedActions)
	assert.Equal(t, "guardian-01", d.AssignedGuardian)
	assert.Equal(t, threat.StatusDetected, d.Status)

	resp, err := h.engine.RespondToThreat(ctx, d.ID, nil, "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.ThreatNeutralized)

	again, err := h.engine.RespondToThreat(ctx, d.ID, []threat.ResponseAction{threat.ActionBlock}, "")
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = h.engine.RespondToThreat(ctx, "missing", nil, "")
	assert.True(t, stderrors.Is(err, errors.ErrThreatNotFound))
}

func TestEngine_DetectThreat_BelowFloor(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.engine.DetectThreat(context.Background(), "custom_signal", "sensor", map[string]interface{}{"score": 0.01}, nil)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEngine_ReportDrift(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.ReportDrift(context.Background(), monitor.Components{Drift: 0.20}))

	status, err := h.engine.GetSystemStatus()
	require.NoError(t, err)
	require.Len(t, status.ActiveThreats, 1)

	d := status.ActiveThreats[0]
	assert.Equal(t, threat.TypeDriftDetection, d.Type)
	assert.Equal(t, threat.LevelModerate, d.Level)
	assert.Equal(t, "sentinel-01", d.AssignedGuardian)
	// MONITOR does not neutralize, so the threat stays responding.
	assert.Equal(t, threat.StatusResponding, d.Status)
}

func TestEngine_ShutdownEmergency(t *testing.T) {
	h := newHarness(t, func(c *guardian.Config) { c.AutoRespond = false })
	ctx := context.Background()

	d, err := h.engine.DetectThreat(ctx, threat.TypeAnomalyDetection, "network",
		map[string]interface{}{"anomaly_score": 0.6}, nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "scout-01", d.AssignedGuardian)

	resp, err := h.engine.RespondToThreat(ctx, d.ID, []threat.ResponseAction{threat.ActionShutdown}, "")
	require.NoError(t, err)
	assert.True(t, resp.ThreatNeutralized)

	status, err := h.engine.GetSystemStatus()
	require.NoError(t, err)
	assert.True(t, status.Metrics.Emergency.Active)

	_, err = h.engine.ClearEmergency(ctx, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	cleared, err := h.engine.ClearEmergency(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = h.engine.ClearEmergency(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, cleared)

	actions := h.actions()
	assert.Contains(t, actions, audit.ActionEmergency)
	assert.Contains(t, actions, audit.ActionClear)
}

func TestEngine_Allow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ok, reasons := h.engine.Allow(ctx, compliance.EvaluationContext{Type: "chat"},
		map[string]interface{}{"ai_response": "fine"})
	assert.True(t, ok)
	assert.Empty(t, reasons)

	ok, reasons = h.engine.Allow(ctx, compliance.EvaluationContext{Type: "chat"},
		map[string]interface{}{"ai_response": "fine", "harmful_content": true})
	assert.False(t, ok)
	require.NotEmpty(t, reasons)
	assert.True(t, strings.HasPrefix(reasons[0], "harm: "))
}

func TestEngine_IdentityProvider(t *testing.T) {
	identity := guardian.IdentityFunc(func(context.Context) (string, error) {
		return "user-7", nil
	})
	h := newHarness(t, nil, guardian.WithIdentity(identity))
	ctx := context.Background()

	result := h.engine.EvaluateCompliance(ctx, compliance.EvaluationContext{Type: "chat"}, nil, "")
	assert.Equal(t, "user-7", result.Context.UserID)

	result = h.engine.EvaluateCompliance(ctx, compliance.EvaluationContext{Type: "chat"}, nil, "explicit")
	assert.Equal(t, "explicit", result.Context.UserID)
}

func TestEngine_RecordFeedback(t *testing.T) {
	h := newHarness(t, nil)

	assert.Error(t, h.engine.RecordFeedback("unknown", true, false))
}

func TestEngine_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	registry, err := metrics.NewRegistry(provider, "guardian-test")
	require.NoError(t, err)

	h := newHarness(t, nil, guardian.WithMetrics(registry))
	h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"},
		map[string]interface{}{"ai_response": "fine"}, "")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["guardian.compliance.evaluations_total"])
	assert.True(t, names["guardian.agents.assignable"])
}

func TestEngine_StartAndClose(t *testing.T) {
	h := newHarness(t, func(c *guardian.Config) {
		c.Monitor.DriftInterval = 5 * time.Millisecond
		c.Monitor.HealthInterval = 5 * time.Millisecond
		c.Monitor.DrainInterval = 5 * time.Millisecond
	})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return h.engine.Monitor().Stats().DriftPasses > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
	require.NoError(t, h.engine.Close(ctx))

	result := h.engine.EvaluateCompliance(context.Background(), compliance.EvaluationContext{Type: "chat"}, nil, "")
	assert.True(t, result.Degraded)
	assert.False(t, result.DecisionAllowed)

	_, err := h.engine.DetectThreat(context.Background(), threat.TypeSecurityBreach, "api_gateway", nil, nil)
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
	assert.ErrorIs(t, h.engine.Start(context.Background()), errors.ErrEngineClosed)
}

func TestEngine_LogsCarryTraceContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tp := sdktrace.NewTracerProvider()
	cfg := guardian.DefaultConfig()
	cfg.Rules = testRules()
	cfg.SeedAgents = nil

	engine, err := guardian.New(context.Background(), zap.New(core), cfg, guardian.WithTracer(tp.Tracer("test")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	d, err := engine.DetectThreat(context.Background(), threat.TypeSecurityBreach, "api_gateway", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	entries := logs.FilterMessage("No eligible agent, threat left unassigned").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.NotEmpty(t, fields["trace_id"])
	assert.NotEmpty(t, fields["span_id"])
	assert.Equal(t, d.ID, fields["threat_id"])
}
