// Package guardian is the governance engine facade. An Engine is built once
// at process start and owns every component of the compliance and threat
// paths; there is no package level state.
package guardian

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/auditlog"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/telemetry"
	"github.com/davidleathers/policy-guardian/internal/metrics"
	"github.com/davidleathers/policy-guardian/internal/service/agents"
	compliancesvc "github.com/davidleathers/policy-guardian/internal/service/compliance"
	"github.com/davidleathers/policy-guardian/internal/service/monitor"
	"github.com/davidleathers/policy-guardian/internal/service/orchestrator"
	"github.com/davidleathers/policy-guardian/internal/service/remediation"
	"github.com/davidleathers/policy-guardian/internal/service/rules"
	threatsvc "github.com/davidleathers/policy-guardian/internal/service/threat"
)

const tracerName = "github.com/davidleathers/policy-guardian/guardian"

// AuditLog is the append-only audit trail collaborator
type AuditLog interface {
	Append(ctx context.Context, r *audit.Record) error
	Head() (int64, string)
	Close() error
}

// IdentityProvider supplies the user id of the caller when an evaluation
// does not carry one
type IdentityProvider interface {
	UserID(ctx context.Context) (string, error)
}

// IdentityFunc adapts a function to IdentityProvider
type IdentityFunc func(ctx context.Context) (string, error)

func (f IdentityFunc) UserID(ctx context.Context) (string, error) {
	return f(ctx)
}

// Config assembles the configuration of every engine component
type Config struct {
	Compliance   compliancesvc.ServiceConfig
	Remediation  remediation.Config
	Classifier   threatsvc.ClassifierConfig
	Agents       agents.Config
	Orchestrator orchestrator.Config
	Monitor      monitor.Config

	// Rules are registered at construction; a malformed rule aborts it.
	Rules []*compliance.ComplianceRule
	// FrameworkRules maps a framework to additional rule ids it covers.
	FrameworkRules map[string][]string
	SeedAgents     []*agent.GuardianAgent

	// AutoRespond answers newly assigned threats with their recommended
	// actions.
	AutoRespond bool
	// ThreatEscalationScore raises a constitutional violation threat for
	// results scoring below it.
	ThreatEscalationScore float64
	AuditMemorySize       int
}

// DefaultConfig returns an engine with the seed rules and agents
func DefaultConfig() Config {
	return Config{
		Compliance:            compliancesvc.DefaultServiceConfig(),
		Remediation:           remediation.DefaultConfig(),
		Classifier:            threatsvc.DefaultClassifierConfig(),
		Agents:                agents.DefaultConfig(),
		Orchestrator:          orchestrator.DefaultConfig(),
		Monitor:               monitor.DefaultConfig(),
		Rules:                 rules.DefaultRules(),
		SeedAgents:            agent.DefaultAgents(),
		AutoRespond:           true,
		ThreatEscalationScore: 0.5,
		AuditMemorySize:       1000,
	}
}

// Option customizes an Engine
type Option func(*Engine)

// WithAuditLog replaces the in-memory audit log. The engine closes it.
func WithAuditLog(l AuditLog) Option {
	return func(e *Engine) {
		e.audit = l
	}
}

// WithMetrics records engine instruments on r
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithIdentity sets the identity collaborator
func WithIdentity(p IdentityProvider) Option {
	return func(e *Engine) {
		e.identity = p
	}
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithTaskSink delivers drained remediation tasks to sink
func WithTaskSink(sink remediation.TaskSink) Option {
	return func(e *Engine) {
		e.taskSink = sink
	}
}

// WithClock replaces the wall clock of the registry and orchestrator
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine coordinates the compliance path, the threat path and the
// background monitor
type Engine struct {
	logger *zap.Logger
	config Config
	now    func() time.Time

	rules        *rules.Store
	compliance   *compliancesvc.Service
	remediation  *remediation.Dispatcher
	classifier   *threatsvc.Classifier
	agents       *agents.Registry
	orchestrator *orchestrator.Orchestrator
	monitor      *monitor.Monitor

	audit    AuditLog
	metrics  *metrics.Registry
	identity IdentityProvider
	tracer   trace.Tracer
	taskSink remediation.TaskSink

	evaluations atomic.Int64
	allowed     atomic.Int64
	denied      atomic.Int64
	detections  atomic.Int64
	auditErrors atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	startedAt time.Time
}

// New builds an engine. Malformed rules or agents are configuration
// errors.
func New(ctx context.Context, logger *zap.Logger, config Config, opts ...Option) (*Engine, error) {
	if logger == nil {
		return nil, errors.NewConfigurationError("MISSING_LOGGER", "engine requires a logger")
	}

	e := &Engine{
		logger: logger,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer(tracerName)
	}
	e.startedAt = e.now()

	e.rules = rules.NewStore(logger.Named("rules"))
	if err := e.rules.RegisterAll(config.Rules); err != nil {
		return nil, err
	}
	e.rules.MapFrameworks(config.FrameworkRules)

	e.compliance = compliancesvc.NewService(logger.Named("compliance"), e.rules, config.Compliance)
	e.remediation = remediation.NewDispatcher(logger.Named("remediation"), config.Remediation, e.taskSink)
	e.classifier = threatsvc.NewClassifier(config.Classifier)

	e.agents = agents.NewRegistry(logger.Named("agents"), config.Agents, agents.WithClock(e.now))
	for _, a := range config.SeedAgents {
		if err := e.agents.Register(a); err != nil {
			e.agents.Close()
			return nil, errors.NewConfigurationError("INVALID_AGENT", "seed agent rejected").WithCause(err)
		}
	}

	e.orchestrator = orchestrator.New(logger.Named("orchestrator"), e.agents, config.Orchestrator,
		orchestrator.WithClock(e.now),
		orchestrator.WithEscalator(e.remediation),
	)
	e.monitor = monitor.New(logger.Named("monitor"), config.Monitor, e.agents, e.orchestrator, e, e.remediation)

	if e.audit == nil {
		size := config.AuditMemorySize
		if size <= 0 {
			size = 1000
		}
		l, err := auditlog.NewLog(ctx, logger.Named("audit"), auditlog.NewMemorySink(size))
		if err != nil {
			e.agents.Close()
			return nil, err
		}
		e.audit = l
	}

	logger.Info("Governance engine ready",
		zap.Int("rules", e.rules.Len()),
		zap.Int("agents", len(config.SeedAgents)),
		zap.Bool("auto_respond", config.AutoRespond),
	)
	return e, nil
}

// Start launches the drift, health and remediation drain loops
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return errors.ErrEngineClosed
	}
	return e.monitor.Start(ctx)
}

// Close stops the loops, the agent registry and the audit log
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if err := e.monitor.Stop(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "stopping monitor"))
		}
		e.agents.Close()
		if err := e.audit.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing audit log"))
		}
		e.logger.Info("Governance engine closed")
	})
	return stderrors.Join(errs...)
}

// Rules exposes the rule store for registration and feedback
func (e *Engine) Rules() *rules.Store {
	return e.rules
}

// Agents exposes the agent registry for registration and heartbeats
func (e *Engine) Agents() *agents.Registry {
	return e.agents
}

// Remediation exposes the dispatcher, e.g. to install custom handlers
func (e *Engine) Remediation() *remediation.Dispatcher {
	return e.remediation
}

// Monitor exposes the background monitor
func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// log returns the engine logger carrying the trace of ctx
func (e *Engine) log(ctx context.Context) *zap.Logger {
	if fields := telemetry.TraceFields(ctx); fields != nil {
		return e.logger.With(fields...)
	}
	return e.logger
}

// record appends an audit record. Audit failures are logged and counted
// and never fail the calling operation.
func (e *Engine) record(ctx context.Context, action audit.Action, outcome string, score float64, build func(r *audit.Record)) {
	r, err := audit.NewRecord(action, outcome, score)
	if err == nil {
		if build != nil {
			build(r)
		}
		err = e.audit.Append(ctx, r)
	}
	if err != nil {
		e.auditErrors.Add(1)
		e.log(ctx).Warn("Failed to append audit record",
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}
