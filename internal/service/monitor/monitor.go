package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/ring"
	"github.com/davidleathers/policy-guardian/internal/service/agents"
	"github.com/davidleathers/policy-guardian/internal/service/orchestrator"
)

// AgentSource supplies agent state and applies heartbeat health
type AgentSource interface {
	List() ([]*agent.GuardianAgent, error)
	CheckHealth() ([]agents.StatusChange, error)
}

// ThreatSource supplies active threat counts and retries assignment
type ThreatSource interface {
	Stats() orchestrator.Stats
	AssignPending() int
}

// DriftReporter is called when drift exceeds the threshold
type DriftReporter interface {
	ReportDrift(ctx context.Context, c Components) error
}

// DriftReporterFunc adapts a function to DriftReporter
type DriftReporterFunc func(ctx context.Context, c Components) error

func (f DriftReporterFunc) ReportDrift(ctx context.Context, c Components) error {
	return f(ctx, c)
}

// Drainer delivers deferred remediation tasks
type Drainer interface {
	Drain(ctx context.Context, limit int) int
}

// Config controls loop cadence and drift sensitivity
type Config struct {
	DriftInterval       time.Duration
	HealthInterval      time.Duration
	DrainInterval       time.Duration
	DrainBatch          int
	ExpectedSuccessRate float64
	DriftThreshold      float64
	ViolationWindow     time.Duration
	ViolationHistory    int
	MaxBackoff          time.Duration
}

// DefaultConfig returns the standard monitor configuration
func DefaultConfig() Config {
	return Config{
		DriftInterval:       10 * time.Second,
		HealthInterval:      30 * time.Second,
		DrainInterval:       5 * time.Second,
		DrainBatch:          100,
		ExpectedSuccessRate: 0.9,
		DriftThreshold:      0.15,
		ViolationWindow:     5 * time.Minute,
		ViolationHistory:    1000,
		MaxBackoff:          2 * time.Minute,
	}
}

// Stats counts loop activity
type Stats struct {
	DriftPasses      int64      `json:"drift_passes"`
	DriftReports     int64      `json:"drift_reports"`
	HealthPasses     int64      `json:"health_passes"`
	DrainedTasks     int64      `json:"drained_tasks"`
	Failures         int64      `json:"failures"`
	LastDrift        Components `json:"last_drift"`
	LastDriftAt      time.Time  `json:"last_drift_at,omitempty"`
	RecentViolations int        `json:"recent_violations"`
}

// Monitor runs the drift, health and remediation-drain loops
type Monitor struct {
	logger   *zap.Logger
	config   Config
	agents   AgentSource
	threats  ThreatSource
	reporter DriftReporter
	drainer  Drainer
	now      func() time.Time

	violations *ring.Buffer[time.Time]

	statsMu     sync.RWMutex
	lastDrift   Components
	lastDriftAt time.Time

	driftPasses  atomic.Int64
	driftReports atomic.Int64
	healthPasses atomic.Int64
	drained      atomic.Int64
	failures     atomic.Int64

	lifeMu sync.Mutex
	run    *loopRun
}

// loopRun is one Start/Stop cycle of the background loops
type loopRun struct {
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New creates a monitor. reporter and drainer may be nil.
func New(logger *zap.Logger, config Config, agentSource AgentSource, threats ThreatSource, reporter DriftReporter, drainer Drainer) *Monitor {
	def := DefaultConfig()
	if config.DriftInterval <= 0 {
		config.DriftInterval = def.DriftInterval
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = def.HealthInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.DrainBatch <= 0 {
		config.DrainBatch = def.DrainBatch
	}
	if config.ExpectedSuccessRate <= 0 {
		config.ExpectedSuccessRate = def.ExpectedSuccessRate
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = def.DriftThreshold
	}
	if config.ViolationWindow <= 0 {
		config.ViolationWindow = def.ViolationWindow
	}
	if config.ViolationHistory <= 0 {
		config.ViolationHistory = def.ViolationHistory
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}

	return &Monitor{
		logger:     logger,
		config:     config,
		agents:     agentSource,
		threats:    threats,
		reporter:   reporter,
		drainer:    drainer,
		now:        time.Now,
		violations: ring.New[time.Time](config.ViolationHistory),
	}
}

// Start launches the background loops
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.run != nil {
		return fmt.Errorf("monitor already running")
	}
	run := &loopRun{stopped: make(chan struct{})}
	m.run = run

	m.logger.Info("Starting guardian monitor",
		zap.Duration("drift_interval", m.config.DriftInterval),
		zap.Duration("health_interval", m.config.HealthInterval),
		zap.Duration("drain_interval", m.config.DrainInterval),
	)

	run.wg.Add(1)
	go m.runLoop(ctx, run, "drift", m.config.DriftInterval, func(ctx context.Context) error {
		_, err := m.RunDriftPass(ctx)
		return err
	})

	run.wg.Add(1)
	go m.runLoop(ctx, run, "health", m.config.HealthInterval, m.RunHealthPass)

	if m.drainer != nil {
		run.wg.Add(1)
		go m.runLoop(ctx, run, "drain", m.config.DrainInterval, func(ctx context.Context) error {
			m.RunDrainPass(ctx)
			return nil
		})
	}

	return nil
}

// Stop signals the loops and waits for them until ctx is done. A stopped
// monitor may be started again.
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	run := m.run
	m.run = nil
	m.lifeMu.Unlock()
	if run == nil {
		return nil
	}

	m.logger.Info("Stopping guardian monitor")

	close(run.stopped)

	done := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Guardian monitor stopped")
	case <-ctx.Done():
		m.logger.Warn("Guardian monitor stop timed out")
		return ctx.Err()
	}

	return nil
}

func (m *Monitor) runLoop(ctx context.Context, run *loopRun, name string, interval time.Duration, pass func(context.Context) error) {
	defer run.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-run.stopped:
			return
		case <-timer.C:
		}

		delay := interval
		if err := m.safely(ctx, name, pass); err != nil {
			failures++
			m.failures.Add(1)
			delay = backoff(interval, failures, m.config.MaxBackoff)
			m.logger.Warn("Monitor pass failed",
				zap.String("loop", name),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		} else {
			failures = 0
		}
		timer.Reset(delay)
	}
}

// safely runs pass, converting a panic into a drift error
func (m *Monitor) safely(ctx context.Context, name string, pass func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewDriftError(fmt.Sprintf("%s pass panicked: %v", name, r))
		}
	}()
	return pass(ctx)
}

// backoff doubles interval per consecutive failure up to limit
func backoff(interval time.Duration, failures int, limit time.Duration) time.Duration {
	delay := interval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// RecordViolation notes a constitutional violation for the drift window
func (m *Monitor) RecordViolation(at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	m.violations.Push(at)
}

// RecentViolations counts violations within the configured window
func (m *Monitor) RecentViolations() int {
	cutoff := m.now().Add(-m.config.ViolationWindow)
	n := 0
	for _, at := range m.violations.Snapshot() {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n
}

// RunDriftPass retries pending assignments, recomputes drift and reports it
// when above the threshold
func (m *Monitor) RunDriftPass(ctx context.Context) (Components, error) {
	m.driftPasses.Add(1)

	if assigned := m.threats.AssignPending(); assigned > 0 {
		m.logger.Info("Assigned pending threats", zap.Int("count", assigned))
	}

	list, err := m.agents.List()
	if err != nil {
		return Components{}, errors.NewDriftError("failed to list agents").WithCause(err)
	}

	c := ComputeDrift(list, m.threats.Stats().Active, m.RecentViolations(), m.config.ExpectedSuccessRate)

	m.statsMu.Lock()
	m.lastDrift = c
	m.lastDriftAt = m.now()
	m.statsMu.Unlock()

	if c.Drift <= m.config.DriftThreshold {
		return c, nil
	}

	m.logger.Warn("System drift above threshold",
		zap.Float64("drift", c.Drift),
		zap.Float64("threshold", m.config.DriftThreshold),
		zap.Float64("agent_deviation", c.AgentDeviation),
		zap.Int("active_threats", c.ActiveThreats),
		zap.Int("violations", c.Violations),
	)

	if m.reporter == nil {
		return c, nil
	}
	if err := m.reporter.ReportDrift(ctx, c); err != nil {
		return c, errors.NewDriftError("failed to report drift").WithCause(err)
	}
	m.driftReports.Add(1)
	return c, nil
}

// RunHealthPass applies heartbeat health to the agent pool
func (m *Monitor) RunHealthPass(_ context.Context) error {
	m.healthPasses.Add(1)

	if _, err := m.agents.CheckHealth(); err != nil {
		return errors.NewDriftError("health check failed").WithCause(err)
	}
	return nil
}

// RunDrainPass delivers up to one batch of deferred remediation tasks
func (m *Monitor) RunDrainPass(ctx context.Context) int {
	if m.drainer == nil {
		return 0
	}
	n := m.drainer.Drain(ctx, m.config.DrainBatch)
	m.drained.Add(int64(n))
	return n
}

// LastDrift returns the most recent drift computation
func (m *Monitor) LastDrift() Components {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastDrift
}

// Stats returns loop counters
func (m *Monitor) Stats() Stats {
	m.statsMu.RLock()
	last, lastAt := m.lastDrift, m.lastDriftAt
	m.statsMu.RUnlock()

	return Stats{
		DriftPasses:      m.driftPasses.Load(),
		DriftReports:     m.driftReports.Load(),
		HealthPasses:     m.healthPasses.Load(),
		DrainedTasks:     m.drained.Load(),
		Failures:         m.failures.Load(),
		LastDrift:        last,
		LastDriftAt:      lastAt,
		RecentViolations: m.RecentViolations(),
	}
}
