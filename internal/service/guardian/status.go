package guardian

import (
	"github.com/davidleathers/policy-guardian/internal/domain/agent"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/service/agents"
	"github.com/davidleathers/policy-guardian/internal/service/monitor"
	"github.com/davidleathers/policy-guardian/internal/service/orchestrator"
	"github.com/davidleathers/policy-guardian/internal/service/remediation"
)

// Status is a point in time view of the engine
type Status struct {
	Agents        []*agent.GuardianAgent `json:"agents"`
	ActiveThreats []*threat.Detection    `json:"active_threats"`
	Metrics       StatusMetrics          `json:"metrics"`
}

// StatusMetrics are the engine counters and component stats
type StatusMetrics struct {
	UptimeSeconds float64                `json:"uptime_seconds"`
	Rules         int                    `json:"rules"`
	Evaluations   int64                  `json:"evaluations"`
	Allowed       int64                  `json:"allowed"`
	Denied        int64                  `json:"denied"`
	Detections    int64                  `json:"detections"`
	Drift         float64                `json:"drift"`
	Emergency     orchestrator.Emergency `json:"emergency"`
	Agents        agents.Stats           `json:"agents"`
	Threats       orchestrator.Stats     `json:"threats"`
	Remediation   remediation.Stats      `json:"remediation"`
	Monitor       monitor.Stats          `json:"monitor"`
	AuditSequence int64                  `json:"audit_sequence"`
	AuditHead     string                 `json:"audit_head,omitempty"`
	AuditErrors   int64                  `json:"audit_errors"`
}

// GetSystemStatus returns the agents, the active threats and the engine
// metrics
func (e *Engine) GetSystemStatus() (*Status, error) {
	list, err := e.agents.List()
	if err != nil {
		return nil, err
	}
	agentStats, err := e.agents.Stats()
	if err != nil {
		return nil, err
	}

	mon := e.monitor.Stats()
	seq, head := e.audit.Head()

	e.refreshGauges()
	return &Status{
		Agents:        list,
		ActiveThreats: e.orchestrator.Active(),
		Metrics: StatusMetrics{
			UptimeSeconds: e.now().Sub(e.startedAt).Seconds(),
			Rules:         e.rules.Len(),
			Evaluations:   e.evaluations.Load(),
			Allowed:       e.allowed.Load(),
			Denied:        e.denied.Load(),
			Detections:    e.detections.Load(),
			Drift:         mon.LastDrift.Drift,
			Emergency:     e.orchestrator.Emergency(),
			Agents:        agentStats,
			Threats:       e.orchestrator.Stats(),
			Remediation:   e.remediation.Stats(),
			Monitor:       mon,
			AuditSequence: seq,
			AuditHead:     head,
			AuditErrors:   e.auditErrors.Load(),
		},
	}, nil
}

// Assignable counts agents that may take new threats
func Assignable(s agents.Stats) int {
	return s.ByStatus[agent.StatusActive] + s.ByStatus[agent.StatusAlert]
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	ts := e.orchestrator.Stats()
	e.metrics.SetActiveThreats(int64(ts.Active))
	e.metrics.SetEmergency(ts.EmergencyState)
	e.metrics.SetQueueDepth(int64(e.remediation.QueueDepth()))
	e.metrics.SetDrift(e.monitor.LastDrift().Drift)
	if s, err := e.agents.Stats(); err == nil {
		e.metrics.SetAssignableAgents(int64(Assignable(s)))
	}
}
