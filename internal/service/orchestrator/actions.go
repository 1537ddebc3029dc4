package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/service/remediation"
)

// monitor lowers the alert threshold for this agent and threat type
func (o *Orchestrator) monitor(_ context.Context, d *threat.Detection, agentID string) (string, error) {
	key := thresholdKey(agentID, d.Type)

	o.mu.Lock()
	current, ok := o.thresholds[key]
	if !ok {
		current = o.config.AlertThreshold
	}
	next := current - o.config.MonitorStep
	if next < o.config.MinAlertThreshold {
		next = o.config.MinAlertThreshold
	}
	o.thresholds[key] = next
	o.mu.Unlock()

	return fmt.Sprintf("alert threshold %.2f", next), nil
}

func (o *Orchestrator) limiter(t threat.Type) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.limiters[t]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.config.AlertRate), o.config.AlertBurst)
		o.limiters[t] = l
	}
	return l
}

// alert emits a structured alert, throttled per threat type
func (o *Orchestrator) alert(_ context.Context, d *threat.Detection, agentID string) (string, error) {
	if !o.limiter(d.Type).Allow() {
		return "alert throttled", nil
	}

	o.logger.Warn("Threat alert",
		zap.String("threat_id", d.ID),
		zap.String("threat_type", string(d.Type)),
		zap.String("threat_level", d.Level.String()),
		zap.Float64("threat_score", d.Score),
		zap.String("source", d.Source),
		zap.String("agent_id", agentID),
		zap.Strings("indicators", d.Indicators),
	)
	return "alert emitted", nil
}

// contain records a containment for BLOCK and QUARANTINE. Threat history is
// never removed.
func (o *Orchestrator) contain(action threat.ResponseAction) actionHandler {
	return func(_ context.Context, d *threat.Detection, _ string) (string, error) {
		if d.Source == "" && d.Target == "" {
			return "", fmt.Errorf("nothing to contain: threat has no source or target")
		}

		o.containments.Push(threat.Containment{
			ThreatID: d.ID,
			Source:   d.Source,
			Target:   d.Target,
			Action:   action,
			At:       o.now(),
		})

		o.logger.Warn("Threat contained",
			zap.String("threat_id", d.ID),
			zap.String("action", string(action)),
			zap.String("source", d.Source),
			zap.String("target", d.Target),
		)
		return fmt.Sprintf("%s applied to %s", action, containedName(d)), nil
	}
}

func containedName(d *threat.Detection) string {
	if d.Target != "" {
		return d.Target
	}
	return d.Source
}

// shutdown enters the sticky global emergency state
func (o *Orchestrator) shutdown(_ context.Context, d *threat.Detection, agentID string) (string, error) {
	o.mu.Lock()
	already := o.emergency.Active
	if !already {
		o.emergency = Emergency{
			Active:   true,
			ThreatID: d.ID,
			Reason:   fmt.Sprintf("%s threat from %s", d.Type, d.Source),
			Since:    o.now(),
		}
	}
	o.mu.Unlock()

	if already {
		return "emergency already active", nil
	}

	o.logger.Error("Emergency shutdown engaged",
		zap.String("threat_id", d.ID),
		zap.String("threat_type", string(d.Type)),
		zap.String("agent_id", agentID),
	)
	return "emergency engaged", nil
}

func (o *Orchestrator) repair(_ context.Context, d *threat.Detection, agentID string) (string, error) {
	o.logger.Info("Repair requested",
		zap.String("threat_id", d.ID),
		zap.String("target", containedName(d)),
		zap.String("agent_id", agentID),
	)
	return "repair requested", nil
}

// escalate hands the threat to the supervisor queue when one is configured
func (o *Orchestrator) escalate(_ context.Context, d *threat.Detection, agentID string) (string, error) {
	o.logger.Warn("Threat escalated",
		zap.String("threat_id", d.ID),
		zap.String("threat_level", d.Level.String()),
		zap.String("agent_id", agentID),
	)
	if o.escalator == nil {
		return "escalation logged", nil
	}

	task := remediation.Task{
		ID:        uuid.New().String(),
		Kind:      compliance.ActionEscalateToSupervisor,
		ThreatID:  d.ID,
		Score:     d.Score,
		Reason:    fmt.Sprintf("%s threat at %s", d.Type, d.Level),
		CreatedAt: o.now(),
	}
	if err := o.escalator.Enqueue(task); err != nil {
		return "", err
	}
	return "escalation queued", nil
}
