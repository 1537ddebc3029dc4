package guardian

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/domain/threat"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/telemetry"
	"github.com/davidleathers/policy-guardian/internal/service/monitor"
)

// DriftSource is the source recorded on drift threats
const DriftSource = "drift_monitor"

// DetectThreat classifies an event, tracks it and assigns it to the best
// agent. Events below the detection floor return nil, nil. With auto
// respond enabled an assigned threat is answered with its recommended
// actions before DetectThreat returns.
func (e *Engine) DetectThreat(ctx context.Context, threatType threat.Type, source string, data, eventCtx map[string]interface{}) (*threat.Detection, error) {
	ctx, span := e.tracer.Start(ctx, telemetry.SpanDetectThreat,
		trace.WithAttributes(
			attribute.String("threat.type", string(threatType)),
			attribute.String("threat.source", source),
		),
	)
	defer span.End()

	if e.closed.Load() {
		return nil, errors.ErrEngineClosed
	}

	d := e.classifier.Detect(threatType, source, data, eventCtx)
	if d == nil {
		span.AddEvent("below_detection_floor")
		return nil, nil
	}
	if err := e.orchestrator.Track(d); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	e.detections.Add(1)
	span.SetAttributes(
		attribute.String("threat.id", d.ID),
		attribute.Float64("threat.score", d.Score),
		attribute.String("threat.level", d.Level.String()),
	)

	if e.metrics != nil {
		e.metrics.RecordDetection(ctx, string(d.Type), d.Level.String())
	}
	e.record(ctx, audit.ActionDetection, d.Level.String(), d.Score, func(r *audit.Record) {
		r.WithThreat(d.ID).WithActor(source).WithMetadata("threat_type", string(d.Type))
	})

	assigned, err := e.orchestrator.Assign(d.ID)
	switch {
	case err != nil:
		e.log(ctx).Warn("Threat assignment failed", zap.String("threat_id", d.ID), zap.Error(err))
	case assigned == nil:
		e.log(ctx).Info("No eligible agent, threat left unassigned",
			zap.String("threat_id", d.ID),
			zap.String("threat_type", string(d.Type)),
		)
	default:
		e.record(ctx, audit.ActionAssignment, "assigned", d.Score, func(r *audit.Record) {
			r.WithThreat(d.ID).WithActor(assigned.ID)
		})
		if e.config.AutoRespond {
			if _, err := e.RespondToThreat(ctx, d.ID, d.RecommendedActions, assigned.ID); err != nil {
				e.log(ctx).Warn("Automatic response failed", zap.String("threat_id", d.ID), zap.Error(err))
			}
		}
	}

	e.refreshGauges()

	current, err := e.orchestrator.Get(d.ID)
	if err != nil {
		// Evicted from the resolved history already.
		return d, nil
	}
	return current, nil
}

// RespondToThreat runs response actions against a tracked threat. Empty
// actions use the recommended ones; an empty agentID responds as the
// assigned agent. Responding to a resolved threat is a no-op returning
// nil, nil.
func (e *Engine) RespondToThreat(ctx context.Context, threatID string, actions []threat.ResponseAction, agentID string) (*threat.Response, error) {
	ctx, span := e.tracer.Start(ctx, telemetry.SpanRespondToThreat,
		trace.WithAttributes(attribute.String("threat.id", threatID)),
	)
	defer span.End()

	if e.closed.Load() {
		return nil, errors.ErrEngineClosed
	}

	before := e.orchestrator.Emergency()
	start := time.Now()
	resp, err := e.orchestrator.Respond(ctx, threatID, actions, agentID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if resp == nil {
		span.AddEvent("already_resolved")
		return nil, nil
	}
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Bool("response.success", resp.Success),
		attribute.Bool("response.neutralized", resp.ThreatNeutralized),
		attribute.Float64("response.effectiveness", resp.EffectivenessScore),
	)

	var threatType threat.Type
	if d, err := e.orchestrator.Get(threatID); err == nil {
		threatType = d.Type
	}
	if e.metrics != nil {
		e.metrics.RecordResponse(ctx, float64(elapsed.Microseconds())/1000, string(threatType), resp.ThreatNeutralized)
	}

	outcome := "unresolved"
	switch {
	case resp.ThreatNeutralized:
		outcome = "neutralized"
	case !resp.Success:
		outcome = "failed"
	}
	e.record(ctx, audit.ActionResponse, outcome, resp.EffectivenessScore, func(r *audit.Record) {
		r.WithThreat(threatID).
			WithActor(resp.RespondingAgent).
			WithMetadata("response_id", resp.ID).
			WithMetadata("actions", resp.ActionsTaken).
			WithMetadata("requires_human_review", resp.RequiresHumanReview)
	})
	if resp.ThreatNeutralized {
		e.record(ctx, audit.ActionResolution, "resolved", resp.EffectivenessScore, func(r *audit.Record) {
			r.WithThreat(threatID).WithActor(resp.RespondingAgent)
		})
	}

	if after := e.orchestrator.Emergency(); after.Active && !before.Active {
		e.record(ctx, audit.ActionEmergency, "engaged", 1, func(r *audit.Record) {
			r.WithThreat(after.ThreatID).WithActor(resp.RespondingAgent).WithMetadata("reason", after.Reason)
		})
	}

	e.refreshGauges()
	return resp, nil
}

// ClearEmergency resets the sticky emergency state. It reports whether an
// emergency was active.
func (e *Engine) ClearEmergency(ctx context.Context, operator string) (bool, error) {
	cleared, err := e.orchestrator.ClearEmergency(operator)
	if err != nil {
		return false, err
	}
	if cleared {
		e.record(ctx, audit.ActionClear, "cleared", 0, func(r *audit.Record) {
			r.WithActor(operator)
		})
	}
	e.refreshGauges()
	return cleared, nil
}

// ReportDrift feeds drift above the threshold back into the classifier.
// The engine is the drift reporter of its own monitor.
func (e *Engine) ReportDrift(ctx context.Context, c monitor.Components) error {
	data := map[string]interface{}{
		"drift_score":        c.Drift,
		"agent_deviation":    c.AgentDeviation,
		"threat_pressure":    c.ThreatPressure,
		"violation_pressure": c.ViolationPressure,
	}
	d, err := e.DetectThreat(ctx, threat.TypeDriftDetection, DriftSource, data, nil)
	if err != nil {
		return err
	}
	if d != nil {
		e.log(ctx).Warn("Drift threat raised",
			zap.String("threat_id", d.ID),
			zap.Float64("drift", c.Drift),
			zap.String("level", d.Level.String()),
		)
	}
	return nil
}
