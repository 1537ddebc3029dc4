package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the governance engine instruments
type Registry struct {
	meter metric.Meter

	// Compliance Metrics
	EvaluationDuration metric.Float64Histogram
	EvaluationCounter  metric.Int64Counter
	ComplianceScore    metric.Float64Histogram
	ViolationCounter   metric.Int64Counter
	DegradedCounter    metric.Int64Counter

	// Remediation Metrics
	RemediationCounter metric.Int64Counter
	QueueDepth         metric.Int64ObservableGauge

	// Threat Metrics
	DetectionCounter metric.Int64Counter
	ResponseCounter  metric.Int64Counter
	ResponseDuration metric.Float64Histogram
	ActiveThreats    metric.Int64ObservableGauge

	// System Metrics
	AssignableAgents metric.Int64ObservableGauge
	SystemDrift      metric.Float64ObservableGauge
	Emergency        metric.Int64ObservableGauge

	// State for observable metrics
	mu               sync.RWMutex
	queueDepth       int64
	activeThreats    int64
	assignableAgents int64
	drift            float64
	emergency        bool
}

// NewRegistry creates the engine instruments on provider. A nil provider
// uses the global one.
func NewRegistry(provider metric.MeterProvider, meterName string) (*Registry, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	r := &Registry{meter: provider.Meter(meterName)}

	if err := r.initComplianceMetrics(); err != nil {
		return nil, err
	}

	if err := r.initRemediationMetrics(); err != nil {
		return nil, err
	}

	if err := r.initThreatMetrics(); err != nil {
		return nil, err
	}

	if err := r.initSystemMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

// initComplianceMetrics initializes compliance evaluation metrics
func (r *Registry) initComplianceMetrics() error {
	var err error

	r.EvaluationDuration, err = r.meter.Float64Histogram(
		"guardian.compliance.evaluation_duration",
		metric.WithDescription("Duration of compliance evaluation in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 2000),
	)
	if err != nil {
		return err
	}

	r.EvaluationCounter, err = r.meter.Int64Counter(
		"guardian.compliance.evaluations_total",
		metric.WithDescription("Total number of compliance evaluations"),
	)
	if err != nil {
		return err
	}

	r.ComplianceScore, err = r.meter.Float64Histogram(
		"guardian.compliance.score",
		metric.WithDescription("Overall compliance score of evaluated requests"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return err
	}

	r.ViolationCounter, err = r.meter.Int64Counter(
		"guardian.compliance.violations_total",
		metric.WithDescription("Total number of non-compliant rule checks"),
	)
	if err != nil {
		return err
	}

	r.DegradedCounter, err = r.meter.Int64Counter(
		"guardian.compliance.degraded_total",
		metric.WithDescription("Total number of fail-closed compliance results"),
	)

	return err
}

// initRemediationMetrics initializes remediation metrics
func (r *Registry) initRemediationMetrics() error {
	var err error

	r.RemediationCounter, err = r.meter.Int64Counter(
		"guardian.remediation.actions_total",
		metric.WithDescription("Total number of remediation actions applied"),
	)
	if err != nil {
		return err
	}

	r.QueueDepth, err = r.meter.Int64ObservableGauge(
		"guardian.remediation.queue_depth",
		metric.WithDescription("Deferred remediation tasks waiting to drain"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.queueDepth)
			return nil
		}),
	)

	return err
}

// initThreatMetrics initializes threat detection and response metrics
func (r *Registry) initThreatMetrics() error {
	var err error

	r.DetectionCounter, err = r.meter.Int64Counter(
		"guardian.threat.detections_total",
		metric.WithDescription("Total number of classified threats"),
	)
	if err != nil {
		return err
	}

	r.ResponseCounter, err = r.meter.Int64Counter(
		"guardian.threat.responses_total",
		metric.WithDescription("Total number of threat responses"),
	)
	if err != nil {
		return err
	}

	r.ResponseDuration, err = r.meter.Float64Histogram(
		"guardian.threat.response_duration",
		metric.WithDescription("Duration of threat responses in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return err
	}

	r.ActiveThreats, err = r.meter.Int64ObservableGauge(
		"guardian.threat.active",
		metric.WithDescription("Threats detected but not yet resolved"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeThreats)
			return nil
		}),
	)

	return err
}

// initSystemMetrics initializes agent pool and drift metrics
func (r *Registry) initSystemMetrics() error {
	var err error

	r.AssignableAgents, err = r.meter.Int64ObservableGauge(
		"guardian.agents.assignable",
		metric.WithDescription("Guardian agents able to take new threats"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.assignableAgents)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.SystemDrift, err = r.meter.Float64ObservableGauge(
		"guardian.system.drift",
		metric.WithDescription("Most recent system drift score"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.drift)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.Emergency, err = r.meter.Int64ObservableGauge(
		"guardian.system.emergency",
		metric.WithDescription("1 while the global emergency is active"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			if r.emergency {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)

	return err
}

// Helper methods for updating observable metric values

// SetQueueDepth sets the remediation queue depth
func (r *Registry) SetQueueDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = depth
}

// SetActiveThreats sets the active threat count
func (r *Registry) SetActiveThreats(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeThreats = n
}

// SetAssignableAgents sets the assignable agent count
func (r *Registry) SetAssignableAgents(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignableAgents = n
}

// SetDrift sets the latest drift score
func (r *Registry) SetDrift(drift float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drift = drift
}

// SetEmergency sets the emergency flag
func (r *Registry) SetEmergency(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emergency = active
}

// Helper methods for recording metrics with common attribute patterns

// RecordEvaluation records one compliance evaluation
func (r *Registry) RecordEvaluation(ctx context.Context, durationMS float64, contextType, level string, allowed, degraded bool, violations int) {
	attrs := []attribute.KeyValue{
		attribute.String("context_type", contextType),
		attribute.String("compliance_level", level),
		attribute.Bool("allowed", allowed),
	}

	r.EvaluationDuration.Record(ctx, durationMS, metric.WithAttributes(attrs...))
	r.EvaluationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if violations > 0 {
		r.ViolationCounter.Add(ctx, int64(violations), metric.WithAttributes(attribute.String("context_type", contextType)))
	}
	if degraded {
		r.DegradedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("context_type", contextType)))
	}
}

// RecordScore records an overall compliance score
func (r *Registry) RecordScore(ctx context.Context, score float64) {
	r.ComplianceScore.Record(ctx, score)
}

// RecordRemediation records one remediation action outcome
func (r *Registry) RecordRemediation(ctx context.Context, action string, success bool) {
	r.RemediationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("success", success),
	))
}

// RecordDetection records a classified threat
func (r *Registry) RecordDetection(ctx context.Context, threatType, level string) {
	r.DetectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("threat_type", threatType),
		attribute.String("threat_level", level),
	))
}

// RecordResponse records a threat response
func (r *Registry) RecordResponse(ctx context.Context, durationMS float64, threatType string, neutralized bool) {
	attrs := []attribute.KeyValue{
		attribute.String("threat_type", threatType),
		attribute.Bool("neutralized", neutralized),
	}

	r.ResponseDuration.Record(ctx, durationMS, metric.WithAttributes(attrs...))
	r.ResponseCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
