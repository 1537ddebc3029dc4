package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/davidleathers/policy-guardian/internal/service/guardian"
)

const namespace = "guardian"

// StatusSource is what the status collector scrapes
type StatusSource interface {
	GetSystemStatus() (*guardian.Status, error)
}

// StatusCollector exports a GetSystemStatus snapshot on every scrape
type StatusCollector struct {
	source StatusSource

	rules         *prometheus.Desc
	evaluations   *prometheus.Desc
	decisions     *prometheus.Desc
	detections    *prometheus.Desc
	drift         *prometheus.Desc
	emergency     *prometheus.Desc
	agents        *prometheus.Desc
	agentLoad     *prometheus.Desc
	activeThreats *prometheus.Desc
	unassigned    *prometheus.Desc
	resolved      *prometheus.Desc
	queueDepth    *prometheus.Desc
	dropped       *prometheus.Desc
	auditSequence *prometheus.Desc
	auditErrors   *prometheus.Desc
	scrapeErrors  prometheus.Counter
}

// NewStatusCollector creates a collector over source
func NewStatusCollector(source StatusSource) *StatusCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &StatusCollector{
		source:        source,
		rules:         desc("rules", "registered", "Number of registered compliance rules"),
		evaluations:   desc("compliance", "evaluations_total", "Compliance evaluations performed"),
		decisions:     desc("compliance", "decisions_total", "Compliance decisions by outcome", "outcome"),
		detections:    desc("threat", "detections_total", "Threats detected"),
		drift:         desc("monitor", "drift_score", "Last computed drift score"),
		emergency:     desc("threat", "emergency_active", "Whether the emergency state is engaged"),
		agents:        desc("agents", "count", "Guardian agents by status", "status"),
		agentLoad:     desc("agents", "load", "Sum of assigned threats across agents"),
		activeThreats: desc("threat", "active", "Threats currently tracked"),
		unassigned:    desc("threat", "unassigned", "Tracked threats without an agent"),
		resolved:      desc("threat", "resolved_total", "Threats resolved"),
		queueDepth:    desc("remediation", "queue_depth", "Pending remediation tasks"),
		dropped:       desc("remediation", "dropped_total", "Remediation tasks dropped on a full queue"),
		auditSequence: desc("audit", "sequence", "Sequence number of the last audit record"),
		auditErrors:   desc("audit", "errors_total", "Audit records that failed to persist"),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "scrape_errors_total",
			Help:      "Status snapshots that could not be taken",
		}),
	}
}

// Describe implements prometheus.Collector
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.rules, c.evaluations, c.decisions, c.detections, c.drift, c.emergency,
		c.agents, c.agentLoad, c.activeThreats, c.unassigned, c.resolved,
		c.queueDepth, c.dropped, c.auditSequence, c.auditErrors,
	} {
		ch <- d
	}
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	defer c.scrapeErrors.Collect(ch)

	status, err := c.source.GetSystemStatus()
	if err != nil {
		c.scrapeErrors.Inc()
		return
	}
	m := status.Metrics

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.rules, float64(m.Rules))
	counter(c.evaluations, float64(m.Evaluations))
	counter(c.decisions, float64(m.Allowed), "allowed")
	counter(c.decisions, float64(m.Denied), "denied")
	counter(c.detections, float64(m.Detections))
	gauge(c.drift, m.Drift)
	gauge(c.emergency, boolFloat(m.Emergency.Active))
	for s, n := range m.Agents.ByStatus {
		gauge(c.agents, float64(n), string(s))
	}
	gauge(c.agentLoad, float64(m.Agents.Load))
	gauge(c.activeThreats, float64(m.Threats.Active))
	gauge(c.unassigned, float64(m.Threats.Unassigned))
	counter(c.resolved, float64(m.Threats.Resolved))
	gauge(c.queueDepth, float64(m.Remediation.QueueDepth))
	counter(c.dropped, float64(m.Remediation.Dropped))
	gauge(c.auditSequence, float64(m.AuditSequence))
	counter(c.auditErrors, float64(m.AuditErrors))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// httpMetrics are the per route request instruments
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "handler", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"method", "handler"},
		),
	}
}

// middleware must wrap the mux directly so the matched pattern is visible
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &basicResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.requests.WithLabelValues(r.Method, handler, strconv.Itoa(wrapped.status)).Inc()
		m.duration.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
