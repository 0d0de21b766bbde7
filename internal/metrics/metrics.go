package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	InstancesStarted   *prometheus.CounterVec
	InstancesFinished  *prometheus.CounterVec
	Decisions          *prometheus.CounterVec
	StepTimeouts       *prometheus.CounterVec
	TriggerEvaluations *prometheus.CounterVec
	CASConflicts       prometheus.Counter
	SweepDuration      prometheus.Histogram

	RelayDeliveries *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InstancesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_instances_started_total",
				Help: "Workflow instances created",
			},
			[]string{"company_id", "entity_type"},
		),
		InstancesFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_instances_finished_total",
				Help: "Workflow instances reaching a terminal status",
			},
			[]string{"status", "outcome"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_decisions_total",
				Help: "Approval decisions recorded",
			},
			[]string{"decision"},
		),
		StepTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_step_timeouts_total",
				Help: "Step executions that hit their deadline",
			},
			[]string{"action"},
		),
		TriggerEvaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_trigger_evaluations_total",
				Help: "Template evaluations per entity event",
			},
			[]string{"result"},
		),
		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "approvline_cas_conflicts_total",
			Help: "Writes rejected because a concurrent writer won",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvline_sweep_duration_seconds",
			Help:    "Duration of timeout sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		RelayDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_relay_deliveries_total",
				Help: "Events delivered to notification sinks",
			},
			[]string{"sink"},
		),
		RelayErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_relay_errors_total",
				Help: "Failed notification deliveries",
			},
			[]string{"sink"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvline_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "approvline_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) InstanceStarted(companyID, entityType string) {
	if m == nil {
		return
	}
	m.InstancesStarted.WithLabelValues(companyID, entityType).Inc()
}

func (m *Metrics) InstanceFinished(status, outcome string) {
	if m == nil {
		return
	}
	m.InstancesFinished.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) StepTimeout(action string) {
	if m == nil {
		return
	}
	m.StepTimeouts.WithLabelValues(action).Inc()
}

// TriggerEvaluated records one template evaluation: matched, unmatched, skipped or error.
func (m *Metrics) TriggerEvaluated(result string) {
	if m == nil {
		return
	}
	m.TriggerEvaluations.WithLabelValues(result).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) SweepObserved(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) RelayDelivered(sink string) {
	if m == nil {
		return
	}
	m.RelayDeliveries.WithLabelValues(sink).Inc()
}

func (m *Metrics) RelayFailed(sink string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
