// Package metrics exposes Prometheus instrumentation for the automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cityflow"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	evaluationsTotal   *prometheus.CounterVec
	ruleErrorsTotal    *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
	tasksCreatedTotal  *prometheus.CounterVec
	batchItemsTotal    *prometheus.CounterVec
	reservationRetries prometheus.Counter
	permitTransitions  *prometheus.CounterVec
	notifyDuration     *prometheus.HistogramVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "events_total",
			Help:      "Events received for rule evaluation",
		}, []string{"category"}),

		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluation outcomes per rule",
		}, []string{"rule_id", "result"}),

		ruleErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "errors_total",
			Help:      "Rules that could not be evaluated",
		}, []string{"rule_id"}),

		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "executed_total",
			Help:      "Rule actions executed",
		}, []string{"kind", "result"}),

		tasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Maintenance tasks materialized",
		}, []string{"status", "maintenance_type"}),

		batchItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "batch_items_total",
			Help:      "Batch materialization outcomes",
		}, []string{"result"}),

		reservationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parts",
			Name:      "reservation_retries_total",
			Help:      "Parts reservations retried after a conflict",
		}),

		permitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permits",
			Name:      "transitions_total",
			Help:      "Permit workflow transitions",
		}, []string{"action", "step"}),

		notifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "send_duration_seconds",
			Help:      "Notifier send latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel", "result"}),
	}

	reg.MustRegister(
		m.eventsTotal,
		m.evaluationsTotal,
		m.ruleErrorsTotal,
		m.actionsTotal,
		m.tasksCreatedTotal,
		m.batchItemsTotal,
		m.reservationRetries,
		m.permitTransitions,
		m.notifyDuration,
	)
	return m
}

func (m *Metrics) EventReceived(category string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(category).Inc()
}

// RuleEvaluated records result as one of matched, suppressed or claim_lost.
func (m *Metrics) RuleEvaluated(ruleID, result string) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(ruleID, result).Inc()
}

func (m *Metrics) RuleError(ruleID string) {
	if m == nil {
		return
	}
	m.ruleErrorsTotal.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ActionExecuted(kind string, err error) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) TaskCreated(status, maintenanceType string) {
	if m == nil {
		return
	}
	m.tasksCreatedTotal.WithLabelValues(status, maintenanceType).Inc()
}

// BatchItem records result as one of created, skipped or failed.
func (m *Metrics) BatchItem(result string) {
	if m == nil {
		return
	}
	m.batchItemsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ReservationRetry() {
	if m == nil {
		return
	}
	m.reservationRetries.Inc()
}

func (m *Metrics) PermitTransition(action, step string) {
	if m == nil {
		return
	}
	m.permitTransitions.WithLabelValues(action, step).Inc()
}

func (m *Metrics) NotifySent(channel string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.notifyDuration.WithLabelValues(channel, result(err)).Observe(seconds)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
