// Package metrics holds the Prometheus collectors for the import and reminder pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subtrack"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	importsProcessed  *prometheus.CounterVec
	recurringDetected prometheus.Histogram
	resolutions       *prometheus.CounterVec
	remindersOutcome  *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	emailsRouted      *prometheus.CounterVec
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		importsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_processed_total",
			Help:      "Statement files processed, by result code.",
		}, []string{"code"}),
		recurringDetected: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recurring_groups_detected",
			Help:      "Recurring groups found per processed statement.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merchant_resolutions_total",
			Help:      "Merchant resolutions, by match source.",
		}, []string{"source"}),
		remindersOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_scheduled_total",
			Help:      "Reminder scheduling decisions, by type and outcome.",
		}, []string{"type", "outcome"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_delivered_total",
			Help:      "Reminder deliveries, by final status.",
		}, []string{"status"}),
		emailsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_routed_total",
			Help:      "Scanned emails, by routing decision.",
		}, []string{"route"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ImportProcessed(code string) {
	if m == nil {
		return
	}
	m.importsProcessed.WithLabelValues(code).Inc()
}

func (m *Metrics) RecurringDetected(n int) {
	if m == nil {
		return
	}
	m.recurringDetected.Observe(float64(n))
}

func (m *Metrics) MerchantResolved(source string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(source).Inc()
}

// ReminderOutcome records scheduled, skipped_past, skipped_duplicate,
// disabled or failed.
func (m *Metrics) ReminderOutcome(reminderType, outcome string) {
	if m == nil {
		return
	}
	m.remindersOutcome.WithLabelValues(reminderType, outcome).Inc()
}

func (m *Metrics) ReminderDelivered(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) EmailRouted(route string) {
	if m == nil {
		return
	}
	m.emailsRouted.WithLabelValues(route).Inc()
}
