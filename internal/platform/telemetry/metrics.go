// Package telemetry exposes prometheus metrics for claim submissions,
// deferred re-adjudication jobs and notification deliveries.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "priorauth"

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	submissions   *prometheus.CounterVec
	dispositions  *prometheus.CounterVec
	deferredJobs  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	adjudication  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. reg must also be a
// prometheus.Gatherer for Handler to serve it (a *prometheus.Registry is).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Claim submissions processed, by kind (new, update, cancel) and result.",
		}, []string{"kind", "result"}),
		dispositions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispositions_total",
			Help:      "ClaimResponses written, by disposition.",
		}, []string{"disposition"}),
		deferredJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_jobs_total",
			Help:      "Deferred re-adjudication job events.",
		}, []string{"event"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Subscription notification attempts, by channel and result.",
		}, []string{"channel", "result"}),
		adjudication: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adjudication_seconds",
			Help:      "Time spent adjudicating one submission.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5,
			},
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m := NewMetrics(prometheus.DefaultRegisterer)
	m.gatherer = prometheus.DefaultGatherer
	return m
})

// Default returns metrics registered on the global prometheus registry.
func Default() *Metrics {
	return defaultMetrics()
}

func (m *Metrics) Submission(kind, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Disposition(disposition string) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(disposition).Inc()
}

// DeferredJob records a scheduler event. Its signature matches
// scheduling.EventHook.
func (m *Metrics) DeferredJob(event string) {
	if m == nil {
		return
	}
	m.deferredJobs.WithLabelValues(event).Inc()
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveAdjudication(d time.Duration) {
	if m == nil {
		return
	}
	m.adjudication.Observe(d.Seconds())
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	var h http.Handler
	if m == nil || m.gatherer == nil {
		h = promhttp.Handler()
	} else {
		h = promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return echo.WrapHandler(h)
}
