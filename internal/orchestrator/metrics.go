package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	syncs        *prometheus.CounterVec
	actionErrors *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		syncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_syncs_total",
			Help: "Total number of sync runs by form and final status",
		}, []string{"form", "status"}),
		actionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_action_errors_total",
			Help: "Total number of failed sync actions by action type",
		}, []string{"action"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_sync_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"form"}),
	}
}

func (m *Metrics) observeSync(form string, status Status, seconds float64) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(form, string(status)).Inc()
	m.duration.WithLabelValues(form).Observe(seconds)
}

func (m *Metrics) observeActionError(action string) {
	if m == nil {
		return
	}
	m.actionErrors.WithLabelValues(action).Inc()
}
