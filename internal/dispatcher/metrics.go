package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/formsync/internal/changefeed"
)

// Reasons a received change is not dispatched.
const (
	DropEngineWrite = "engine_write"
	DropOverflow    = "overflow"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	received   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	failed     *prometheus.CounterVec
}

// NewMetrics registers the dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_changes_received_total",
			Help: "Total number of change notifications received per table",
		}, []string{"table"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_changes_dispatched_total",
			Help: "Total number of orchestrator runs triggered by changes",
		}, []string{"table", "form"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_changes_dropped_total",
			Help: "Total number of changes not dispatched, by reason",
		}, []string{"table", "reason"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_change_syncs_failed_total",
			Help: "Total number of change-triggered runs that returned an error",
		}, []string{"table", "form"}),
	}
}

// HubDropHook counts changes the hub dropped for a full subscriber. Pass
// it to changefeed.WithDropHook.
func (m *Metrics) HubDropHook() func(changefeed.Change) {
	return func(c changefeed.Change) {
		m.dropped.WithLabelValues(c.Table, DropOverflow).Inc()
	}
}

func (m *Metrics) incReceived(table string) {
	if m != nil {
		m.received.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) incDispatched(table, form string) {
	if m != nil {
		m.dispatched.WithLabelValues(table, form).Inc()
	}
}

func (m *Metrics) incDropped(table, reason string) {
	if m != nil {
		m.dropped.WithLabelValues(table, reason).Inc()
	}
}

func (m *Metrics) incFailed(table, form string) {
	if m != nil {
		m.failed.WithLabelValues(table, form).Inc()
	}
}
