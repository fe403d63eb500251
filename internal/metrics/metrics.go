package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the sync metrics. All methods accept a nil receiver so
// components can run without metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	Passes        *prometheus.CounterVec
	PassDuration  *prometheus.HistogramVec
	ReplicaSize   *prometheus.GaugeVec
	Announcements *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	Exports       *prometheus.CounterVec
	Breakers      *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_reconcile_passes_total",
		Help: "Reconciliation passes by collection, trigger and outcome.",
	}, []string{"collection", "trigger", "outcome"})
	passDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tablesync_reconcile_pass_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})
	replicaSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tablesync_replica_records",
	}, []string{"collection"})
	announcements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_announcements_total",
	}, []string{"event_type", "result"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_notification_deliveries_total",
	}, []string{"channel", "result"})
	exports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_exports_total",
	}, []string{"result"})
	breakers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_circuit_breaker_transitions_total",
		Help: "Circuit breaker state changes by breaker and target state.",
	}, []string{"name", "state"})

	r.MustRegister(passes, passDuration, replicaSize, announcements, deliveries, exports, breakers)
	return &Registry{
		reg:           r,
		Passes:        passes,
		PassDuration:  passDuration,
		ReplicaSize:   replicaSize,
		Announcements: announcements,
		Deliveries:    deliveries,
		Exports:       exports,
		Breakers:      breakers,
	}
}

func (r *Registry) ObservePass(collection, trigger, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.Passes.WithLabelValues(collection, trigger, outcome).Inc()
	r.PassDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func (r *Registry) SetReplicaSize(collection string, n int) {
	if r == nil {
		return
	}
	r.ReplicaSize.WithLabelValues(collection).Set(float64(n))
}

func (r *Registry) ObserveAnnouncement(eventType string, err error) {
	if r == nil {
		return
	}
	r.Announcements.WithLabelValues(eventType, result(err == nil)).Inc()
}

func (r *Registry) ObserveDelivery(channel string, ok bool) {
	if r == nil {
		return
	}
	r.Deliveries.WithLabelValues(channel, result(ok)).Inc()
}

func (r *Registry) ObserveExport(ok bool) {
	if r == nil {
		return
	}
	r.Exports.WithLabelValues(result(ok)).Inc()
}

func (r *Registry) ObserveBreakerTransition(name, state string) {
	if r == nil {
		return
	}
	r.Breakers.WithLabelValues(name, state).Inc()
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
