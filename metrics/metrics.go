// Package metrics bundles the Prometheus collectors shared by the ingest
// and query paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the server exports. A nil *Metrics disables
// instrumentation, so tests can pass nil freely.
type Metrics struct {
	Registry *prometheus.Registry

	BatchesApplied   *prometheus.CounterVec
	BatchOpsFailed   *prometheus.CounterVec
	BatchesInFlight  prometheus.Gauge
	BatchApplySecs   *prometheus.HistogramVec
	OverloadRejected prometheus.Counter

	QueryFanout     prometheus.Histogram
	QuerySecs       *prometheus.HistogramVec
	QueriesDegraded prometheus.Counter
	DispatchFailed  *prometheus.CounterVec

	MembersTracked prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BatchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchd_ingest_batches_total",
			Help: "Applied batches by outcome.",
		}, []string{"index", "outcome"}),
		BatchOpsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchd_ingest_op_failures_total",
			Help: "Individual operations that failed inside a batch.",
		}, []string{"index"}),
		BatchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchd_ingest_batches_in_flight",
			Help: "Batches currently applying or forwarding.",
		}),
		BatchApplySecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchd_ingest_batch_apply_seconds",
			Help:    "Wall time to apply one batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"index"}),
		OverloadRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchd_ingest_overload_rejections_total",
			Help: "Submissions rejected by backpressure.",
		}),
		QueryFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchd_query_fanout_targets",
			Help:    "Number of targets per routed query.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		QuerySecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchd_query_seconds",
			Help:    "Routed query latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"index"}),
		QueriesDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchd_queries_degraded_total",
			Help: "Queries that succeeded with at least one failed target.",
		}),
		DispatchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchd_query_dispatch_failures_total",
			Help: "Per-target dispatch failures.",
		}, []string{"node"}),
		MembersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchd_cluster_members",
			Help: "Peers currently tracked as routable.",
		}),
	}
	reg.MustRegister(
		m.BatchesApplied, m.BatchOpsFailed, m.BatchesInFlight, m.BatchApplySecs,
		m.OverloadRejected, m.QueryFanout, m.QuerySecs, m.QueriesDegraded,
		m.DispatchFailed, m.MembersTracked,
	)
	return m
}

// BatchApplied records one finished batch.
func (m *Metrics) BatchApplied(index, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.BatchesApplied.WithLabelValues(index, outcome).Inc()
	m.BatchApplySecs.WithLabelValues(index).Observe(seconds)
}

// OpFailures records per-operation failures inside a batch.
func (m *Metrics) OpFailures(index string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BatchOpsFailed.WithLabelValues(index).Add(float64(n))
}

// InFlight moves the in-flight batch gauge.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.BatchesInFlight.Add(delta)
}

// Overloaded counts a backpressure rejection.
func (m *Metrics) Overloaded() {
	if m == nil {
		return
	}
	m.OverloadRejected.Inc()
}

// QueryRouted records one routed query.
func (m *Metrics) QueryRouted(index string, targets int, seconds float64, degraded bool) {
	if m == nil {
		return
	}
	m.QueryFanout.Observe(float64(targets))
	m.QuerySecs.WithLabelValues(index).Observe(seconds)
	if degraded {
		m.QueriesDegraded.Inc()
	}
}

// DispatchFailure counts one failed per-target dispatch.
func (m *Metrics) DispatchFailure(node string) {
	if m == nil {
		return
	}
	m.DispatchFailed.WithLabelValues(node).Inc()
}

// SetMembers records the routable peer count.
func (m *Metrics) SetMembers(n int) {
	if m == nil {
		return
	}
	m.MembersTracked.Set(float64(n))
}
