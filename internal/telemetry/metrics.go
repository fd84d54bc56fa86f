package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadence"

// Metrics groups the collectors of one process. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	SeriesCreated         prometheus.Counter
	SeriesCancelled       prometheus.Counter
	InstancesMaterialized *prometheus.CounterVec
	InstancesCancelled    prometheus.Counter
	InstanceActions       *prometheus.CounterVec
	AvailabilityChecks    *prometheus.CounterVec
	AvailabilityLatency   prometheus.Histogram
	SweepDuration         prometheus.Histogram
	SweepSeries           *prometheus.CounterVec
	LeaderStatus          prometheus.Gauge
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPActiveConnections prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SeriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_created_total",
			Help:      "Recurring series created.",
		}),
		SeriesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_cancelled_total",
			Help:      "Recurring series cancelled.",
		}),
		InstancesMaterialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_materialized_total",
			Help:      "Booking instances written by the generator.",
		}, []string{"source"}),
		InstancesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_cancelled_total",
			Help:      "Booking instances cancelled by series cancellation.",
		}),
		InstanceActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_actions_total",
			Help:      "Instance actions by action and result.",
		}, []string{"action", "result"}),
		AvailabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_checks_total",
			Help:      "Availability checks by outcome.",
		}, []string{"outcome"}),
		AvailabilityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "availability_check_seconds",
			Help:      "Latency of availability checks.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of window extension sweeps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		SweepSeries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_series_total",
			Help:      "Series visited by sweeps by result.",
		}, []string{"result"}),
		LeaderStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_leader",
			Help:      "1 when this replica holds the sweep lease.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "endpoint", "status"}),
		HTTPActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "HTTP requests in flight.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SeriesCreated,
		m.SeriesCancelled,
		m.InstancesMaterialized,
		m.InstancesCancelled,
		m.InstanceActions,
		m.AvailabilityChecks,
		m.AvailabilityLatency,
		m.SweepDuration,
		m.SweepSeries,
		m.LeaderStatus,
		m.HTTPRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPActiveConnections,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SeriesCreatedInc(instances int) {
	if m == nil {
		return
	}
	m.SeriesCreated.Inc()
	m.InstancesMaterialized.WithLabelValues("create").Add(float64(instances))
}

func (m *Metrics) WindowExtended(instances int) {
	if m == nil || instances == 0 {
		return
	}
	m.InstancesMaterialized.WithLabelValues("extend").Add(float64(instances))
}

func (m *Metrics) SeriesCancelledInc(instances int) {
	if m == nil {
		return
	}
	m.SeriesCancelled.Inc()
	m.InstancesCancelled.Add(float64(instances))
}

func (m *Metrics) InstanceAction(action, result string) {
	if m == nil {
		return
	}
	m.InstanceActions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) AvailabilityChecked(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.AvailabilityChecks.WithLabelValues(outcome).Inc()
	m.AvailabilityLatency.Observe(took.Seconds())
}

func (m *Metrics) SweepFinished(took time.Duration, ok, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(took.Seconds())
	m.SweepSeries.WithLabelValues("ok").Add(float64(ok))
	m.SweepSeries.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.LeaderStatus.Set(1)
		return
	}
	m.LeaderStatus.Set(0)
}
