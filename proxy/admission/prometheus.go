package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	queueMetricsVecs struct {
		outstanding *prometheus.GaugeVec
		inFlight    *prometheus.GaugeVec
		overloaded  *prometheus.CounterVec
		failFast    *prometheus.CounterVec
		wait        *prometheus.HistogramVec
	}

	queueMetrics struct {
		outstanding prometheus.Gauge
		inFlight    prometheus.Gauge
		overloaded  prometheus.Counter
		failFast    prometheus.Counter
		wait        prometheus.Observer
	}
)

var queueVecs = queueMetricsVecs{
	outstanding: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_outstanding_requests",
			Help: "A gauge for the number of requests waiting or in flight, by backend.",
		},
		[]string{"backend"},
	),
	inFlight: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_in_flight_requests",
			Help: "A gauge for the number of requests being dispatched, by backend.",
		},
		[]string{"backend"},
	),
	overloaded: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_overloaded_total",
			Help: "A counter for requests rejected because the backend's queue was full.",
		},
		[]string{"backend"},
	),
	failFast: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_fail_fast_total",
			Help: "A counter for requests that timed out waiting for admission.",
		},
		[]string{"backend"},
	),
	wait: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_wait_seconds",
			Help:    "A histogram of the time admitted requests spent waiting.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend"},
	),
}

func (mv queueMetricsVecs) newQueueMetrics(backend string) queueMetrics {
	labels := prometheus.Labels{"backend": backend}
	return queueMetrics{
		outstanding: mv.outstanding.With(labels),
		inFlight:    mv.inFlight.With(labels),
		overloaded:  mv.overloaded.With(labels),
		failFast:    mv.failFast.With(labels),
		wait:        mv.wait.With(labels),
	}
}
