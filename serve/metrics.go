package serve

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "dustscope"
	metricsSubsystem = "serve"
)

// Metrics holds the collectors of the prediction service on their own registry.
type Metrics struct {
	registry    *prometheus.Registry
	predictions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     prometheus.Histogram
	trainings   *prometheus.CounterVec
}

// NewMetrics creates and registers the service collectors together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "predictions_total",
				Help:      "Number of predictions by label.",
			},
			[]string{"label"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "request_errors_total",
				Help:      "Number of failed requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "predict_duration_seconds",
				Help:      "Latency of successful predictions.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		trainings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "trainings_total",
				Help:      "Number of pipeline runs started through /train by result.",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.predictions,
		m.errors,
		m.latency,
		m.trainings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) requestFailed(route string, code int) {
	m.errors.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
