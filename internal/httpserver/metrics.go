package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restkeep"

var labelNames = []string{"method", "operation", "status"}

// Metrics holds the request telemetry. Each Server gets its own registry so
// tests can build servers side by side.
type Metrics struct {
	registry         *prometheus.Registry
	requestDurations *prometheus.HistogramVec
	requestBytes     *prometheus.CounterVec
	responseBytes    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent answering repository requests.",
				Buckets:   prometheus.DefBuckets,
			},
			labelNames,
		),
		requestBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_bytes_total",
				Help:      "Total volume of request payloads received in bytes.",
			},
			labelNames,
		),
		responseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_bytes_total",
				Help:      "Total volume of response payloads emitted in bytes.",
			},
			labelNames,
		),
	}
	m.registry.MustRegister(
		m.requestDurations,
		m.requestBytes,
		m.responseBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observe(op, method string, status int, in, out int64, d time.Duration) {
	labels := prometheus.Labels{
		"method":    method,
		"operation": op,
		"status":    strconv.Itoa(status),
	}
	m.requestDurations.With(labels).Observe(d.Seconds())
	m.requestBytes.With(labels).Add(float64(in))
	m.responseBytes.With(labels).Add(float64(out))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
