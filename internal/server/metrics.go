package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	oracleTotal     *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dlqDepth        prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gifty_operations_total",
		Help: "Escrow operations by outcome",
	}, []string{"op", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gifty_http_request_duration_seconds",
		Help:    "Gateway request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"route"})

	oracle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gifty_oracle_requests_total",
		Help: "Price oracle reads by result",
	}, []string{"result"})

	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gifty_signal_dispatch_total",
		Help: "Signal delivery attempts by result",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gifty_dlq_depth",
		Help: "Number of signals in the dead-letter directory",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, duration, oracle, dispatch, dlq)

	return &metricsRegistry{
		registry:        r,
		operationsTotal: ops,
		requestDuration: duration,
		oracleTotal:     oracle,
		dispatchTotal:   dispatch,
		dlqDepth:        dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOperation(op, status string) {
	m.operationsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incOracle(result string) {
	m.oracleTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incDispatch(result string) {
	m.dispatchTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
