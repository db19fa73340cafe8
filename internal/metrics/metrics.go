package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

const namespace = "allocation"

// Metrics implements service.Recorder and counts entrypoint requests.
type Metrics struct {
	Messages          *prometheus.CounterVec
	MessageDurationMS *prometheus.HistogramVec
	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled by the bus, per handler invocation.",
		}, []string{"type", "kind", "outcome"}),
		MessageDurationMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_ms",
			Help:      "Handler latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"type"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}
	reg.MustRegister(m.Messages, m.MessageDurationMS, m.Requests, m.LatencyMS)
	return m
}

func (m *Metrics) ObserveMessage(msgType domain.MessageType, kind, outcome string, elapsed time.Duration) {
	m.Messages.WithLabelValues(string(msgType), kind, outcome).Inc()
	m.MessageDurationMS.WithLabelValues(string(msgType)).Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
