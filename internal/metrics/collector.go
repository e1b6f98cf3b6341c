package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records all gateway metrics.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	tokensTotal      *prometheus.CounterVec
	firstTokenSecs   *prometheus.HistogramVec
	tokensPerSecond  *prometheus.HistogramVec
	transformTotal   *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	httpErrors       *prometheus.CounterVec
	clientDisconnect *prometheus.CounterVec
	logDropped       prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates the collector and registers every metric under the
// given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"endpoint", "protocol", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "protocol"},
	)

	c.activeRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	c.tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"model", "provider", "credential", "client", "type"}, // type: input, output, total
	)

	c.firstTokenSecs = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_seconds",
			Help:      "Time to first streamed token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model", "provider"},
	)

	c.tokensPerSecond = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokens_per_second",
			Help:      "Output token throughput after first token",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
		},
		[]string{"model", "provider"},
	)

	c.transformTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_total",
			Help:      "Requests by transform path",
		},
		[]string{"path"}, // path: bypass, cross
	)

	c.transportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_transport_errors_total",
			Help:      "Connection-level upstream failures",
		},
		[]string{"provider"},
	)

	c.httpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_http_errors_total",
			Help:      "Upstream HTTP error responses",
		},
		[]string{"provider", "status"},
	)

	c.clientDisconnect = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Streams aborted by client disconnect",
		},
		[]string{"endpoint"},
	)

	c.logDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_dropped_total",
			Help:      "Request log records dropped due to a full buffer",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRequest records one completed request.
func (c *Collector) RecordRequest(endpoint, protocol string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(endpoint, protocol, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(endpoint, protocol).Observe(duration.Seconds())
}

// RequestStarted increments the in-flight gauge.
func (c *Collector) RequestStarted() { c.activeRequests.Inc() }

// RequestFinished decrements the in-flight gauge.
func (c *Collector) RequestFinished() { c.activeRequests.Dec() }

// RecordTokens records token usage for one request. credential should be
// "anonymous" and provider "unknown" when unresolved, keeping cardinality
// bounded.
func (c *Collector) RecordTokens(model, provider, credential, client string, input, output int) {
	c.tokensTotal.WithLabelValues(model, provider, credential, client, "input").Add(float64(input))
	c.tokensTotal.WithLabelValues(model, provider, credential, client, "output").Add(float64(output))
	c.tokensTotal.WithLabelValues(model, provider, credential, client, "total").Add(float64(input + output))
}

// RecordFirstToken records streaming time-to-first-token.
func (c *Collector) RecordFirstToken(model, provider string, ttft time.Duration) {
	c.firstTokenSecs.WithLabelValues(model, provider).Observe(ttft.Seconds())
}

// RecordTokensPerSecond records streaming output throughput.
func (c *Collector) RecordTokensPerSecond(model, provider string, tps float64) {
	c.tokensPerSecond.WithLabelValues(model, provider).Observe(tps)
}

// RecordBypass counts a same-protocol fast-path request.
func (c *Collector) RecordBypass() { c.transformTotal.WithLabelValues("bypass").Inc() }

// RecordCrossProtocol counts a request that went through the unified form.
func (c *Collector) RecordCrossProtocol() { c.transformTotal.WithLabelValues("cross").Inc() }

// RecordProviderTransportError counts a connection-level upstream failure.
func (c *Collector) RecordProviderTransportError(provider string) {
	c.transportErrors.WithLabelValues(provider).Inc()
}

// RecordProviderHTTPError counts an upstream HTTP error status.
func (c *Collector) RecordProviderHTTPError(provider string, status int) {
	c.httpErrors.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// RecordClientDisconnect counts a stream aborted by the client.
func (c *Collector) RecordClientDisconnect(endpoint string) {
	c.clientDisconnect.WithLabelValues(endpoint).Inc()
}

// RecordLogDropped counts a request-log record lost to backpressure.
func (c *Collector) RecordLogDropped() { c.logDropped.Inc() }

// statusClass groups HTTP status codes into 2xx/3xx/4xx/5xx.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
