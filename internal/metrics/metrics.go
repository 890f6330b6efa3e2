package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deliveryhero/asya/asya-consumer/pkg/provider"
)

var _ provider.Recorder = (*Metrics)(nil)

// Receive outcomes reported on backend_receive_total
const (
	ReceiveResultMessages = "messages"
	ReceiveResultEmpty    = "empty"
	ReceiveResultError    = "error"
)

// Metrics holds all Prometheus metrics for the consumer
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived   *prometheus.CounterVec
	backendReceives    *prometheus.CounterVec
	messagesAcked      *prometheus.CounterVec
	messagesNacked     *prometheus.CounterVec
	backendErrors      *prometheus.CounterVec
	receiveDuration    *prometheus.HistogramVec
	receiveBatchSize   *prometheus.HistogramVec
	cacheDepth         *prometheus.GaugeVec
	messagesProcessed  *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	activeMessages     prometheus.Gauge
}

// NewMetrics creates a metrics set on a private registry
func NewMetrics(namespace string) *Metrics {
	namespace = sanitizeMetricName(namespace)
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages handed to consumers",
			},
			[]string{"queue", "source"},
		),

		backendReceives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_receive_total",
				Help:      "Total number of backend receive calls by outcome",
			},
			[]string{"queue", "result"},
		),

		messagesAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_acked_total",
				Help:      "Total number of messages acknowledged",
			},
			[]string{"queue"},
		),

		messagesNacked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_nacked_total",
				Help:      "Total number of messages rejected",
			},
			[]string{"queue", "requeue"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed backend calls",
			},
			[]string{"queue", "operation"},
		),

		receiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_receive_duration_seconds",
				Help:      "Time spent in backend receive calls, including long polling",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"queue"},
		),

		receiveBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_receive_batch_size",
				Help:      "Number of messages returned per backend receive",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"queue"},
		),

		cacheDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "prefetch_cache_depth",
				Help:      "Number of prefetched messages waiting in the local cache",
			},
			[]string{"queue"},
		),

		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total number of messages processed by the handler",
			},
			[]string{"queue", "status"},
		),

		processingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processing_duration_seconds",
				Help:      "Time spent in the message handler",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		activeMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_messages",
				Help:      "Number of messages currently being handled",
			},
		),
	}

	registry.MustRegister(
		m.messagesReceived,
		m.backendReceives,
		m.messagesAcked,
		m.messagesNacked,
		m.backendErrors,
		m.receiveDuration,
		m.receiveBatchSize,
		m.cacheDepth,
		m.messagesProcessed,
		m.processingDuration,
		m.activeMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordDelivered counts a message handed out by the provider
func (m *Metrics) RecordDelivered(queue, source string) {
	m.messagesReceived.WithLabelValues(queue, source).Inc()
}

// RecordReceive records one backend receive call
func (m *Metrics) RecordReceive(queue string, count int, duration time.Duration, err error) {
	m.receiveDuration.WithLabelValues(queue).Observe(duration.Seconds())

	result := ReceiveResultMessages
	switch {
	case err != nil:
		result = ReceiveResultError
	case count == 0:
		result = ReceiveResultEmpty
	}
	m.backendReceives.WithLabelValues(queue, result).Inc()

	if err == nil {
		m.receiveBatchSize.WithLabelValues(queue).Observe(float64(count))
	}
}

// RecordAck counts an acknowledged message
func (m *Metrics) RecordAck(queue string) {
	m.messagesAcked.WithLabelValues(queue).Inc()
}

// RecordNack counts a rejected message
func (m *Metrics) RecordNack(queue string, requeue bool) {
	m.messagesNacked.WithLabelValues(queue, strconv.FormatBool(requeue)).Inc()
}

// RecordBackendError counts a failed backend call
func (m *Metrics) RecordBackendError(queue, operation string) {
	m.backendErrors.WithLabelValues(queue, operation).Inc()
}

// SetCacheDepth reports the prefetch cache depth
func (m *Metrics) SetCacheDepth(queue string, depth int) {
	m.cacheDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordMessageProcessed counts a handled message by status
func (m *Metrics) RecordMessageProcessed(queue, status string) {
	m.messagesProcessed.WithLabelValues(queue, status).Inc()
}

// RecordProcessingDuration records handler latency
func (m *Metrics) RecordProcessingDuration(queue string, duration time.Duration) {
	m.processingDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// IncrementActiveMessages increments the in-flight handler gauge
func (m *Metrics) IncrementActiveMessages() {
	m.activeMessages.Inc()
}

// DecrementActiveMessages decrements the in-flight handler gauge
func (m *Metrics) DecrementActiveMessages() {
	m.activeMessages.Dec()
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving this metrics set
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// sanitizeMetricName replaces characters Prometheus rejects in metric names
func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
