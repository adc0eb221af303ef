package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Router
	routerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_entries_total",
			Help: "Incoming stream entries by outcome (routed, duplicate, empty, error).",
		},
		[]string{"outcome"},
	)
	fanoutPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_fanout_published_total",
			Help: "Channel messages published by the router.",
		},
		[]string{"channel"},
	)
	fanoutErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_fanout_errors_total",
			Help: "Channel publishes that failed.",
		},
		[]string{"channel"},
	)

	// Worker
	workerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_total",
			Help: "Channel messages processed by outcome.",
		},
		[]string{"channel", "outcome"},
	)
	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Time spent in provider adapters.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"channel", "provider"},
	)
	retriesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Retry descriptors written, by reason (failure, throttled).",
		},
		[]string{"channel", "reason"},
	)
	dlqWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_writes_total",
			Help: "Entries written to the dead-letter stream.",
		},
		[]string{"channel"},
	)

	// Requeue
	requeues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requeue_requests_total",
			Help: "Operator requeue requests by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			routerEntries,
			fanoutPublished,
			fanoutErrors,

			workerMessages,
			providerDuration,
			retriesScheduled,
			dlqWrites,

			requeues,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	c := strconv.Itoa(code)
	httpRequests.WithLabelValues(method, route, c).Inc()
	httpDuration.WithLabelValues(method, route, c).Observe(d.Seconds())
}

// --- Router ---
func IncRouterEntry(outcome string)     { routerEntries.WithLabelValues(outcome).Inc() }
func IncFanoutPublished(channel string) { fanoutPublished.WithLabelValues(channel).Inc() }
func IncFanoutError(channel string)     { fanoutErrors.WithLabelValues(channel).Inc() }

// --- Worker ---
func IncWorkerMessage(channel, outcome string) {
	workerMessages.WithLabelValues(channel, outcome).Inc()
}
func ObserveProviderSend(channel, provider string, d time.Duration) {
	providerDuration.WithLabelValues(channel, provider).Observe(d.Seconds())
}
func IncRetryScheduled(channel, reason string) {
	retriesScheduled.WithLabelValues(channel, reason).Inc()
}
func IncDLQWrite(channel string) { dlqWrites.WithLabelValues(channel).Inc() }

// --- Requeue ---
func IncRequeue(kind, result string) { requeues.WithLabelValues(kind, result).Inc() }
