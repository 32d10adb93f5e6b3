package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames decoded from the inbound stream.",
		},
		[]string{"channel", "command"},
	)
	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "wire",
			Name:      "decode_errors_total",
			Help:      "Malformed inputs skipped during resynchronization.",
		},
	)
	waiterResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "router",
			Name:      "waiters_resolved_total",
			Help:      "Pending requests resolved by a matching frame.",
		},
		[]string{"command"},
	)
	waiterTimeout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "router",
			Name:      "waiters_timeout_total",
			Help:      "Pending requests expired before a matching frame.",
		},
		[]string{"command"},
	)
	droppedCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "router",
			Name:      "dropped_callbacks_total",
			Help:      "Queued callback invocations dropped under overload.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts driven by the supervisor.",
		},
	)
	keepaliveMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "session",
			Name:      "keepalive_misses_total",
			Help:      "Liveness checks that found a silent connection.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "empirectl",
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "Total ops server HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "empirectl",
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesDecoded, decodeErrors,
			waiterResolved, waiterTimeout, droppedCallbacks,
			reconnects, keepaliveMisses,
			httpRequests, httpDuration,
		)
	})
}

func RecordFrame(channel, command string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(channel, command).Inc()
}

func RecordDecodeError() {
	RegisterMetrics()
	decodeErrors.Inc()
}

func RecordWaiterResolved(command string) {
	RegisterMetrics()
	waiterResolved.WithLabelValues(command).Inc()
}

func RecordWaiterTimeout(command string) {
	RegisterMetrics()
	waiterTimeout.WithLabelValues(command).Inc()
}

func RecordDroppedCallback() {
	RegisterMetrics()
	droppedCallbacks.Inc()
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}

func RecordKeepaliveMiss() {
	RegisterMetrics()
	keepaliveMisses.Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
