package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gspctl"

var (
	registerOnce sync.Once

	commandTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_total",
			Help:      "Commands issued to devices by outcome.",
		},
		[]string{"op", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from command write to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	notificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_total",
			Help:      "Notifications received by kind.",
		},
		[]string{"kind"},
	)
	protocolErrorTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_error_total",
			Help:      "Notifications that violated the protocol and were dropped.",
		},
	)
	retryAttemptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Per-device operation attempts by outcome.",
		},
		[]string{"op", "outcome"},
	)
	httpRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the metrics endpoint.",
		},
		[]string{"method", "path", "status"},
	)
	logBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_bytes_total",
			Help:      "Raw log bytes reassembled from devices.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			commandTotal,
			commandDuration,
			notificationTotal,
			protocolErrorTotal,
			retryAttemptTotal,
			logBytesTotal,
			httpRequestTotal,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordCommand(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	commandTotal.WithLabelValues(op, outcome).Inc()
	commandDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordNotification(kind string) {
	RegisterMetrics()
	notificationTotal.WithLabelValues(kind).Inc()
}

func RecordProtocolError() {
	RegisterMetrics()
	protocolErrorTotal.Inc()
}

func RecordRetryAttempt(op, outcome string) {
	RegisterMetrics()
	retryAttemptTotal.WithLabelValues(op, outcome).Inc()
}

func RecordLogBytes(n int) {
	RegisterMetrics()
	logBytesTotal.Add(float64(n))
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequestTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
