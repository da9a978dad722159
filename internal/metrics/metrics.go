// Package metrics provides Prometheus metrics for glasschat.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "glasschat"
)

// Metrics contains all Prometheus metrics for the chat server.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Handshake metrics
	HandshakesTotal   prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Application metrics
	MessagesWritten prometheus.Counter
	ReadRequests    prometheus.Counter
	UnknownRequests prometheus.Counter

	// Throttling metrics
	ConnectionsThrottled prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with all
// metrics registered on the given registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}),
		HandshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of completed handshakes.",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Handshake failures by reason.",
		}, []string{"reason"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Handshake latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		MessagesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Chat messages appended to the log.",
		}),
		ReadRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_requests_total",
			Help:      "Chat read requests served.",
		}),
		UnknownRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_requests_total",
			Help:      "Inner requests that failed to parse.",
		}),
		ConnectionsThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_throttled_total",
			Help:      "Connections delayed by the accept rate limiter.",
		}),
	}
}

// Handshake failure reasons.
const (
	ReasonUnknownUser   = "unknown_user"
	ReasonWrongPassword = "wrong_password"
	ReasonProtocol      = "protocol"
)
