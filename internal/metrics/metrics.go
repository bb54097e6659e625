// Package metrics provides Prometheus metrics for the Nimbus server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nimbus"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsRecovered prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	SessionAuthErrors prometheus.Counter
	AuthorityLatency  prometheus.Histogram
	AuthorityErrors   *prometheus.CounterVec

	// UDP proxy metrics
	UdpWorkersActive  prometheus.Gauge
	UdpWorkersCreated prometheus.Counter
	UdpQuotaRejects   prometheus.Counter
	UdpDatagramsSent  prometheus.Counter
	UdpDatagramsRecv  prometheus.Counter
	UdpBytesSent      prometheus.Counter
	UdpBytesRecv      prometheus.Counter
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

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live, non-disposed sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created via the access authority",
		}),
		SessionsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_recovered_total",
			Help:      "Total sessions recovered from the access authority",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed by reason",
		}, []string{"reason"}),
		SessionAuthErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_auth_errors_total",
			Help:      "Total requests rejected for bad session credentials",
		}),
		AuthorityLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authority_request_seconds",
			Help:      "Access authority request latency",
			Buckets:   prometheus.DefBuckets,
		}),
		AuthorityErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authority_errors_total",
			Help:      "Total access authority failures by operation",
		}, []string{"op"}),

		UdpWorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_workers_active",
			Help:      "Number of live UDP proxy workers",
		}),
		UdpWorkersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_workers_created_total",
			Help:      "Total UDP proxy workers created",
		}),
		UdpQuotaRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_quota_rejects_total",
			Help:      "Total sends rejected by the worker quota",
		}),
		UdpDatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_sent_total",
			Help:      "Total datagrams forwarded to remote endpoints",
		}),
		UdpDatagramsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_received_total",
			Help:      "Total datagrams received from remote endpoints",
		}),
		UdpBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bytes_sent_total",
			Help:      "Total bytes forwarded to remote endpoints",
		}),
		UdpBytesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bytes_received_total",
			Help:      "Total bytes received from remote endpoints",
		}),
	}
}
