package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors this module registers, following
// the teacher's pkg/observability/metrics.go Metrics struct (one
// CounterVec/HistogramVec pair per concern, all registered on a private
// *prometheus.Registry rather than the global default).
type Metrics struct {
	toolCalls         *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	rpcLatency        *prometheus.HistogramVec
	advertisementChurn *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genesis",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total internal/external tool invocations.",
		}, []string{"tool", "success"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "genesis",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "genesis",
			Subsystem: "rpc",
			Name:      "latency_seconds",
			Help:      "RPC broadcast/targeted round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		advertisementChurn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genesis",
			Subsystem: "bus",
			Name:      "advertisement_churn_total",
			Help:      "Advertisement ALIVE/DISPOSED transitions observed, by kind.",
		}, []string{"kind", "transition"}),
	}

	reg.MustRegister(m.toolCalls, m.toolCallDuration, m.rpcLatency, m.advertisementChurn)
	return m
}

func (m *Metrics) recordToolCall(name string, duration time.Duration, success bool) {
	label := "true"
	if !success {
		label = "false"
	}
	m.toolCalls.WithLabelValues(name, label).Inc()
	m.toolCallDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (m *Metrics) recordRPCLatency(serviceName string, duration time.Duration) {
	m.rpcLatency.WithLabelValues(serviceName).Observe(duration.Seconds())
}

func (m *Metrics) recordAdvertisementChurn(kind, transition string) {
	m.advertisementChurn.WithLabelValues(kind, transition).Inc()
}
