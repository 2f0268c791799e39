package observability

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

var (
	registerOnce sync.Once
	disabled     atomic.Bool

	registry = prometheus.NewRegistry()

	bridgeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "client",
			Name:      "attempts_total",
			Help:      "Reliable request attempts by tier and attempt outcome.",
		},
		[]string{"tier", "outcome"},
	)
	bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Reliable request calls by tier and final result.",
		},
		[]string{"tier", "result"},
	)
	bridgeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Reliable request call duration in seconds, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tier", "result"},
	)
	bridgeHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "client",
			Name:      "heartbeats_total",
			Help:      "Liveness probe events (probe, ack, dead).",
		},
		[]string{"event"},
	)
	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by the server by request type and reply status.",
		},
		[]string{"type", "status"},
	)
	serverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Server request handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	codecMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "codec",
			Name:      "messages_total",
			Help:      "Envelopes encoded or decoded by wire format.",
		},
		[]string{"format", "direction"},
	)
	socketsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "transport",
			Name:      "sockets_open",
			Help:      "Transport sockets currently open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		registry.MustRegister(
			bridgeAttempts,
			bridgeCalls,
			bridgeCallDuration,
			bridgeHeartbeats,
			serverRequests,
			serverDuration,
			codecMessages,
			socketsOpen,
		)
	})
}

// SetEnabled toggles recording. Collectors stay registered either way.
func SetEnabled(on bool) {
	disabled.Store(!on)
}

func Enabled() bool {
	return !disabled.Load()
}

func Registry() *prometheus.Registry {
	RegisterMetrics()
	return registry
}

func RecordAttempt(tier, outcome string) {
	if !Enabled() {
		return
	}
	RegisterMetrics()
	bridgeAttempts.WithLabelValues(tier, outcome).Inc()
}

func RecordCall(tier, result string, duration time.Duration) {
	if !Enabled() {
		return
	}
	RegisterMetrics()
	bridgeCalls.WithLabelValues(tier, result).Inc()
	bridgeCallDuration.WithLabelValues(tier, result).Observe(duration.Seconds())
}

func RecordHeartbeat(event string) {
	if !Enabled() {
		return
	}
	RegisterMetrics()
	bridgeHeartbeats.WithLabelValues(event).Inc()
}

func RecordServerRequest(kind, status string, duration time.Duration) {
	if !Enabled() {
		return
	}
	RegisterMetrics()
	serverRequests.WithLabelValues(kind, status).Inc()
	serverDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordCodec(format, direction string) {
	if !Enabled() {
		return
	}
	RegisterMetrics()
	codecMessages.WithLabelValues(format, direction).Inc()
}

func SocketOpened() {
	RegisterMetrics()
	socketsOpen.Inc()
}

func SocketClosed() {
	RegisterMetrics()
	socketsOpen.Dec()
}

// WriteText writes every registered metric family in the prometheus text format.
func WriteText(w io.Writer) error {
	families, err := Registry().Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// CounterValue sums the samples of a counter family whose labels match every
// entry in labels. Unknown families report zero.
func CounterValue(name string, labels map[string]string) (float64, error) {
	families, err := Registry().Gather()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total, nil
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok {
			if v != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}
