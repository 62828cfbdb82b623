package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Inbound channel events by role and kind.",
		},
		[]string{"role", "kind"},
	)
	malformedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "channel",
			Name:      "malformed_envelopes_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		},
		[]string{"channel"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Lifecycle state transitions.",
		},
		[]string{"from", "to"},
	)
	pendingReplies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostlink",
			Subsystem: "session",
			Name:      "pending_replies",
			Help:      "Outstanding reply-expected requests.",
		},
	)
	relayPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "relay",
			Name:      "payloads_total",
			Help:      "Payloads handed to the processor by outcome.",
		},
		[]string{"channel", "reply_requested", "outcome"},
	)
	relayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostlink",
			Subsystem: "relay",
			Name:      "processing_duration_seconds",
			Help:      "Processor latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	dispatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostlink",
			Subsystem: "registry",
			Name:      "calls_total",
			Help:      "Registry method invocations by outcome.",
		},
		[]string{"method", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			channelEvents,
			malformedEnvelopes,
			sessionTransitions,
			pendingReplies,
			relayPayloads,
			relayDuration,
			dispatchCalls,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(node, method, path).Observe(duration.Seconds())
}

func RecordChannelEvent(role, kind string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(role, kind).Inc()
}

func RecordMalformedEnvelope(channel string) {
	RegisterMetrics()
	malformedEnvelopes.WithLabelValues(channel).Inc()
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// AddPendingReplies moves the pending reply gauge by delta.
func AddPendingReplies(delta int) {
	RegisterMetrics()
	pendingReplies.Add(float64(delta))
}

func RecordRelay(channel string, replyRequested bool, outcome string, duration time.Duration) {
	RegisterMetrics()
	relayPayloads.WithLabelValues(channel, strconv.FormatBool(replyRequested), outcome).Inc()
	relayDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordDispatch(method, outcome string) {
	RegisterMetrics()
	dispatchCalls.WithLabelValues(method, outcome).Inc()
}
