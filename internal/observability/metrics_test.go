package observability

import (
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("linkhost", "GET", "/health", 200, 12*time.Millisecond)
	RecordChannelEvent("connected", "message")
	RecordMalformedEnvelope("svc")
	RecordTransition("created", "resumed")
	AddPendingReplies(1)
	AddPendingReplies(-1)
	RecordRelay("svc", true, "ok", 3*time.Millisecond)
	RecordDispatch("doThing", "ok")
}

func TestCountersAdvance(t *testing.T) {
	testlog.Start(t)
	labels := map[string]string{"channel": "counted"}
	before := counterValue(t, "hostlink_channel_malformed_envelopes_total", labels)
	RecordMalformedEnvelope("counted")
	RecordMalformedEnvelope("counted")
	if got := counterValue(t, "hostlink_channel_malformed_envelopes_total", labels); got != before+2 {
		t.Fatalf("expected counter to advance by 2, got %v -> %v", before, got)
	}

	labels = map[string]string{"method": "m", "outcome": "not_found"}
	before = counterValue(t, "hostlink_registry_calls_total", labels)
	RecordDispatch("m", "not_found")
	if got := counterValue(t, "hostlink_registry_calls_total", labels); got != before+1 {
		t.Fatalf("expected dispatch counter to advance, got %v -> %v", before, got)
	}
}

// counterValue reads one counter sample from the default registry; a sample
// that was never recorded reads as zero.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	RegisterMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
