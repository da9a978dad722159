package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
	m.HandshakesTotal.Inc()
	m.HandshakeFailures.WithLabelValues(ReasonUnknownUser).Inc()
	m.MessagesWritten.Add(3)

	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 1 {
		t.Errorf("connections_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesWritten); got != 3 {
		t.Errorf("messages_written_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(ReasonUnknownUser)); got != 1 {
		t.Errorf("handshake_failures_total{unknown_user} = %v, want 1", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewMetricsWithRegistry(prometheus.NewRegistry())
	b := NewMetricsWithRegistry(prometheus.NewRegistry())

	a.ConnectionsTotal.Inc()
	if got := testutil.ToFloat64(b.ConnectionsTotal); got != 0 {
		t.Errorf("second registry counter = %v, want 0", got)
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned distinct instances")
	}
}
