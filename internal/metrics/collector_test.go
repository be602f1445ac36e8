package ipmimetrics_test

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	ipmimetrics "github.com/dantte-lp/goipmi/internal/metrics"
)

var testRemote = netip.MustParseAddrPort("192.0.2.10:623")

// TestCollectorRegistersAllMetrics verifies registration against a
// fresh registry and the metric name set.
func TestCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ipmimetrics.NewCollector(reg)

	c.RegisterConnection(testRemote)
	c.IncPacketsSent(testRemote)
	c.IncPacketsReceived(testRemote)
	c.IncPacketsDropped(testRemote)
	c.IncRetries(testRemote)
	c.IncHandshakeFailures(testRemote)
	c.IncKeepAliveFailures(testRemote)
	c.RecordStateTransition(testRemote, "Rakp3Sent", "SessionValid")

	names := []string{
		"goipmi_client_connections",
		"goipmi_client_packets_sent_total",
		"goipmi_client_packets_received_total",
		"goipmi_client_packets_dropped_total",
		"goipmi_client_retries_total",
		"goipmi_client_handshake_failures_total",
		"goipmi_client_keepalive_failures_total",
		"goipmi_client_state_transitions_total",
	}
	got, err := testutil.GatherAndCount(reg, names...)
	if err != nil {
		t.Fatal(err)
	}
	if got != len(names) {
		t.Errorf("gathered %d metric families, want %d", got, len(names))
	}
}

// TestCollectorCounts verifies counter and gauge arithmetic.
func TestCollectorCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ipmimetrics.NewCollector(reg)

	c.RegisterConnection(testRemote)
	c.RegisterConnection(testRemote)
	c.UnregisterConnection(testRemote)

	if got := testutil.ToFloat64(c.Connections.WithLabelValues(testRemote.String())); got != 1 {
		t.Errorf("connections gauge = %v, want 1", got)
	}

	c.IncRetries(testRemote)
	c.IncRetries(testRemote)
	c.IncRetries(testRemote)
	if got := testutil.ToFloat64(c.Retries.WithLabelValues(testRemote.String())); got != 3 {
		t.Errorf("retries counter = %v, want 3", got)
	}

	c.RecordStateTransition(testRemote, "Uninitialized", "CiphersRetrieved")
	c.RecordStateTransition(testRemote, "Uninitialized", "CiphersRetrieved")
	got := testutil.ToFloat64(c.StateTransitions.WithLabelValues(
		testRemote.String(), "Uninitialized", "CiphersRetrieved"))
	if got != 2 {
		t.Errorf("state transition counter = %v, want 2", got)
	}
}
