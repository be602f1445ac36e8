// Package ipmimetrics exports Prometheus metrics for the IPMI client:
// connection gauges, packet and retry counters, and state transition
// counters for alerting on handshake failures.
package ipmimetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "goipmi"
	subsystem = "client"
)

// Label names for IPMI client metrics.
const (
	labelRemote    = "remote"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// Collector holds all IPMI client Prometheus metrics and implements
// ipmi.MetricsReporter.
type Collector struct {
	// Connections tracks the number of currently active connections.
	Connections *prometheus.GaugeVec

	// PacketsSent counts datagrams transmitted per remote, including
	// retransmissions.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts datagrams matched to a pending request.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts datagrams discarded as stray, replayed, or
	// malformed.
	PacketsDropped *prometheus.CounterVec

	// Retries counts request retransmissions per remote.
	Retries *prometheus.CounterVec

	// HandshakeFailures counts sessions that terminated in Failed.
	HandshakeFailures *prometheus.CounterVec

	// KeepAliveFailures counts keep-alives that exhausted their retry
	// budget.
	KeepAliveFailures *prometheus.CounterVec

	// StateTransitions counts session state machine transitions, labeled
	// with the old and new state for precise alerting.
	StateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.Retries,
		c.HandshakeFailures,
		c.KeepAliveFailures,
		c.StateTransitions,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	remoteLabels := []string{labelRemote}
	transitionLabels := []string{labelRemote, labelFromState, labelToState}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently active IPMI connections.",
		}, remoteLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total RMCP+ datagrams transmitted, retransmissions included.",
		}, remoteLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total RMCP+ datagrams matched to a pending request.",
		}, remoteLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams discarded as stray, replayed, or malformed.",
		}, remoteLabels),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total request retransmissions.",
		}, remoteLabels),

		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_failures_total",
			Help:      "Total sessions that terminated in the Failed state.",
		}, remoteLabels),

		KeepAliveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keepalive_failures_total",
			Help:      "Total keep-alive commands that exhausted their retry budget.",
		}, remoteLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total session state machine transitions.",
		}, transitionLabels),
	}
}

// RegisterConnection increments the active connections gauge.
func (c *Collector) RegisterConnection(remote netip.AddrPort) {
	c.Connections.WithLabelValues(remote.String()).Inc()
}

// UnregisterConnection decrements the active connections gauge.
func (c *Collector) UnregisterConnection(remote netip.AddrPort) {
	c.Connections.WithLabelValues(remote.String()).Dec()
}

// IncPacketsSent increments the transmitted datagram counter.
func (c *Collector) IncPacketsSent(remote netip.AddrPort) {
	c.PacketsSent.WithLabelValues(remote.String()).Inc()
}

// IncPacketsReceived increments the matched datagram counter.
func (c *Collector) IncPacketsReceived(remote netip.AddrPort) {
	c.PacketsReceived.WithLabelValues(remote.String()).Inc()
}

// IncPacketsDropped increments the discarded datagram counter.
func (c *Collector) IncPacketsDropped(remote netip.AddrPort) {
	c.PacketsDropped.WithLabelValues(remote.String()).Inc()
}

// IncRetries increments the retransmission counter.
func (c *Collector) IncRetries(remote netip.AddrPort) {
	c.Retries.WithLabelValues(remote.String()).Inc()
}

// IncHandshakeFailures increments the handshake failure counter.
func (c *Collector) IncHandshakeFailures(remote netip.AddrPort) {
	c.HandshakeFailures.WithLabelValues(remote.String()).Inc()
}

// IncKeepAliveFailures increments the keep-alive failure counter.
func (c *Collector) IncKeepAliveFailures(remote netip.AddrPort) {
	c.KeepAliveFailures.WithLabelValues(remote.String()).Inc()
}

// RecordStateTransition increments the state transition counter with
// the old and new state labels.
func (c *Collector) RecordStateTransition(remote netip.AddrPort, from, to string) {
	c.StateTransitions.WithLabelValues(remote.String(), from, to).Inc()
}
