package ipmi

import "net/netip"

// MetricsReporter receives connection and message-level events for
// export. The production implementation lives in internal/metrics; the
// zero-cost default is noopMetrics.
type MetricsReporter interface {
	// RegisterConnection fires when the Manager creates a connection.
	RegisterConnection(remote netip.AddrPort)

	// UnregisterConnection fires when a connection is torn down.
	UnregisterConnection(remote netip.AddrPort)

	// IncPacketsSent fires per datagram handed to the messenger,
	// retransmissions included.
	IncPacketsSent(remote netip.AddrPort)

	// IncPacketsReceived fires per datagram matched to a pending request.
	IncPacketsReceived(remote netip.AddrPort)

	// IncPacketsDropped fires per datagram discarded as stray, replayed,
	// or malformed.
	IncPacketsDropped(remote netip.AddrPort)

	// IncRetries fires per retransmission.
	IncRetries(remote netip.AddrPort)

	// IncHandshakeFailures fires on every transition into Failed, during
	// the handshake or after the session is established.
	IncHandshakeFailures(remote netip.AddrPort)

	// IncKeepAliveFailures fires when a keep-alive exhausts its retries.
	IncKeepAliveFailures(remote netip.AddrPort)

	// RecordStateTransition fires on every state machine transition.
	RecordStateTransition(remote netip.AddrPort, from, to string)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) RegisterConnection(netip.AddrPort)                    {}
func (noopMetrics) UnregisterConnection(netip.AddrPort)                  {}
func (noopMetrics) IncPacketsSent(netip.AddrPort)                        {}
func (noopMetrics) IncPacketsReceived(netip.AddrPort)                    {}
func (noopMetrics) IncPacketsDropped(netip.AddrPort)                     {}
func (noopMetrics) IncRetries(netip.AddrPort)                            {}
func (noopMetrics) IncHandshakeFailures(netip.AddrPort)                  {}
func (noopMetrics) IncKeepAliveFailures(netip.AddrPort)                  {}
func (noopMetrics) RecordStateTransition(netip.AddrPort, string, string) {}
