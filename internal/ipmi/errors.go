package ipmi

import "errors"

// Error kinds surfaced to callers. Each maps to one failure class of the
// session and message-handling layers; callers match with errors.Is.
var (
	// ErrTransportClosed indicates the shared UDP endpoint was closed
	// underneath the connection.
	ErrTransportClosed = errors.New("transport closed")

	// ErrResponseTimeout indicates a request exhausted its retry budget
	// without a matching response.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrIllegalState indicates a handshake method was invoked out of
	// protocol order. The call fails before touching the wire.
	ErrIllegalState = errors.New("illegal connection state")

	// ErrProtocolViolation indicates the BMC sent a message the state
	// machine cannot accept in its current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAuthenticationFailed indicates a RAKP message carried a status
	// code other than no-error, or an authentication code mismatch.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrIntegrityCheckFailed indicates an in-session response failed
	// integrity verification. Fatal to the session.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrSessionExpired indicates the BMC reported the session as no
	// longer valid.
	ErrSessionExpired = errors.New("session expired")

	// ErrConnectionClosed indicates the connection was torn down while
	// requests were pending.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConfigurationMissing indicates a required configuration value
	// was absent and no default applies.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrCancelled indicates the caller's context was cancelled while
	// blocked on a tag acquisition or a pending response.
	ErrCancelled = errors.New("operation cancelled")
)
