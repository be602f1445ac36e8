package ipmi

// ConnectionListener receives asynchronous notifications for one
// connection's lifecycle.
//
// Listeners are invoked from handler goroutines and timer-pool workers.
// Long-running work should be dispatched asynchronously: a blocked
// listener stalls the notification path for its connection.
type ConnectionListener interface {
	// SessionEstablished fires when the RAKP handshake completes and
	// the connection enters SessionValid.
	SessionEstablished(handle int)

	// SessionClosed fires when the session closes cleanly.
	SessionClosed(handle int)

	// SessionFailed fires when the session or handshake fails. err
	// wraps one of the package error kinds.
	SessionFailed(handle int, err error)

	// UnsolicitedResponse fires for a valid in-session response that
	// matched no pending request.
	UnsolicitedResponse(handle int, resp *CommandResponse)
}
