package ipmi

// This file implements the RMCP+ session state machine (IPMI v2.0
// specification, Section 13.14 and Section 13.15). The machine is a pure
// function over a transition table -- no side effects, no Connection
// dependency. The Connection applies events and performs the resulting
// outbound actions through its message handler.
//
// Handshake sequence (IPMI v2.0 Section 13.15):
//
//	Uninitialized
//	    | Default (cipher suites retrieved)
//	CiphersRetrieved
//	    | AuthenticationCapabilitiesReceived
//	AuthCapabilitiesReceived
//	    | Default (Open Session Request dispatched)
//	OpenSessionSent
//	    | OpenSessionAck
//	OpenSessionComplete
//	    | Default (RAKP Message 1 dispatched)
//	Rakp1Sent
//	    | Rakp2Ack
//	Rakp3Waiting
//	    | Default (RAKP Message 3 dispatched)
//	Rakp3Sent
//	    | Rakp4Ack
//	SessionValid
//	    | SessionCloseRequested       | Timeout / ProtocolError
//	SessionClosing -> Closed          Failed

// State represents the per-connection session state.
type State uint8

const (
	// StateUninitialized means the transport is up but the BMC has not
	// been contacted. Permitted outbound: presence ping,
	// Get Channel Cipher Suites.
	StateUninitialized State = iota

	// StateCiphersRetrieved means the BMC's cipher suites are known.
	// Permitted outbound: Get Channel Authentication Capabilities.
	StateCiphersRetrieved

	// StateAuthCapabilitiesReceived means authentication capabilities
	// are known. Permitted outbound: RMCP+ Open Session Request.
	StateAuthCapabilitiesReceived

	// StateOpenSessionSent means the Open Session Request is on the
	// wire and the connection is awaiting the response.
	StateOpenSessionSent

	// StateOpenSessionComplete means the BMC accepted the session and
	// the managed system session ID is known. Permitted outbound: RAKP 1.
	StateOpenSessionComplete

	// StateRakp1Sent means RAKP Message 1 is on the wire.
	StateRakp1Sent

	// StateRakp3Waiting means RAKP Message 2 validated; ready to send
	// RAKP Message 3.
	StateRakp3Waiting

	// StateRakp3Sent means RAKP Message 3 is on the wire.
	StateRakp3Sent

	// StateSessionValid means RAKP Message 4 validated and session keys
	// are installed. Any in-session command is permitted.
	StateSessionValid

	// StateSessionClosing means a local close was initiated and the
	// Close Session command is in flight.
	StateSessionClosing

	// StateFailed is terminal: the handshake or session encountered a
	// fatal error.
	StateFailed

	// StateClosed is terminal: the session closed cleanly.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateCiphersRetrieved:
		return "CiphersRetrieved"
	case StateAuthCapabilitiesReceived:
		return "AuthCapabilitiesReceived"
	case StateOpenSessionSent:
		return "OpenSessionSent"
	case StateOpenSessionComplete:
		return "OpenSessionComplete"
	case StateRakp1Sent:
		return "Rakp1Sent"
	case StateRakp3Waiting:
		return "Rakp3Waiting"
	case StateRakp3Sent:
		return "Rakp3Sent"
	case StateSessionValid:
		return "SessionValid"
	case StateSessionClosing:
		return "SessionClosing"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Event represents a session state machine event.
type Event uint8

const (
	// EventDefault is the cipher-agnostic acknowledgement used to
	// advance the machine after a successful response or dispatch.
	EventDefault Event = iota

	// EventAuthCapabilitiesReceived is raised when a Get Channel
	// Authentication Capabilities response validates.
	EventAuthCapabilitiesReceived

	// EventOpenSessionAck is raised when the RMCP+ Open Session
	// Response validates.
	EventOpenSessionAck

	// EventRakp2Ack is raised when RAKP Message 2 validates.
	EventRakp2Ack

	// EventRakp4Ack is raised when RAKP Message 4 validates.
	EventRakp4Ack

	// EventTimeout is raised when an outstanding request exhausts its
	// retry budget.
	EventTimeout

	// EventSessionCloseRequested is raised on a local Disconnect.
	EventSessionCloseRequested

	// EventProtocolError is raised on an unrecoverable protocol fault
	// (bad status code, integrity failure, malformed payload).
	EventProtocolError
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventDefault:
		return "Default"
	case EventAuthCapabilitiesReceived:
		return "AuthCapabilitiesReceived"
	case EventOpenSessionAck:
		return "OpenSessionAck"
	case EventRakp2Ack:
		return "Rakp2Ack"
	case EventRakp4Ack:
		return "Rakp4Ack"
	case EventTimeout:
		return "Timeout"
	case EventSessionCloseRequested:
		return "SessionCloseRequested"
	case EventProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// stateEvent is the transition table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// MachineResult holds the outcome of applying an event.
type MachineResult struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied.
	NewState State

	// Changed is true when NewState differs from OldState.
	Changed bool

	// Err is non-nil when the transition is a failure: either the event
	// itself carries an error (Timeout, ProtocolError) or the
	// (state, event) pair is not in the table.
	Err error
}

// machineTable is the complete RMCP+ handshake transition table.
//
// Every (state, event) pair listed here is a valid transition. Unlisted
// pairs transition to Failed with ErrProtocolViolation, except on
// terminal states, which absorb all events.
//
//nolint:gochecknoglobals // transition table is intentionally package-level.
var machineTable = map[stateEvent]State{
	// Discovery: Get Channel Cipher Suites completes.
	{StateUninitialized, EventDefault}: StateCiphersRetrieved,

	// Get Channel Authentication Capabilities completes.
	{StateCiphersRetrieved, EventAuthCapabilitiesReceived}: StateAuthCapabilitiesReceived,

	// Open Session Request dispatched.
	{StateAuthCapabilitiesReceived, EventDefault}: StateOpenSessionSent,

	// Open Session Response validated; managed session ID known.
	{StateOpenSessionSent, EventOpenSessionAck}: StateOpenSessionComplete,

	// RAKP Message 1 dispatched.
	{StateOpenSessionComplete, EventDefault}: StateRakp1Sent,

	// RAKP Message 2 validated.
	{StateRakp1Sent, EventRakp2Ack}: StateRakp3Waiting,

	// RAKP Message 3 dispatched.
	{StateRakp3Waiting, EventDefault}: StateRakp3Sent,

	// RAKP Message 4 validated; session keys installed.
	{StateRakp3Sent, EventRakp4Ack}: StateSessionValid,

	// Local close while the session is up: Close Session goes out.
	{StateSessionValid, EventSessionCloseRequested}: StateSessionClosing,

	// Close Session completed (or was abandoned after its retries).
	{StateSessionClosing, EventDefault}: StateClosed,

	// A close requested before the session is valid tears down locally
	// with no wire traffic.
	{StateUninitialized, EventSessionCloseRequested}:            StateClosed,
	{StateCiphersRetrieved, EventSessionCloseRequested}:         StateClosed,
	{StateAuthCapabilitiesReceived, EventSessionCloseRequested}: StateClosed,
	{StateOpenSessionSent, EventSessionCloseRequested}:          StateClosed,
	{StateOpenSessionComplete, EventSessionCloseRequested}:      StateClosed,
	{StateRakp1Sent, EventSessionCloseRequested}:                StateClosed,
	{StateRakp3Waiting, EventSessionCloseRequested}:             StateClosed,
	{StateRakp3Sent, EventSessionCloseRequested}:                StateClosed,
}

// Apply applies an event to the given state and returns the result.
//
// This is a pure function with no side effects. Timeout and
// ProtocolError events transition any non-terminal state to Failed,
// carrying ErrResponseTimeout or ErrProtocolViolation respectively.
// Terminal states absorb every event unchanged. Any other unexpected
// (state, event) pair transitions to Failed with ErrProtocolViolation:
// the handshake is strictly sequential and an out-of-place event means
// the two ends disagree about protocol position.
func Apply(current State, event Event) MachineResult {
	if current.Terminal() {
		return MachineResult{OldState: current, NewState: current}
	}

	switch event {
	case EventTimeout:
		return MachineResult{
			OldState: current,
			NewState: StateFailed,
			Changed:  true,
			Err:      ErrResponseTimeout,
		}
	case EventProtocolError:
		return MachineResult{
			OldState: current,
			NewState: StateFailed,
			Changed:  true,
			Err:      ErrProtocolViolation,
		}
	}

	next, ok := machineTable[stateEvent{state: current, event: event}]
	if !ok {
		return MachineResult{
			OldState: current,
			NewState: StateFailed,
			Changed:  true,
			Err:      ErrProtocolViolation,
		}
	}

	return MachineResult{
		OldState: current,
		NewState: next,
		Changed:  current != next,
	}
}
