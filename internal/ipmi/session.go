package ipmi

import (
	"sync"
	"time"
)

// sessionRecord holds the state of an established RMCP+ session.
// Created on successful RAKP Message 4 validation, mutated only by the
// message handler, and destroyed on explicit close, fatal error, or a
// BMC-reported session-expired completion.
type sessionRecord struct {
	mu sync.Mutex

	// systemSID is the session ID issued by the managed system; it goes
	// into the session header of every outbound in-session packet.
	systemSID uint32

	// consoleSID is the session ID this console issued; the BMC
	// addresses its responses to it.
	consoleSID uint32

	// suite and keys are the negotiated cipher suite and the keying
	// material derived during RAKP.
	suite CipherSuite
	keys  Keys

	// outboundSeq pairs are the next session sequence numbers for
	// authenticated and unauthenticated outbound packets. Issued under
	// mu so parallel SendCommand calls observe strict monotonicity.
	outboundSeq       uint32
	outboundSeqUnauth uint32

	// inbound windows guard against replayed BMC packets, one per
	// authentication class.
	inbound       replayWindow
	inboundUnauth replayWindow

	// lastActivity is the monotonic timestamp of the most recent valid
	// exchange, used to decide keep-alive urgency.
	lastActivity time.Time
}

// newSessionRecord installs the keys negotiated during the handshake.
func newSessionRecord(consoleSID, systemSID uint32, suite CipherSuite, keys Keys) *sessionRecord {
	return &sessionRecord{
		consoleSID:   consoleSID,
		systemSID:    systemSID,
		suite:        suite,
		keys:         keys,
		lastActivity: time.Now(),
	}
}

// nextSeq issues the next outbound sequence number for the given
// authentication class. Sequence numbers start at 1: zero marks
// sessionless traffic.
func (s *sessionRecord) nextSeq(authenticated bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authenticated {
		s.outboundSeq++
		return s.outboundSeq
	}
	s.outboundSeqUnauth++
	return s.outboundSeqUnauth
}

// acceptInbound runs the replay check for a received sequence number.
func (s *sessionRecord) acceptInbound(seq uint32, authenticated bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authenticated {
		return s.inbound.Accept(seq)
	}
	return s.inboundUnauth.Accept(seq)
}

// touch records session activity.
func (s *sessionRecord) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *sessionRecord) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
