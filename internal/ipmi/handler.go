package ipmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/goipmi/internal/netio"
	"github.com/dantte-lp/goipmi/internal/sched"
)

// DefaultPipelineLimit bounds concurrent in-session commands per
// connection. Handshake traffic is serialised by the state machine;
// only post-handshake commands pipeline.
const DefaultPipelineLimit = 16

// Sender abstracts the messenger's transmit side for tests.
type Sender interface {
	Send(dg netio.Datagram) error
}

// result completes a pending request, driven by the receive path, the
// timeout path, or Close: err on failure, otherwise resp for in-session
// commands, body for sessionless payloads, and neither for a pong.
type result struct {
	resp *CommandResponse
	// body is the raw payload for handshake responses, which are not
	// IPMI command frames.
	body []byte
	err  error
}

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	// key is the correlation key: the session sequence number when the
	// request was sent in-session, else the sessionless tag.
	key uint32

	// sessionless marks which correlation namespace key lives in.
	sessionless bool

	// packet is the sealed datagram, kept for retransmission.
	packet []byte

	retriesLeft int
	timeout     time.Duration
	timer       *sched.Handle

	sentAt time.Time

	// done is buffered so completion never blocks the completer.
	done chan result

	completed bool
}

// Handler correlates outgoing requests with incoming responses for one
// connection: it seals and transmits datagrams, retries on loss, fires
// timeouts, runs the keep-alive, and enforces replay protection.
//
// The handler holds a non-owning reference to its session record; the
// record exists only between RAKP completion and session teardown and
// is mutated exclusively here.
type Handler struct {
	remote  netip.AddrPort
	sender  Sender
	sched   *sched.Scheduler
	metrics MetricsReporter
	logger  *slog.Logger

	// onFatal is the connection's callback for asynchronous session
	// death: integrity failure or keep-alive exhaustion. Invoked from
	// handler or timer-pool goroutines, never with mu held.
	onFatal func(error)

	// onUnsolicited is the connection's callback for valid in-session
	// responses that matched no pending request.
	onUnsolicited func(*CommandResponse)

	mu sync.Mutex
	// pendingSeq indexes in-session requests by session sequence.
	pendingSeq map[uint32]*pendingRequest
	// rqIndex maps the 6-bit rqSeq echoed by the BMC back to the full
	// session sequence. Unambiguous while in-flight count < 64.
	rqIndex map[uint8]uint32
	// pendingTag indexes sessionless requests by message tag.
	pendingTag map[uint8]*pendingRequest

	session *sessionRecord
	closed  bool

	// pipeline bounds concurrent in-session commands.
	pipeline chan struct{}

	keepAlive *sched.Handle
}

// newHandler wires a handler to its transport and timer pool.
func newHandler(
	remote netip.AddrPort,
	sender Sender,
	scheduler *sched.Scheduler,
	metrics MetricsReporter,
	logger *slog.Logger,
	onFatal func(error),
) *Handler {
	return &Handler{
		remote:     remote,
		sender:     sender,
		sched:      scheduler,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "ipmi.handler")),
		onFatal:    onFatal,
		pendingSeq: make(map[uint32]*pendingRequest),
		rqIndex:    make(map[uint8]uint32),
		pendingTag: make(map[uint8]*pendingRequest),
		pipeline:   make(chan struct{}, DefaultPipelineLimit),
	}
}

// installSession activates the keying material negotiated during RAKP.
func (h *Handler) installSession(rec *sessionRecord) {
	h.mu.Lock()
	h.session = rec
	h.mu.Unlock()
}

// dropSession discards the session record.
func (h *Handler) dropSession() {
	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
}

// sessionSnapshot returns the installed session record, if any.
func (h *Handler) sessionSnapshot() *sessionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// sessionActive reports whether a session record is installed.
func (h *Handler) sessionActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// -------------------------------------------------------------------------
// Outbound — Sessionless
// -------------------------------------------------------------------------

// sendSessionless transmits a pre-session payload correlated by tag and
// blocks until the response, the retry budget, or ctx. The tag is
// caller-owned: the manager acquires it before the call and releases it
// after, regardless of outcome.
//
// For PayloadIPMI the payload must be a LAN frame built with rqSeq ==
// tag, so the echoed rqSeq is the correlation key on the way back.
func (h *Handler) sendSessionless(
	ctx context.Context,
	pt PayloadType,
	payload []byte,
	tag uint8,
	timeout time.Duration,
	retries int,
) ([]byte, error) {
	hdr := SessionHeader{Payload: pt}
	pkt, err := sealEnvelope(hdr, payload, CipherSuite{}, Keys{})
	if err != nil {
		return nil, err
	}

	entry := &pendingRequest{
		key:         uint32(tag),
		sessionless: true,
		packet:      pkt,
		retriesLeft: retries,
		timeout:     timeout,
		done:        make(chan result, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	h.pendingTag[tag] = entry
	h.mu.Unlock()

	if err := h.transmit(entry); err != nil {
		h.abandon(entry)
		return nil, err
	}

	res, err := h.await(ctx, entry)
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

// -------------------------------------------------------------------------
// Outbound — In-Session Commands
// -------------------------------------------------------------------------

// sendCommand transmits an IPMI command inside the active session and
// blocks until its response. The correlation key is the session
// sequence number issued for the request; retransmissions reuse it.
func (h *Handler) sendCommand(
	ctx context.Context,
	cmd Command,
	timeout time.Duration,
	retries int,
) (*CommandResponse, error) {
	// Bound pipelining before touching the session so a burst of
	// callers cannot exhaust sequence space ahead of transmission.
	select {
	case h.pipeline <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("pipeline slot: %w: %w", ErrCancelled, ctx.Err())
	}
	defer func() { <-h.pipeline }()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	rec := h.session
	h.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("no active session: %w", ErrIllegalState)
	}

	authenticated := rec.suite.Integrity != IntegrityNone
	seq := rec.nextSeq(authenticated)
	rqSeq := uint8(seq % 64) //nolint:gosec // G115: low six bits by construction

	hdr := SessionHeader{
		Payload:   PayloadIPMI,
		SessionID: rec.systemSID,
		Sequence:  seq,
	}
	pkt, err := sealEnvelope(hdr, marshalCommand(cmd, rqSeq), rec.suite, rec.keys)
	if err != nil {
		return nil, err
	}

	entry := &pendingRequest{
		key:         seq,
		packet:      pkt,
		retriesLeft: retries,
		timeout:     timeout,
		done:        make(chan result, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	h.pendingSeq[seq] = entry
	h.rqIndex[rqSeq] = seq
	h.mu.Unlock()

	if err := h.transmit(entry); err != nil {
		h.abandon(entry)
		return nil, err
	}

	res, err := h.await(ctx, entry)
	if err != nil {
		return nil, err
	}
	rec.touch()
	return res.resp, nil
}

// transmit hands the packet to the messenger and arms the timeout.
func (h *Handler) transmit(entry *pendingRequest) error {
	entry.sentAt = time.Now()
	if err := h.sender.Send(netio.Datagram{Addr: h.remote, Payload: entry.packet}); err != nil {
		if errors.Is(err, netio.ErrTransportClosed) {
			return fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return err
	}
	h.metrics.IncPacketsSent(h.remote)

	timer, err := h.sched.ScheduleAfter(entry.timeout, func() { h.onTimeout(entry) })
	if err != nil {
		return fmt.Errorf("arm timeout: %w", err)
	}

	h.mu.Lock()
	entry.timer = timer
	h.mu.Unlock()

	return nil
}

// await blocks the caller on the completion slot. Context cancellation
// abandons the request; its correlation key is released immediately.
func (h *Handler) await(ctx context.Context, entry *pendingRequest) (result, error) {
	select {
	case res := <-entry.done:
		if res.err != nil {
			return result{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		h.abandon(entry)
		return result{}, fmt.Errorf("await response: %w: %w", ErrCancelled, ctx.Err())
	}
}

// -------------------------------------------------------------------------
// Timeout and Retry
// -------------------------------------------------------------------------

// onTimeout runs on a timer-pool worker when a request's timeout fires.
// While retries remain the packet is retransmitted with the same
// correlation key and a fresh timeout; otherwise the request fails with
// ErrResponseTimeout and its key is released.
func (h *Handler) onTimeout(entry *pendingRequest) {
	h.mu.Lock()
	if entry.completed || h.closed {
		h.mu.Unlock()
		return
	}
	if entry.retriesLeft > 0 {
		entry.retriesLeft--
		h.mu.Unlock()

		h.metrics.IncRetries(h.remote)
		h.logger.Debug("retransmitting request",
			slog.Uint64("key", uint64(entry.key)),
			slog.Int("retries_left", entry.retriesLeft),
		)
		if err := h.transmit(entry); err != nil {
			h.completeErr(entry, err)
		}
		return
	}
	h.mu.Unlock()

	h.completeErr(entry, fmt.Errorf("request key %d: %w", entry.key, ErrResponseTimeout))
}

// completeErr finishes a pending request with an error and releases its
// correlation key.
func (h *Handler) completeErr(entry *pendingRequest, err error) {
	h.mu.Lock()
	if entry.completed {
		h.mu.Unlock()
		return
	}
	entry.completed = true
	h.unlink(entry)
	h.mu.Unlock()

	entry.done <- result{err: err}
}

// abandon releases a request the caller no longer waits for.
func (h *Handler) abandon(entry *pendingRequest) {
	h.mu.Lock()
	entry.completed = true
	h.unlink(entry)
	h.mu.Unlock()
}

// unlink removes the entry from the correlation maps and disarms its
// timer. Caller holds mu.
func (h *Handler) unlink(entry *pendingRequest) {
	if entry.sessionless {
		delete(h.pendingTag, uint8(entry.key)) //nolint:gosec // G115: tags are 0-59
	} else {
		delete(h.pendingSeq, entry.key)
		delete(h.rqIndex, uint8(entry.key%64)) //nolint:gosec // G115: low six bits
	}
	if entry.timer != nil {
		entry.timer.Cancel()
	}
}

// -------------------------------------------------------------------------
// Inbound — Messenger Callback
// -------------------------------------------------------------------------

// HandleDatagram is the messenger subscriber for this connection. It
// runs on the messenger's reader goroutine and must stay non-blocking:
// completion slots are buffered. Unsolicited-response listeners are
// called synchronously on this goroutine.
//
// Datagrams from other endpoints or other connections' sessions are
// ignored, and sessionless datagrams with unknown tags are discarded as
// strays. A valid in-session response that matches no pending request
// goes to the unsolicited-response listeners.
func (h *Handler) HandleDatagram(dg netio.Datagram) {
	if dg.Addr != h.remote {
		return
	}

	h.mu.Lock()
	rec := h.session
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	if class, err := checkRMCPHeader(dg.Payload); err == nil && class == RMCPClassASF {
		h.handlePong(dg.Payload)
		return
	}

	// Decide ownership before any verification: on the shared socket a
	// datagram for another connection's session must be ignored, not
	// fed through this session's keys.
	peek, err := peekSessionHeader(dg.Payload)
	if err != nil {
		h.metrics.IncPacketsDropped(h.remote)
		h.logger.Debug("dropping malformed datagram", slog.String("error", err.Error()))
		return
	}

	if peek.SessionID != 0 {
		if rec == nil || peek.SessionID != rec.consoleSID {
			return
		}
		hdr, body, err := openEnvelope(dg.Payload, rec.suite, rec.keys)
		if err != nil {
			h.inboundError(err)
			return
		}
		h.handleInSession(rec, hdr, body)
		return
	}

	hdr, body, err := openEnvelope(dg.Payload, CipherSuite{}, Keys{})
	if err != nil {
		h.metrics.IncPacketsDropped(h.remote)
		h.logger.Debug("dropping malformed datagram", slog.String("error", err.Error()))
		return
	}
	h.handleSessionless(hdr, body)
}

// inboundError classifies a parse/verify failure. Integrity failures
// on an in-session response are fatal to the session; everything else
// is a dropped stray.
func (h *Handler) inboundError(err error) {
	if errors.Is(err, ErrIntegrityCheckFailed) {
		h.logger.Warn("integrity check failed", slog.String("error", err.Error()))
		h.metrics.IncPacketsDropped(h.remote)
		h.fatal(err)
		return
	}
	h.metrics.IncPacketsDropped(h.remote)
	h.logger.Debug("dropping malformed datagram", slog.String("error", err.Error()))
}

// handleInSession routes an authenticated/encrypted in-session response.
func (h *Handler) handleInSession(rec *sessionRecord, hdr SessionHeader, body []byte) {
	if rec == nil || hdr.SessionID != rec.consoleSID {
		// Another connection's session on the shared socket.
		return
	}

	if !rec.acceptInbound(hdr.Sequence, hdr.Authenticated) {
		h.metrics.IncPacketsDropped(h.remote)
		h.logger.Debug("dropping replayed datagram",
			slog.Uint64("sequence", uint64(hdr.Sequence)),
		)
		return
	}
	rec.touch()

	resp, rqSeq, err := unmarshalResponse(body)
	if err != nil {
		h.metrics.IncPacketsDropped(h.remote)
		h.logger.Debug("dropping unparseable response", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	seq, ok := h.rqIndex[rqSeq]
	var entry *pendingRequest
	if ok {
		entry = h.pendingSeq[seq]
	}
	h.mu.Unlock()

	if entry == nil {
		h.notifyUnsolicited(resp)
		return
	}

	h.metrics.IncPacketsReceived(h.remote)
	h.complete(entry, result{resp: resp})
}

// handleSessionless routes a pre-session response by its message tag.
func (h *Handler) handleSessionless(hdr SessionHeader, body []byte) {
	var tag uint8
	switch hdr.Payload {
	case PayloadOpenSessionResponse, PayloadRakp2, PayloadRakp4:
		if len(body) == 0 {
			h.metrics.IncPacketsDropped(h.remote)
			return
		}
		tag = body[0]
	case PayloadIPMI:
		// Sessionless commands carry the tag as rqSeq.
		_, rqSeq, err := unmarshalResponse(body)
		if err != nil {
			h.metrics.IncPacketsDropped(h.remote)
			return
		}
		tag = rqSeq
	default:
		h.metrics.IncPacketsDropped(h.remote)
		return
	}

	h.mu.Lock()
	entry := h.pendingTag[tag]
	h.mu.Unlock()

	if entry == nil {
		h.metrics.IncPacketsDropped(h.remote)
		h.logger.Debug("dropping stray sessionless datagram", slog.Int("tag", int(tag)))
		return
	}

	h.metrics.IncPacketsReceived(h.remote)
	h.complete(entry, result{body: append([]byte(nil), body...)})
}

// complete finishes a pending request with its response. If the
// timeout fired first the entry is already completed and the response
// is dropped; if the response wins, the timeout finds entry.completed
// set. Either way exactly one of {response, timeout, close} completes
// the slot.
func (h *Handler) complete(entry *pendingRequest, res result) {
	h.mu.Lock()
	if entry.completed {
		h.mu.Unlock()
		return
	}
	entry.completed = true
	h.unlink(entry)
	h.mu.Unlock()

	entry.done <- res
}

// notifyUnsolicited hands a response that matched no pending request to
// the connection's listener path.
func (h *Handler) notifyUnsolicited(resp *CommandResponse) {
	h.logger.Debug("unsolicited response",
		slog.Int("netfn", int(resp.NetFn)),
		slog.Int("cmd", int(resp.Cmd)),
	)
	if h.onUnsolicited != nil {
		h.onUnsolicited(resp)
	}
}

// -------------------------------------------------------------------------
// Presence Ping
// -------------------------------------------------------------------------

// sendPing transmits an ASF Presence Ping correlated by tag and blocks
// until the pong, the retry budget, or ctx.
func (h *Handler) sendPing(
	ctx context.Context,
	tag uint8,
	timeout time.Duration,
	retries int,
) error {
	entry := &pendingRequest{
		key:         uint32(tag),
		sessionless: true,
		packet:      BuildPresencePing(tag),
		retriesLeft: retries,
		timeout:     timeout,
		done:        make(chan result, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrConnectionClosed
	}
	h.pendingTag[tag] = entry
	h.mu.Unlock()

	if err := h.transmit(entry); err != nil {
		h.abandon(entry)
		return err
	}

	_, err := h.await(ctx, entry)
	return err
}

// handlePong completes a pending presence ping.
func (h *Handler) handlePong(raw []byte) {
	tag, err := ParsePresencePong(raw)
	if err != nil {
		h.metrics.IncPacketsDropped(h.remote)
		return
	}

	h.mu.Lock()
	entry := h.pendingTag[tag]
	h.mu.Unlock()
	if entry == nil {
		return
	}

	h.metrics.IncPacketsReceived(h.remote)
	h.complete(entry, result{})
}

// -------------------------------------------------------------------------
// Keep-Alive
// -------------------------------------------------------------------------

// startKeepAlive schedules the periodic no-op that prevents BMC-side
// session expiry. Get Channel Authentication Capabilities is valid at
// any privilege level and touches no session state, which makes it the
// conventional keep-alive.
//
// A keep-alive failure is fatal only after the command's own retry
// budget is exhausted; a single lost datagram never kills the session.
func (h *Handler) startKeepAlive(
	period, timeout time.Duration,
	retries int,
	privilege PrivilegeLevel,
) error {
	// inFlight admits one keep-alive at a time: a tick that fires while
	// the previous keep-alive is still waiting out its retries is skipped,
	// so stacked keep-alives cannot occupy the pool workers that run their
	// own timeouts.
	inFlight := make(chan struct{}, 1)
	handle, err := h.sched.ScheduleAtFixedRate(period, func() {
		if !h.sessionActive() {
			return
		}
		select {
		case inFlight <- struct{}{}:
		default:
			return
		}
		defer func() { <-inFlight }()
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(retries+1)*timeout+timeout)
		defer cancel()

		_, err := h.sendCommand(ctx, NewGetChannelAuthCapsCommand(privilege), timeout, retries)
		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			h.metrics.IncKeepAliveFailures(h.remote)
			h.fatal(fmt.Errorf("keep-alive: %w", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule keep-alive: %w", err)
	}

	h.mu.Lock()
	h.keepAlive = handle
	h.mu.Unlock()
	return nil
}

// stopKeepAlive cancels the periodic task.
func (h *Handler) stopKeepAlive() {
	h.mu.Lock()
	ka := h.keepAlive
	h.keepAlive = nil
	h.mu.Unlock()

	if ka != nil {
		ka.Cancel()
	}
}

// fatal reports asynchronous session death to the connection. Every
// call invokes onFatal; the connection's state machine absorbs repeats
// once it is in Failed.
func (h *Handler) fatal(err error) {
	if h.onFatal != nil {
		h.onFatal(err)
	}
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// close completes every pending request with err and stops the
// keep-alive. Subsequent sends fail with ErrConnectionClosed.
func (h *Handler) close(err error) {
	h.stopKeepAlive()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	var entries []*pendingRequest
	for _, e := range h.pendingSeq {
		entries = append(entries, e)
	}
	for _, e := range h.pendingTag {
		entries = append(entries, e)
	}
	h.pendingSeq = make(map[uint32]*pendingRequest)
	h.rqIndex = make(map[uint8]uint32)
	h.pendingTag = make(map[uint8]*pendingRequest)

	for _, e := range entries {
		e.completed = true
		if e.timer != nil {
			e.timer.Cancel()
		}
	}
	h.session = nil
	h.mu.Unlock()

	for _, e := range entries {
		e.done <- result{err: err}
	}
}
