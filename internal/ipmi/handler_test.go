package ipmi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/goipmi/internal/netio"
	"github.com/dantte-lp/goipmi/internal/sched"
)

// The handler is unexported; these tests live in-package and drive it
// through a scripted sender standing in for the messenger.

// testRemote is the fixed managed-system endpoint for handler tests.
var testRemote = netip.MustParseAddrPort("192.0.2.10:623")

// discardLogger silences handler logging in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSender captures outbound datagrams and optionally feeds a
// scripted response back into the handler.
type scriptedSender struct {
	mu      sync.Mutex
	packets [][]byte

	// respond, when non-nil, is invoked synchronously for each sent
	// datagram; a non-nil return is delivered to the handler.
	respond func(sent []byte) []byte

	handler *Handler
}

func (s *scriptedSender) Send(dg netio.Datagram) error {
	s.mu.Lock()
	cp := append([]byte(nil), dg.Payload...)
	s.packets = append(s.packets, cp)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		if reply := respond(cp); reply != nil {
			s.handler.HandleDatagram(netio.Datagram{Addr: testRemote, Payload: reply})
		}
	}
	return nil
}

func (s *scriptedSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

// newTestHandler builds a handler on a fresh scheduler, cleaned up with
// the test.
func newTestHandler(t *testing.T, onFatal func(error)) (*Handler, *scriptedSender) {
	t.Helper()

	scheduler := sched.New(2, discardLogger())
	t.Cleanup(scheduler.Close)

	sender := &scriptedSender{}
	h := newHandler(testRemote, sender, scheduler, noopMetrics{}, discardLogger(), onFatal)
	sender.handler = h
	t.Cleanup(func() { h.close(ErrConnectionClosed) })

	return h, sender
}

// installTestSession installs a suite-3 session with deterministic keys
// and returns the record.
func installTestSession(t *testing.T, h *Handler) *sessionRecord {
	t.Helper()

	suite, err := SuiteByID(3)
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeys(t, suite)
	rec := newSessionRecord(0x164, 0xAABBCCDD, suite, keys)
	h.installSession(rec)
	return rec
}

// bmcResponder returns a respond function emulating a BMC answering
// every in-session command with CompletionOK and the given data,
// using its own increasing outbound sequence.
func bmcResponder(t *testing.T, rec *sessionRecord, data []byte) func([]byte) []byte {
	t.Helper()

	var mu sync.Mutex
	bmcSeq := uint32(0)

	return func(sent []byte) []byte {
		hdr, body, err := openEnvelope(sent, rec.suite, rec.keys)
		if err != nil || hdr.Payload != PayloadIPMI {
			return nil
		}
		rqSeq := body[4] >> 2
		cmd := body[5]

		mu.Lock()
		bmcSeq++
		seq := bmcSeq
		mu.Unlock()

		frame := buildResponseFrame(NetFnApp, cmd, rqSeq, CompletionOK, data)
		reply, err := sealEnvelope(SessionHeader{
			Payload:   PayloadIPMI,
			SessionID: rec.consoleSID,
			Sequence:  seq,
		}, frame, rec.suite, rec.keys)
		if err != nil {
			t.Errorf("seal reply: %v", err)
			return nil
		}
		return reply
	}
}

// -------------------------------------------------------------------------
// Retry and Timeout
// -------------------------------------------------------------------------

// TestHandlerTimeoutExhaustsRetries verifies that a silent wire
// produces the initial send plus every retry, then ErrResponseTimeout,
// and that the correlation key is released.
func TestHandlerTimeoutExhaustsRetries(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t, nil)

	_, err := h.sendSessionless(
		context.Background(), PayloadOpenSessionRequest,
		(&OpenSessionRequest{MessageTag: 9}).Marshal(), 9,
		50*time.Millisecond, 2,
	)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}

	if got := sender.sentCount(); got != 3 {
		t.Errorf("sent %d datagrams, want 3 (initial + 2 retries)", got)
	}

	h.mu.Lock()
	_, pending := h.pendingTag[9]
	h.mu.Unlock()
	if pending {
		t.Error("tag still pending after retry exhaustion")
	}
}

// TestHandlerResponseBeatsRetry verifies a response arriving before the
// timeout completes the request on the first transmission.
func TestHandlerResponseBeatsRetry(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t, nil)
	sender.respond = func(sent []byte) []byte {
		hdr, body, err := openEnvelope(sent, CipherSuite{}, Keys{})
		if err != nil || hdr.Payload != PayloadOpenSessionRequest {
			return nil
		}
		req, err := UnmarshalOpenSessionRequest(body)
		if err != nil {
			return nil
		}
		resp := &OpenSessionResponse{
			MessageTag: req.MessageTag,
			Status:     RakpStatusNoErrors,
			ConsoleSID: req.ConsoleSID,
			SystemSID:  0xAABBCCDD,
			Suite:      req.Suite,
		}
		reply, _ := sealEnvelope(SessionHeader{Payload: PayloadOpenSessionResponse},
			resp.Marshal(), CipherSuite{}, Keys{})
		return reply
	}

	suite, _ := SuiteByID(3)
	body, err := h.sendSessionless(
		context.Background(), PayloadOpenSessionRequest,
		(&OpenSessionRequest{MessageTag: 5, ConsoleSID: 100, Suite: suite}).Marshal(), 5,
		time.Second, 3,
	)
	if err != nil {
		t.Fatalf("sendSessionless: %v", err)
	}

	osr, err := UnmarshalOpenSessionResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if osr.SystemSID != 0xAABBCCDD {
		t.Errorf("system SID = %#x", osr.SystemSID)
	}
	if got := sender.sentCount(); got != 1 {
		t.Errorf("sent %d datagrams, want 1", got)
	}
}

// TestHandlerStrayTagDiscarded verifies a sessionless response with an
// unknown tag completes nothing.
func TestHandlerStrayTagDiscarded(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)

	resp := &OpenSessionResponse{MessageTag: 33, Status: RakpStatusNoErrors,
		Suite: CipherSuite{}}
	reply, _ := sealEnvelope(SessionHeader{Payload: PayloadOpenSessionResponse},
		resp.Marshal(), CipherSuite{}, Keys{})

	// Must not panic or complete anything.
	h.HandleDatagram(netio.Datagram{Addr: testRemote, Payload: reply})

	h.mu.Lock()
	n := len(h.pendingTag)
	h.mu.Unlock()
	if n != 0 {
		t.Errorf("pending tags = %d", n)
	}
}

// -------------------------------------------------------------------------
// In-Session Correlation
// -------------------------------------------------------------------------

// TestHandlerInSessionCommand round-trips one command through the full
// suite-3 envelope: encryption, integrity, replay window, correlation.
func TestHandlerInSessionCommand(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t, nil)
	rec := installTestSession(t, h)
	sender.respond = bmcResponder(t, rec, []byte{0x01, 0x02})

	resp, err := h.sendCommand(context.Background(), NewGetDeviceIDCommand(),
		time.Second, 1)
	if err != nil {
		t.Fatalf("sendCommand: %v", err)
	}
	if resp.Completion != CompletionOK || len(resp.Data) != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

// TestHandlerReplayedResponseDropped verifies a duplicated BMC sequence
// is discarded by the replay window instead of completing a request.
func TestHandlerReplayedResponseDropped(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t, nil)
	rec := installTestSession(t, h)

	var replay []byte
	sender.respond = func(sent []byte) []byte {
		hdr, body, err := openEnvelope(sent, rec.suite, rec.keys)
		if err != nil || hdr.Payload != PayloadIPMI {
			return nil
		}
		rqSeq := body[4] >> 2

		if replay != nil {
			// Second command: replay the first response verbatim.
			// Its sequence is already marked seen and its rqSeq stale.
			return replay
		}
		frame := buildResponseFrame(NetFnApp, body[5], rqSeq, CompletionOK, nil)
		reply, _ := sealEnvelope(SessionHeader{
			Payload:   PayloadIPMI,
			SessionID: rec.consoleSID,
			Sequence:  1,
		}, frame, rec.suite, rec.keys)
		replay = reply
		return reply
	}

	if _, err := h.sendCommand(context.Background(), NewGetDeviceIDCommand(),
		time.Second, 0); err != nil {
		t.Fatalf("first command: %v", err)
	}

	_, err := h.sendCommand(context.Background(), NewGetDeviceIDCommand(),
		60*time.Millisecond, 0)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("replayed response err = %v, want ErrResponseTimeout", err)
	}
}

// TestHandlerPipelinedCommands submits a batch of commands from
// parallel callers and verifies strict sequence monotonicity on the
// wire plus per-caller response matching.
func TestHandlerPipelinedCommands(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t, nil)
	rec := installTestSession(t, h)

	// Echo the request's rqSeq back in the response data so each caller
	// can verify it got its own response.
	sender.respond = func(sent []byte) []byte {
		hdr, body, err := openEnvelope(sent, rec.suite, rec.keys)
		if err != nil || hdr.Payload != PayloadIPMI {
			return nil
		}
		rqSeq := body[4] >> 2
		frame := buildResponseFrame(NetFnApp, body[5], rqSeq, CompletionOK, []byte{rqSeq})
		reply, _ := sealEnvelope(SessionHeader{
			Payload:   PayloadIPMI,
			SessionID: rec.consoleSID,
			Sequence:  hdr.Sequence, // unique per request, fresh for the window
		}, frame, rec.suite, rec.keys)
		return reply
	}

	const total = 32

	var wg sync.WaitGroup
	for range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.sendCommand(context.Background(), NewGetDeviceIDCommand(),
				2*time.Second, 0)
			if err != nil {
				t.Errorf("sendCommand: %v", err)
				return
			}
			if len(resp.Data) != 1 {
				t.Errorf("resp data %x", resp.Data)
			}
		}()
	}
	wg.Wait()

	// Parse every sent datagram and require strictly increasing
	// outbound session sequence numbers.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.packets) != total {
		t.Fatalf("sent %d datagrams, want %d", len(sender.packets), total)
	}
	seen := make(map[uint32]struct{}, total)
	for _, pkt := range sender.packets {
		hdr, err := peekSessionHeader(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[hdr.Sequence]; dup {
			t.Errorf("duplicate outbound sequence %d", hdr.Sequence)
		}
		seen[hdr.Sequence] = struct{}{}
	}
	for seq := uint32(1); seq <= total; seq++ {
		if _, ok := seen[seq]; !ok {
			t.Errorf("missing outbound sequence %d", seq)
		}
	}
}

// -------------------------------------------------------------------------
// Keep-Alive
// -------------------------------------------------------------------------

// TestHandlerKeepAlive verifies periodic no-ops flow while the session
// is valid and that answered keep-alives never trip the fatal path.
func TestHandlerKeepAlive(t *testing.T) {
	t.Parallel()

	var fatalMu sync.Mutex
	var fatalErr error
	h, sender := newTestHandler(t, func(err error) {
		fatalMu.Lock()
		fatalErr = err
		fatalMu.Unlock()
	})
	rec := installTestSession(t, h)
	sender.respond = bmcResponder(t, rec, make([]byte, 8))

	if err := h.startKeepAlive(50*time.Millisecond, time.Second, 0, PrivilegeUser); err != nil {
		t.Fatal(err)
	}

	time.Sleep(260 * time.Millisecond)
	h.stopKeepAlive()

	if got := sender.sentCount(); got < 4 {
		t.Errorf("keep-alives sent = %d, want >= 4", got)
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		t.Errorf("fatal fired: %v", fatalErr)
	}
	if !h.sessionActive() {
		t.Error("session dropped during keep-alive")
	}
}

// TestHandlerKeepAliveFailureIsFatal verifies a dead wire kills the
// session only after the keep-alive's own retry budget.
func TestHandlerKeepAliveFailureIsFatal(t *testing.T) {
	t.Parallel()

	fatal := make(chan error, 1)
	h, _ := newTestHandler(t, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	installTestSession(t, h)

	if err := h.startKeepAlive(30*time.Millisecond, 20*time.Millisecond, 1, PrivilegeUser); err != nil {
		t.Fatal(err)
	}
	defer h.stopKeepAlive()

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrResponseTimeout) {
			t.Errorf("fatal err = %v, want ErrResponseTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive failure never reported")
	}
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// TestHandlerCloseCompletesPending verifies close fails every pending
// request with the close error.
func TestHandlerCloseCompletesPending(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, nil)
	installTestSession(t, h)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.sendCommand(context.Background(), NewGetDeviceIDCommand(),
			time.Minute, 0)
		errCh <- err
	}()

	// Wait for the request to register before closing.
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.pendingSeq)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(time.Millisecond)
	}

	h.close(ErrConnectionClosed)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not completed by close")
	}
}
