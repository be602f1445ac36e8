package ipmi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/goipmi/internal/sched"
)

// Credentials identify the console to the managed system.
type Credentials struct {
	// Username is the IPMI user name, at most MaxUsernameLen bytes.
	Username string

	// Password is the user key (K_uid).
	Password []byte

	// BMCKey is the optional K_g key. When the BMC reports K_g set,
	// session key derivation uses it in place of the password.
	BMCKey []byte

	// PrivilegeLookup requests (name, privilege) pair user lookup in
	// RAKP Message 1. The default, false, sets the name-only lookup
	// flag in the role byte, which is what most BMC user tables expect.
	PrivilegeLookup bool
}

// connectionSettings are the per-connection knobs the manager seeds
// from configuration.
type connectionSettings struct {
	pingPeriod     time.Duration
	requestTimeout time.Duration
	retries        int
}

// Connection is a thin facade binding one session state machine and one
// message handler to a remote managed system.
//
// Connection is the sole owner of both: the handler and the machine
// hold only non-owning references back, invalidated when the connection
// is torn down. Each handshake method is valid only in the state
// dictated by its protocol position and fails with ErrIllegalState
// without touching the wire otherwise.
type Connection struct {
	handle int
	remote netip.AddrPort

	handler *Handler
	sidGen  *SessionIDGenerator
	metrics MetricsReporter
	logger  *slog.Logger

	settings connectionSettings

	stateMu sync.Mutex
	state   State

	// creds, suite, and privilege are captured when the handshake runs
	// so a future session re-establishment reuses them.
	creds      Credentials
	suite      CipherSuite
	privilege  PrivilegeLevel
	consoleSID uint32

	listenerMu sync.Mutex
	listeners  []ConnectionListener

	closeOnce sync.Once
}

// newConnection builds a connection bound to remote. The caller
// subscribes the returned handler to the shared messenger.
func newConnection(
	handle int,
	remote netip.AddrPort,
	sender Sender,
	scheduler *sched.Scheduler,
	sidGen *SessionIDGenerator,
	metrics MetricsReporter,
	logger *slog.Logger,
	settings connectionSettings,
) *Connection {
	c := &Connection{
		handle:   handle,
		remote:   remote,
		sidGen:   sidGen,
		metrics:  metrics,
		settings: settings,
		state:    StateUninitialized,
		logger: logger.With(
			slog.Int("handle", handle),
			slog.String("remote", remote.String()),
		),
	}
	c.handler = newHandler(remote, sender, scheduler, metrics, c.logger, c.onFatal)
	c.handler.onUnsolicited = c.notifyUnsolicited
	return c
}

// Handle returns the manager-assigned connection handle.
func (c *Connection) Handle() int { return c.handle }

// Remote returns the managed system's endpoint.
func (c *Connection) Remote() netip.AddrPort { return c.remote }

// State returns the current session state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// snapshot copies the connection's observable state for Manager.Sessions.
func (c *Connection) snapshot() ConnectionSnapshot {
	s := ConnectionSnapshot{
		Handle: c.handle,
		Remote: c.remote,
		State:  c.State(),
	}
	if rec := c.handler.sessionSnapshot(); rec != nil {
		s.SessionActive = true
		s.LastActivity = rec.LastActivity()
	}
	return s
}

// RegisterListener adds a lifecycle listener.
func (c *Connection) RegisterListener(l ConnectionListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// -------------------------------------------------------------------------
// State Machine Application
// -------------------------------------------------------------------------

// applyEvent runs the state machine and executes transition
// side-effects: logging, metrics, and failure cleanup. cause, when
// non-nil, is the underlying error reported to listeners on a
// transition into Failed.
func (c *Connection) applyEvent(event Event, cause error) error {
	c.stateMu.Lock()
	res := Apply(c.state, event)
	c.state = res.NewState
	c.stateMu.Unlock()

	if res.Changed {
		c.logger.Debug("session state changed",
			slog.String("old_state", res.OldState.String()),
			slog.String("new_state", res.NewState.String()),
			slog.String("event", event.String()),
		)
		c.metrics.RecordStateTransition(c.remote, res.OldState.String(), res.NewState.String())
	}

	if res.NewState == StateFailed && res.Changed {
		err := cause
		if err == nil {
			err = res.Err
		}
		c.failSession(err)
	}

	return res.Err
}

// requireState checks the machine position before a handshake call.
func (c *Connection) requireState(want State) error {
	if got := c.State(); got != want {
		return fmt.Errorf("state %s, need %s: %w", got, want, ErrIllegalState)
	}
	return nil
}

// failSession tears down session state after a transition into Failed.
func (c *Connection) failSession(cause error) {
	c.handler.stopKeepAlive()
	c.handler.dropSession()
	c.releaseSID()
	c.metrics.IncHandshakeFailures(c.remote)
	c.logger.Warn("session failed", slog.String("error", errString(cause)))
	c.notifySessionFailed(cause)
}

// onFatal is the handler's callback for asynchronous session death.
func (c *Connection) onFatal(err error) {
	c.applyEvent(EventProtocolError, err) //nolint:errcheck // transition into Failed carries err already
}

// releaseSID returns the console session ID, if any, to the generator.
func (c *Connection) releaseSID() {
	c.stateMu.Lock()
	sid := c.consoleSID
	c.consoleSID = 0
	c.stateMu.Unlock()
	if sid != 0 {
		c.sidGen.Release(sid)
	}
}

// -------------------------------------------------------------------------
// Discovery Stages
// -------------------------------------------------------------------------

// Ping sends an ASF Presence Ping and waits for the pong. Valid only in
// Uninitialized and CiphersRetrieved; it does not advance the machine.
func (c *Connection) Ping(ctx context.Context, tag uint8) error {
	if s := c.State(); s != StateUninitialized && s != StateCiphersRetrieved {
		return fmt.Errorf("ping in state %s: %w", s, ErrIllegalState)
	}
	return c.handler.sendPing(ctx, tag, c.settings.requestTimeout, c.settings.retries)
}

// GetAvailableCipherSuites retrieves the BMC's supported cipher suites.
// Valid only in Uninitialized; on success the connection advances to
// CiphersRetrieved.
func (c *Connection) GetAvailableCipherSuites(ctx context.Context, tag uint8) ([]CipherSuite, error) {
	if err := c.requireState(StateUninitialized); err != nil {
		return nil, err
	}

	// The record data arrives in 16-byte chunks addressed by list index.
	var records []byte
	for index := uint8(0); ; index++ {
		resp, err := c.sessionlessCommand(ctx, NewGetChannelCipherSuitesCommand(index), tag)
		if err != nil {
			return nil, c.failHandshake(err)
		}
		if err := resp.Completion.Check(); err != nil {
			return nil, c.failHandshake(err)
		}
		if len(resp.Data) <= 1 {
			break
		}
		// First data byte echoes the channel number.
		records = append(records, resp.Data[1:]...)
		if len(resp.Data)-1 < 16 {
			break
		}
	}

	suites := ParseCipherSuiteRecords(records)

	if err := c.applyEvent(EventDefault, nil); err != nil {
		return nil, err
	}
	c.logger.Info("cipher suites retrieved", slog.Int("count", len(suites)))
	return suites, nil
}

// GetChannelAuthenticationCapabilities queries authentication support
// for the requested privilege level. Valid only in CiphersRetrieved; on
// success the connection advances to AuthCapabilitiesReceived.
func (c *Connection) GetChannelAuthenticationCapabilities(
	ctx context.Context,
	tag uint8,
	suite CipherSuite,
	privilege PrivilegeLevel,
) (*AuthCapabilities, error) {
	if err := c.requireState(StateCiphersRetrieved); err != nil {
		return nil, err
	}

	resp, err := c.sessionlessCommand(ctx, NewGetChannelAuthCapsCommand(privilege), tag)
	if err != nil {
		return nil, c.failHandshake(err)
	}
	if err := resp.Completion.Check(); err != nil {
		return nil, c.failHandshake(err)
	}

	caps, err := ParseAuthCapabilities(resp.Data)
	if err != nil {
		return nil, c.failHandshake(err)
	}
	if !caps.IPMI20 {
		return nil, c.failHandshake(fmt.Errorf("managed system does not support RMCP+: %w", ErrAuthenticationFailed))
	}

	c.stateMu.Lock()
	c.suite = suite
	c.privilege = privilege
	c.stateMu.Unlock()

	if err := c.applyEvent(EventAuthCapabilitiesReceived, nil); err != nil {
		return nil, err
	}
	return caps, nil
}

// sessionlessCommand frames an IPMI command with rqSeq == tag and sends
// it outside of a session.
func (c *Connection) sessionlessCommand(ctx context.Context, cmd Command, tag uint8) (*CommandResponse, error) {
	body, err := c.handler.sendSessionless(
		ctx, PayloadIPMI, marshalCommand(cmd, tag), tag,
		c.settings.requestTimeout, c.settings.retries,
	)
	if err != nil {
		return nil, err
	}
	resp, _, err := unmarshalResponse(body)
	return resp, err
}

// failHandshake drives the machine to Failed for a handshake-stage
// error, unless the error is the caller's own cancellation, which
// leaves the state unchanged. A response timeout is applied as
// EventTimeout and any other error as EventProtocolError; both land in
// Failed.
func (c *Connection) failHandshake(err error) error {
	switch {
	case isCancelled(err):
		return err
	case isTimeout(err):
		c.applyEvent(EventTimeout, err) //nolint:errcheck // Failed transition carries err
		return err
	default:
		c.applyEvent(EventProtocolError, err) //nolint:errcheck // Failed transition carries err
		return err
	}
}

// -------------------------------------------------------------------------
// Session Establishment — RMCP+ Open Session + RAKP 1-4
// -------------------------------------------------------------------------

// StartSession runs the RMCP+ open-session and RAKP exchange. Valid
// only in AuthCapabilitiesReceived; on success the connection is in
// SessionValid with keys installed and the keep-alive armed.
func (c *Connection) StartSession(
	ctx context.Context,
	tag uint8,
	suite CipherSuite,
	privilege PrivilegeLevel,
	creds Credentials,
) error {
	if err := c.requireState(StateAuthCapabilitiesReceived); err != nil {
		return err
	}
	if len(creds.Username) > MaxUsernameLen {
		return fmt.Errorf("username %d bytes: %w", len(creds.Username), ErrIllegalState)
	}

	c.stateMu.Lock()
	c.creds = creds
	c.suite = suite
	c.privilege = privilege
	c.stateMu.Unlock()

	consoleSID := c.sidGen.Next()
	c.stateMu.Lock()
	c.consoleSID = consoleSID
	c.stateMu.Unlock()

	osr, err := c.openSession(ctx, tag, suite, privilege, consoleSID)
	if err != nil {
		return err
	}

	keys, err := c.rakpExchange(ctx, tag, osr, creds, privilege)
	if err != nil {
		return err
	}

	rec := newSessionRecord(consoleSID, osr.SystemSID, suite, keys)
	c.handler.installSession(rec)

	if err := c.applyEvent(EventRakp4Ack, nil); err != nil {
		return err
	}

	if err := c.afterSessionUp(ctx, privilege); err != nil {
		return err
	}

	c.logger.Info("session established",
		slog.String("suite", suite.String()),
		slog.String("privilege", privilege.String()),
	)
	c.notifySessionEstablished()
	return nil
}

// openSession performs the RMCP+ Open Session Request/Response stage.
func (c *Connection) openSession(
	ctx context.Context,
	tag uint8,
	suite CipherSuite,
	privilege PrivilegeLevel,
	consoleSID uint32,
) (*OpenSessionResponse, error) {
	req := &OpenSessionRequest{
		MessageTag: tag,
		Privilege:  privilege,
		ConsoleSID: consoleSID,
		Suite:      suite,
	}

	if err := c.applyEvent(EventDefault, nil); err != nil {
		return nil, err
	}

	body, err := c.handler.sendSessionless(
		ctx, PayloadOpenSessionRequest, req.Marshal(), tag,
		c.settings.requestTimeout, c.settings.retries,
	)
	if err != nil {
		return nil, c.failHandshake(err)
	}

	osr, err := UnmarshalOpenSessionResponse(body)
	if err != nil {
		return nil, c.failHandshake(err)
	}
	if err := osr.Status.Check(); err != nil {
		return nil, c.failHandshake(fmt.Errorf("open session response: %w", err))
	}
	if osr.ConsoleSID != consoleSID {
		return nil, c.failHandshake(fmt.Errorf(
			"console session ID 0x%08x, sent 0x%08x: %w",
			osr.ConsoleSID, consoleSID, ErrProtocolViolation,
		))
	}
	if osr.Suite.Auth != suite.Auth || osr.Suite.Integrity != suite.Integrity || osr.Suite.Conf != suite.Conf {
		return nil, c.failHandshake(fmt.Errorf(
			"negotiated suite %s, proposed %s: %w", osr.Suite, suite, ErrProtocolViolation,
		))
	}

	if err := c.applyEvent(EventOpenSessionAck, nil); err != nil {
		return nil, err
	}
	return osr, nil
}

// rakpExchange performs RAKP Messages 1 through 4 and returns the
// derived session keys.
func (c *Connection) rakpExchange(
	ctx context.Context,
	tag uint8,
	osr *OpenSessionResponse,
	creds Credentials,
	privilege PrivilegeLevel,
) (Keys, error) {
	suite := c.suite

	r1 := &Rakp1{
		MessageTag:      tag,
		SystemSID:       osr.SystemSID,
		Privilege:       privilege,
		PrivilegeLookup: creds.PrivilegeLookup,
		Username:        creds.Username,
	}
	if _, err := rand.Read(r1.ConsoleNonce[:]); err != nil {
		return Keys{}, c.failHandshake(fmt.Errorf("generate console nonce: %w", err))
	}

	if err := c.applyEvent(EventDefault, nil); err != nil {
		return Keys{}, err
	}

	body, err := c.handler.sendSessionless(
		ctx, PayloadRakp1, r1.Marshal(), tag,
		c.settings.requestTimeout, c.settings.retries,
	)
	if err != nil {
		return Keys{}, c.failHandshake(err)
	}

	r2, err := UnmarshalRakp2(body)
	if err != nil {
		return Keys{}, c.failHandshake(err)
	}
	if err := r2.Status.Check(); err != nil {
		return Keys{}, c.failHandshake(fmt.Errorf("rakp2: %w", err))
	}
	if r2.ConsoleSID != osr.ConsoleSID {
		return Keys{}, c.failHandshake(fmt.Errorf(
			"rakp2 console session ID 0x%08x: %w", r2.ConsoleSID, ErrProtocolViolation,
		))
	}
	if err := c.verifyRakp2(r1, r2, osr, creds); err != nil {
		return Keys{}, c.failHandshake(err)
	}

	if err := c.applyEvent(EventRakp2Ack, nil); err != nil {
		return Keys{}, err
	}

	keys := suite.DeriveKeys(
		creds.Password, creds.BMCKey,
		r2.SystemNonce[:], r1.ConsoleNonce[:],
		r1.RoleByte(), creds.Username,
	)

	r3 := &Rakp3{
		MessageTag: tag,
		Status:     RakpStatusNoErrors,
		SystemSID:  osr.SystemSID,
	}
	if suite.Auth != AuthNone {
		r3.AuthCode = suite.Auth.Mac(creds.Password,
			Rakp3AuthInput(osr.ConsoleSID, r2.SystemNonce[:], r1.RoleByte(), creds.Username))
	}

	if err := c.applyEvent(EventDefault, nil); err != nil {
		return Keys{}, err
	}

	body, err = c.handler.sendSessionless(
		ctx, PayloadRakp3, r3.Marshal(), tag,
		c.settings.requestTimeout, c.settings.retries,
	)
	if err != nil {
		return Keys{}, c.failHandshake(err)
	}

	r4, err := UnmarshalRakp4(body)
	if err != nil {
		return Keys{}, c.failHandshake(err)
	}
	if err := r4.Status.Check(); err != nil {
		return Keys{}, c.failHandshake(fmt.Errorf("rakp4: %w", err))
	}
	if r4.ConsoleSID != osr.ConsoleSID {
		return Keys{}, c.failHandshake(fmt.Errorf(
			"rakp4 console session ID 0x%08x: %w", r4.ConsoleSID, ErrProtocolViolation,
		))
	}
	if suite.Auth != AuthNone {
		want := suite.Auth.Mac(keys.SIK,
			Rakp4ICVInput(osr.SystemSID, r1.ConsoleNonce[:], r2.SystemGUID[:]))[:suite.Auth.ICVSize()]
		if !hmac.Equal(r4.ICV, want) {
			return Keys{}, c.failHandshake(fmt.Errorf(
				"rakp4 integrity check value mismatch: %w", ErrAuthenticationFailed,
			))
		}
	}

	return keys, nil
}

// verifyRakp2 checks the managed system's proof of the shared secret.
func (c *Connection) verifyRakp2(
	r1 *Rakp1,
	r2 *Rakp2,
	osr *OpenSessionResponse,
	creds Credentials,
) error {
	if c.suite.Auth == AuthNone {
		return nil
	}
	want := c.suite.Auth.Mac(creds.Password, Rakp2AuthInput(
		osr.ConsoleSID, osr.SystemSID,
		r1.ConsoleNonce[:], r2.SystemNonce[:], r2.SystemGUID[:],
		r1.RoleByte(), creds.Username,
	))
	if !hmac.Equal(r2.AuthCode, want) {
		return fmt.Errorf("rakp2 key exchange authentication code mismatch: %w", ErrAuthenticationFailed)
	}
	return nil
}

// afterSessionUp raises the session privilege when requested and arms
// the keep-alive.
func (c *Connection) afterSessionUp(ctx context.Context, privilege PrivilegeLevel) error {
	if privilege > PrivilegeUser {
		resp, err := c.handler.sendCommand(
			ctx, NewSetSessionPrivilegeCommand(privilege),
			c.settings.requestTimeout, c.settings.retries,
		)
		if err != nil {
			return c.failHandshake(fmt.Errorf("set session privilege: %w", err))
		}
		if err := resp.Completion.Check(); err != nil {
			return c.failHandshake(fmt.Errorf("set session privilege: %w", err))
		}
	}

	if c.settings.pingPeriod > 0 {
		if err := c.handler.startKeepAlive(
			c.settings.pingPeriod, c.settings.requestTimeout,
			c.settings.retries, PrivilegeUser,
		); err != nil {
			return err
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// In-Session Commands
// -------------------------------------------------------------------------

// SendCommand submits an IPMI command inside the active session and
// blocks until its response completes. Valid only in SessionValid.
// A BMC-reported invalid-session completion tears the session down and
// surfaces ErrSessionExpired.
func (c *Connection) SendCommand(ctx context.Context, cmd Command) (*CommandResponse, error) {
	if err := c.requireState(StateSessionValid); err != nil {
		return nil, err
	}

	resp, err := c.handler.sendCommand(ctx, cmd, c.settings.requestTimeout, c.settings.retries)
	if err != nil {
		return nil, err
	}

	if resp.Completion == CompletionInvalidSessionID {
		err := resp.Completion.Check()
		c.applyEvent(EventProtocolError, err) //nolint:errcheck // Failed transition carries err
		return nil, err
	}

	return resp, nil
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// Disconnect closes the connection. While a session is valid a Close
// Session command is sent best-effort before local teardown; pending
// requests complete with ErrConnectionClosed. Disconnect is idempotent.
func (c *Connection) Disconnect(ctx context.Context) {
	c.closeOnce.Do(func() { c.disconnect(ctx) })
}

func (c *Connection) disconnect(ctx context.Context) {
	c.handler.stopKeepAlive()

	state := c.State()
	sysSID := uint32(0)
	if state == StateSessionValid {
		if rec := c.handler.sessionSnapshot(); rec != nil {
			sysSID = rec.systemSID
		}
	}

	if err := c.applyEvent(EventSessionCloseRequested, nil); err == nil && state == StateSessionValid && sysSID != 0 {
		// Best-effort Close Session; the session dies locally either way.
		if _, err := c.handler.sendCommand(
			ctx, NewCloseSessionCommand(sysSID),
			c.settings.requestTimeout, 0,
		); err != nil {
			c.logger.Debug("close session command failed", slog.String("error", err.Error()))
		}
	}

	c.handler.dropSession()
	c.handler.close(ErrConnectionClosed)
	c.releaseSID()

	// Drive SessionClosing (or any pre-session close) to Closed.
	if !c.State().Terminal() {
		c.applyEvent(EventDefault, nil) //nolint:errcheck // close path is best-effort
	}

	c.logger.Info("connection closed")
	c.notifySessionClosed()
}

// -------------------------------------------------------------------------
// Listener Notifications
// -------------------------------------------------------------------------

func (c *Connection) snapshotListeners() []ConnectionListener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return append([]ConnectionListener(nil), c.listeners...)
}

func (c *Connection) notifySessionEstablished() {
	for _, l := range c.snapshotListeners() {
		l.SessionEstablished(c.handle)
	}
}

func (c *Connection) notifySessionClosed() {
	for _, l := range c.snapshotListeners() {
		l.SessionClosed(c.handle)
	}
}

func (c *Connection) notifySessionFailed(err error) {
	for _, l := range c.snapshotListeners() {
		l.SessionFailed(c.handle, err)
	}
}

func (c *Connection) notifyUnsolicited(resp *CommandResponse) {
	for _, l := range c.snapshotListeners() {
		l.UnsolicitedResponse(c.handle, resp)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrResponseTimeout)
}
