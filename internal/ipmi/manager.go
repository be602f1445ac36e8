package ipmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/goipmi/internal/netio"
	"github.com/dantte-lp/goipmi/internal/sched"
)

// Sentinel errors for Manager operations.
var (
	// ErrUnknownHandle indicates no connection exists for the handle.
	ErrUnknownHandle = errors.New("unknown connection handle")

	// ErrManagerClosed indicates an operation after Close.
	ErrManagerClosed = errors.New("manager closed")

	// ErrInvalidRemoteAddr indicates the remote address is not valid.
	ErrInvalidRemoteAddr = errors.New("remote address must be valid")
)

// Default configuration values, applied by NewManager when the
// corresponding ManagerConfig field is zero.
const (
	// DefaultPingPeriod is the keep-alive period.
	DefaultPingPeriod = 20 * time.Second

	// DefaultRequestTimeout is the per-request response timeout.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultRetries is the per-request retry budget.
	DefaultRetries = 3
)

// ManagerConfig carries the configuration values the Manager seeds its
// connections with. Zero fields inherit the package defaults, so a
// zero ManagerConfig is usable as-is.
type ManagerConfig struct {
	// LocalAddr is the UDP bind address for the shared socket
	// (default ":0", an ephemeral port).
	LocalAddr string

	// PingPeriod is the keep-alive period for established sessions.
	// Negative disables the keep-alive.
	PingPeriod time.Duration

	// RequestTimeout is the per-request response timeout.
	RequestTimeout time.Duration

	// Retries is the per-request retry budget.
	Retries int

	// TimerPoolSize is the number of timer-pool workers.
	TimerPoolSize int
}

// withDefaults fills zero fields with package defaults.
func (mc ManagerConfig) withDefaults() ManagerConfig {
	if mc.LocalAddr == "" {
		mc.LocalAddr = ":0"
	}
	if mc.PingPeriod == 0 {
		mc.PingPeriod = DefaultPingPeriod
	}
	if mc.RequestTimeout == 0 {
		mc.RequestTimeout = DefaultRequestTimeout
	}
	if mc.Retries == 0 {
		mc.Retries = DefaultRetries
	}
	if mc.TimerPoolSize == 0 {
		mc.TimerPoolSize = sched.DefaultPoolSize
	}
	return mc
}

// -------------------------------------------------------------------------
// Connection Snapshot — read-only view for external consumers
// -------------------------------------------------------------------------

// ConnectionSnapshot is a read-only view of one connection's state at a
// point in time. Used by monitoring interfaces; all fields are copied
// from the connection and no references to mutable state are held.
type ConnectionSnapshot struct {
	// Handle is the manager-assigned connection handle.
	Handle int

	// Remote is the managed system's endpoint.
	Remote netip.AddrPort

	// State is the session state at snapshot time.
	State State

	// SessionActive reports whether session keys are installed.
	SessionActive bool

	// LastActivity is the timestamp of the most recent valid exchange
	// on the session. Zero when no session is active.
	LastActivity time.Time
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and all
// connections it creates. A nil reporter keeps the no-op default.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// Manager owns the single UDP messenger and timer pool shared by all
// connections, the sessionless tag pool, the session-ID generator, and
// the append-only connection handle table.
//
// Handles are dense and never reused within a Manager's lifetime:
// handle N is the Nth connection created. Every stage that precedes
// session establishment wraps the call in a tag-pool acquire/release,
// so concurrent pre-session operations across connections are bounded
// by the tag space.
type Manager struct {
	cfg       ManagerConfig
	messenger *netio.Messenger
	scheduler *sched.Scheduler
	tags      *TagPool
	sidGen    *SessionIDGenerator
	metrics   MetricsReporter
	logger    *slog.Logger

	mu     sync.Mutex
	conns  []*Connection
	closed bool
}

// NewManager opens the shared messenger and starts the timer pool.
// The caller must Close the manager to release both.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	cfg = cfg.withDefaults()

	messenger, err := netio.NewMessenger(cfg.LocalAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		messenger: messenger,
		scheduler: sched.New(cfg.TimerPoolSize, logger),
		tags:      NewTagPool(),
		sidGen:    NewSessionIDGenerator(),
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "ipmi.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// LocalAddr returns the shared socket's bound endpoint.
func (m *Manager) LocalAddr() netip.AddrPort {
	return m.messenger.LocalAddr()
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// CreateConnection binds a new connection to remote and returns its
// handle. pingPeriod overrides the configured keep-alive period when
// positive; zero inherits the manager configuration and a negative
// value disables the keep-alive.
func (m *Manager) CreateConnection(remote netip.AddrPort, pingPeriod time.Duration) (int, error) {
	if !remote.IsValid() {
		return 0, fmt.Errorf("create connection: %w", ErrInvalidRemoteAddr)
	}

	settings := connectionSettings{
		pingPeriod:     m.cfg.PingPeriod,
		requestTimeout: m.cfg.RequestTimeout,
		retries:        m.cfg.Retries,
	}
	switch {
	case pingPeriod > 0:
		settings.pingPeriod = pingPeriod
	case pingPeriod < 0:
		settings.pingPeriod = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("create connection: %w", ErrManagerClosed)
	}

	handle := len(m.conns)
	conn := newConnection(
		handle, remote,
		m.messenger, m.scheduler, m.sidGen,
		m.metrics, m.logger, settings,
	)
	m.conns = append(m.conns, conn)
	m.messenger.Subscribe(conn.handler.HandleDatagram)
	m.metrics.RegisterConnection(remote)

	m.logger.Info("connection created",
		slog.Int("handle", handle),
		slog.String("remote", remote.String()),
	)
	return handle, nil
}

// Connection resolves a handle. Handles stay resolvable after
// disconnect; the connection reports its terminal state.
func (m *Manager) Connection(handle int) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle < 0 || handle >= len(m.conns) {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrUnknownHandle)
	}
	return m.conns[handle], nil
}

// Sessions returns a snapshot of every connection in handle order,
// including disconnected ones in their terminal state. The handle
// table is append-only, so index i of the result is always handle i.
func (m *Manager) Sessions() []ConnectionSnapshot {
	m.mu.Lock()
	conns := append([]*Connection(nil), m.conns...)
	m.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.snapshot())
	}
	return out
}

// -------------------------------------------------------------------------
// Public Stages
// -------------------------------------------------------------------------

// Ping probes the managed system with an ASF Presence Ping.
func (m *Manager) Ping(ctx context.Context, handle int) error {
	conn, err := m.Connection(handle)
	if err != nil {
		return err
	}
	return m.withTag(ctx, func(tag uint8) error {
		return conn.Ping(ctx, tag)
	})
}

// GetAvailableCipherSuites retrieves the cipher suites the managed
// system supports.
func (m *Manager) GetAvailableCipherSuites(ctx context.Context, handle int) ([]CipherSuite, error) {
	conn, err := m.Connection(handle)
	if err != nil {
		return nil, err
	}
	var suites []CipherSuite
	err = m.withTag(ctx, func(tag uint8) error {
		suites, err = conn.GetAvailableCipherSuites(ctx, tag)
		return err
	})
	return suites, err
}

// GetChannelAuthenticationCapabilities queries authentication support
// for the requested cipher suite and privilege level.
func (m *Manager) GetChannelAuthenticationCapabilities(
	ctx context.Context,
	handle int,
	suite CipherSuite,
	privilege PrivilegeLevel,
) (*AuthCapabilities, error) {
	conn, err := m.Connection(handle)
	if err != nil {
		return nil, err
	}
	var caps *AuthCapabilities
	err = m.withTag(ctx, func(tag uint8) error {
		caps, err = conn.GetChannelAuthenticationCapabilities(ctx, tag, suite, privilege)
		return err
	})
	return caps, err
}

// StartSession runs the RMCP+ handshake for the connection.
func (m *Manager) StartSession(
	ctx context.Context,
	handle int,
	suite CipherSuite,
	privilege PrivilegeLevel,
	creds Credentials,
) error {
	conn, err := m.Connection(handle)
	if err != nil {
		return err
	}
	return m.withTag(ctx, func(tag uint8) error {
		return conn.StartSession(ctx, tag, suite, privilege, creds)
	})
}

// SendCommand submits an IPMI command on an established session.
func (m *Manager) SendCommand(ctx context.Context, handle int, cmd Command) (*CommandResponse, error) {
	conn, err := m.Connection(handle)
	if err != nil {
		return nil, err
	}
	return conn.SendCommand(ctx, cmd)
}

// RegisterListener adds a lifecycle listener to a connection.
func (m *Manager) RegisterListener(handle int, l ConnectionListener) error {
	conn, err := m.Connection(handle)
	if err != nil {
		return err
	}
	conn.RegisterListener(l)
	return nil
}

// Disconnect closes one connection. Its handle remains allocated.
func (m *Manager) Disconnect(ctx context.Context, handle int) error {
	conn, err := m.Connection(handle)
	if err != nil {
		return err
	}
	conn.Disconnect(ctx)
	m.metrics.UnregisterConnection(conn.Remote())
	return nil
}

// withTag acquires a sessionless tag for the duration of fn and
// releases it regardless of outcome.
func (m *Manager) withTag(ctx context.Context, fn func(tag uint8) error) error {
	tag, err := m.tags.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.tags.Release(tag)
	return fn(tag)
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// Close disconnects every active connection, stops the timer pool, and
// closes the messenger. Pending requests across all connections
// complete with ErrConnectionClosed. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := append([]*Connection(nil), m.conns...)
	m.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			conn.Disconnect(ctx)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // disconnects never return errors

	m.scheduler.Close()

	if err := m.messenger.Close(); err != nil {
		return fmt.Errorf("close manager: %w", err)
	}

	m.logger.Info("manager closed", slog.Int("connections", len(conns)))
	return nil
}
