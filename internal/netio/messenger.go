package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed indicates a send was attempted after Close.
var ErrTransportClosed = errors.New("messenger: transport closed")

// maxDatagramSize is the receive buffer size for a single RMCP datagram.
// RMCP over UDP is bounded well below the Ethernet MTU; 1500 covers the
// largest encrypted IPMI payload plus session trailer with headroom.
const maxDatagramSize = 1500

// Datagram is a single UDP datagram together with its remote endpoint.
type Datagram struct {
	// Addr is the remote endpoint the datagram was received from or is
	// to be sent to.
	Addr netip.AddrPort

	// Payload is the raw datagram content. For received datagrams the
	// slice is owned by the subscriber callback for the duration of the
	// call only; subscribers must copy if they retain it.
	Payload []byte
}

// Handler is a subscriber callback invoked for every received datagram.
type Handler func(dg Datagram)

// Messenger is a single UDP endpoint shared by all connections.
//
// It performs no demultiplexing: every received datagram is delivered to
// every subscriber in receive order. RMCP+ identifies packets by session
// ID, which only the per-connection message handler knows, so routing
// is the subscriber's job.
//
// The reader runs on a dedicated goroutine started by NewMessenger and
// stopped by Close.
type Messenger struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu   sync.RWMutex
	subs []Handler

	closed atomic.Bool
	done   chan struct{}
}

// NewMessenger opens a UDP socket bound to localAddr (e.g., ":0" for an
// ephemeral port) and starts the background reader goroutine.
func NewMessenger(localAddr string, logger *slog.Logger) (*Messenger, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("messenger: resolve %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("messenger: listen %q: %w", localAddr, err)
	}

	m := &Messenger{
		conn:   conn,
		logger: logger.With(slog.String("component", "netio.messenger")),
		done:   make(chan struct{}),
	}

	go m.readLoop()

	return m, nil
}

// LocalAddr returns the bound local endpoint.
func (m *Messenger) LocalAddr() netip.AddrPort {
	return m.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Subscribe registers a callback invoked for each received datagram in
// receive order. Subscribers registered after a datagram arrives do not
// see it. There is no unsubscribe: subscriptions live until Close, and
// subscribers are expected to discard datagrams that are not theirs.
func (m *Messenger) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, h)
}

// Send transmits a single datagram. It is non-blocking and best-effort:
// UDP gives no delivery guarantee, and retransmission is the caller's
// concern. Returns ErrTransportClosed after Close.
func (m *Messenger) Send(dg Datagram) error {
	if m.closed.Load() {
		return ErrTransportClosed
	}
	if _, err := m.conn.WriteToUDPAddrPort(dg.Payload, dg.Addr); err != nil {
		if m.closed.Load() {
			return ErrTransportClosed
		}
		return fmt.Errorf("messenger: send to %s: %w", dg.Addr, err)
	}
	return nil
}

// Close stops the reader goroutine and closes the socket. Subsequent
// Send calls fail with ErrTransportClosed. Close is idempotent.
func (m *Messenger) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.conn.Close()
	<-m.done
	if err != nil {
		return fmt.Errorf("messenger: close: %w", err)
	}
	return nil
}

// readLoop reads datagrams until the socket is closed and fans each one
// out to all subscribers. Read errors other than closure are logged and
// the loop continues; a UDP read error does not invalidate the socket.
func (m *Messenger) readLoop() {
	defer close(m.done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("read error", slog.String("error", err.Error()))
			continue
		}

		m.dispatch(Datagram{Addr: addr, Payload: buf[:n]})
	}
}

// dispatch delivers one datagram to every subscriber in registration
// order. Subscriber callbacks run on the reader goroutine and must not
// block; long-running work belongs on the timer pool or a caller
// goroutine.
func (m *Messenger) dispatch(dg Datagram) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()

	for _, h := range subs {
		h(dg)
	}
}
