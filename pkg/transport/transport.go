package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// Transport constants.
const (
	// DefaultPort is the UDP port Lumen devices listen on.
	DefaultPort = 56700

	// DefaultBroadcastAddr is the IPv4 limited broadcast address.
	DefaultBroadcastAddr = "255.255.255.255"

	// MaxLogDatagramSize is the maximum datagram size to include in log
	// events. Larger datagrams are truncated in log events to avoid
	// excessive log growth.
	MaxLogDatagramSize = 256

	// readBufferSize is the receive buffer size. Larger than
	// wire.MaxMessageSize so oversized datagrams are seen at their real
	// size and rejected instead of silently clipped by the socket.
	readBufferSize = 2048
)

// Transport errors.
var (
	// ErrNotOpen indicates an operation on a transport that is not open.
	ErrNotOpen = errors.New("transport not open")

	// ErrReceiveTimeout indicates no datagram arrived within the deadline.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// Config configures a UDP transport.
type Config struct {
	// LocalIP is the local IP to bind ("" = all interfaces).
	LocalIP string

	// Port is the local UDP port to bind (0 = ephemeral).
	Port int
}

// Datagram is one received UDP datagram and its origin address.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Transport owns a single UDP socket and provides raw datagram
// send/receive with protocol size validation. It performs no retries
// and no correlation; those belong to the connection layer.
type Transport struct {
	config Config

	mu   sync.RWMutex
	conn *net.UDPConn

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewTransport creates a new transport (not yet bound).
func NewTransport(config Config) *Transport {
	return &Transport{config: config}
}

// SetLogger configures datagram logging for this transport.
// Pass nil to disable logging. Configure before Open.
func (t *Transport) SetLogger(logger log.Logger, connID string) {
	t.logger = logger
	t.connID = connID
}

// Open binds the local UDP socket. Opening an already-open transport
// is a no-op.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	var ip net.IP
	if t.config.LocalIP != "" {
		ip = net.ParseIP(t.config.LocalIP)
		if ip == nil {
			return fmt.Errorf("invalid local IP %q", t.config.LocalIP)
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: t.config.Port})
	if err != nil {
		return fmt.Errorf("bind failed: %w", err)
	}
	t.conn = conn

	return nil
}

// Send transmits one datagram to addr.
func (t *Transport) Send(data []byte, addr *net.UDPAddr) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return ErrNotOpen
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("send to %s failed: %w", addr, err)
	}

	t.logDatagram(data, addr, log.DirectionOut)

	return nil
}

// Receive blocks until one datagram arrives or the timeout elapses.
// Datagrams outside the protocol size bounds are rejected with a
// protocol error.
func (t *Transport) Receive(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return nil, nil, ErrNotOpen
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, readBufferSize)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, fmt.Errorf("%w after %v", ErrReceiveTimeout, timeout)
		}
		return nil, nil, fmt.Errorf("receive failed: %w", err)
	}

	if err := validateSize(n); err != nil {
		return nil, nil, err
	}

	data := make([]byte, n)
	copy(data, buf[:n])

	t.logDatagram(data, addr, log.DirectionIn)

	return data, addr, nil
}

// ReceiveMany drains up to maxPackets datagrams within one overall
// deadline. Datagrams failing size validation are discarded silently.
// Hitting the deadline with a partial result is not an error.
func (t *Transport) ReceiveMany(timeout time.Duration, maxPackets int) ([]Datagram, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotOpen
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	var datagrams []Datagram
	buf := make([]byte, readBufferSize)

	for len(datagrams) < maxPackets {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return datagrams, nil
			}
			return datagrams, fmt.Errorf("receive failed: %w", err)
		}

		if validateSize(n) != nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		t.logDatagram(data, addr, log.DirectionIn)

		datagrams = append(datagrams, Datagram{Data: data, Addr: addr})
	}

	return datagrams, nil
}

// Close releases the socket. It is safe to call Close multiple times.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil

	return err
}

// LocalAddr returns the bound local address, or nil when not open.
func (t *Transport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// BroadcastAddr returns the limited broadcast destination for the
// given port (DefaultPort when port is 0).
func BroadcastAddr(port int) *net.UDPAddr {
	if port == 0 {
		port = DefaultPort
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}

// validateSize checks protocol datagram size bounds.
func validateSize(n int) error {
	if n < wire.MinMessageSize {
		return fmt.Errorf("%w: %d < %d", wire.ErrMessageTooSmall, n, wire.MinMessageSize)
	}
	if n > wire.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", wire.ErrMessageTooLarge, n, wire.MaxMessageSize)
	}
	return nil
}

// logDatagram creates and emits a datagram log event. Header fields are
// included when the datagram parses as a protocol message.
func (t *Transport) logDatagram(data []byte, addr *net.UDPAddr, direction log.Direction) {
	if t.logger == nil {
		return
	}

	event := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryDatagram,
		RemoteAddr:   addr.String(),
		Datagram:     &log.DatagramEvent{Size: len(data)},
	}

	if h, err := wire.UnpackHeader(data); err == nil {
		event.Datagram.Type = h.Type
		event.Datagram.Source = h.Source
		event.Datagram.Sequence = h.Sequence
		if !h.Target.IsBroadcast() {
			event.Serial = h.Target.String()
		}
	}

	logged := data
	if len(logged) > MaxLogDatagramSize {
		logged = logged[:MaxLogDatagramSize]
		event.Datagram.Truncated = true
	}
	event.Datagram.Data = logged

	t.logger.Log(event)
}
