package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/transport"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// Request defaults.
const (
	// DefaultRequestTimeout is the per-attempt response deadline.
	DefaultRequestTimeout = 500 * time.Millisecond

	// DefaultMaxRetries is the attempt budget per request.
	DefaultMaxRetries = 8

	// receivePollInterval bounds each transport receive so the loop
	// notices shutdown promptly.
	receivePollInterval = 100 * time.Millisecond

	// closeGraceTimeout bounds the wait for the receive loop to exit.
	closeGraceTimeout = 1 * time.Second

	// streamBufferSize is the delivery buffer for multi-response
	// requests. Replies beyond an unconsumed buffer are dropped.
	streamBufferSize = 16
)

// Connection errors.
var (
	ErrNotOpen          = errors.New("connection not open")
	ErrAlreadyOpen      = errors.New("connection already open")
	ErrClosed           = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrUnknownReplyType = errors.New("unknown reply type")
)

// State represents the connection state.
type State uint8

const (
	// StateClosed indicates no bound transport.
	StateClosed State = iota

	// StateOpening indicates an open attempt in progress.
	StateOpening

	// StateOpen indicates a bound transport and a running receive loop.
	StateOpen

	// StateClosing indicates shutdown in progress.
	StateClosing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Config configures a device connection.
type Config struct {
	// Serial is the target device serial.
	Serial wire.Serial

	// IP is the device address.
	IP net.IP

	// Port is the device UDP port (0 = transport.DefaultPort).
	Port int

	// Timeout is the per-attempt response deadline
	// (0 = DefaultRequestTimeout).
	Timeout time.Duration

	// MaxRetries is the attempt budget per request
	// (0 = DefaultMaxRetries).
	MaxRetries int

	// Backoff configures the retry delay curve.
	Backoff BackoffConfig

	// Logger receives protocol events (nil = disabled).
	Logger log.Logger
}

// pendingKey identifies one outstanding request.
type pendingKey struct {
	source   uint32
	sequence uint8
	serial   wire.Serial
}

// delivery is one correlated reply handed to a waiting request.
type delivery struct {
	header  *wire.Header
	payload []byte
}

// pendingRequest is the correlator-owned entry for one outstanding
// request.
type pendingRequest struct {
	ch chan delivery

	// unary entries are removed on first delivery; stream entries
	// stay registered until the stream closes.
	unary bool
}

// Connection is a logical connection to one device: a UDP transport, a
// background receive loop, and a table of in-flight requests keyed by
// (source, sequence, serial).
type Connection struct {
	config Config

	id     string
	source uint32
	addr   *net.UDPAddr

	transport *transport.Transport

	// Lifecycle
	state atomic.Int32

	// mu guards the lifecycle channels below.
	mu        sync.RWMutex
	openDone  chan struct{}
	closeCh   chan struct{}
	loopDone  chan struct{}
	closeDone chan struct{}

	// Sequence allocation
	sequence atomic.Uint32

	// Pending requests awaiting replies
	pending   map[pendingKey]*pendingRequest
	pendingMu sync.Mutex

	logger log.Logger
}

// NewConnection creates a connection to the device at config.IP. The
// transport is not bound until Open (or the first request).
func NewConnection(config Config) *Connection {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	port := config.Port
	if port == 0 {
		port = transport.DefaultPort
	}

	c := &Connection{
		config:  config,
		id:      uuid.New().String(),
		source:  newSource(),
		addr:    &net.UDPAddr{IP: config.IP, Port: port},
		pending: make(map[pendingKey]*pendingRequest),
		logger:  config.Logger,
	}
	c.state.Store(int32(StateClosed))

	return c
}

// newSource returns a non-zero session correlation id.
func newSource() uint32 {
	for {
		if s := rand.Uint32(); s != 0 {
			return s
		}
	}
}

// ID returns the connection id used in log events.
func (c *Connection) ID() string {
	return c.id
}

// Source returns the session correlation id carried in every header
// this connection sends.
func (c *Connection) Source() uint32 {
	return c.source
}

// Serial returns the target device serial.
func (c *Connection) Serial() wire.Serial {
	return c.config.Serial
}

// RemoteAddr returns the device address.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.addr
}

// LocalAddr returns the bound local address, or nil when not open.
func (c *Connection) LocalAddr() *net.UDPAddr {
	tr := c.getTransport()
	if tr == nil {
		return nil
	}
	return tr.LocalAddr()
}

func (c *Connection) getTransport() *transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Open binds the transport and starts the receive loop. Concurrent
// opens share one attempt: losers wait for the winner's outcome.
// Opening an already-open connection returns ErrAlreadyOpen.
func (c *Connection) Open(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch State(c.state.Load()) {
		case StateOpen:
			return ErrAlreadyOpen

		case StateClosing:
			return ErrClosed

		case StateOpening:
			c.mu.RLock()
			done := c.openDone
			c.mu.RUnlock()
			if done == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			// Re-evaluate: the winner either opened or rolled back.

		case StateClosed:
			c.mu.Lock()
			if !c.state.CompareAndSwap(int32(StateClosed), int32(StateOpening)) {
				c.mu.Unlock()
				continue
			}
			done := make(chan struct{})
			c.openDone = done
			c.mu.Unlock()

			c.logStateChange(StateClosed, StateOpening, "")

			err := c.bindAndStart()
			if err != nil {
				c.state.Store(int32(StateClosed))
				c.logStateChange(StateOpening, StateClosed, err.Error())
			} else {
				c.state.Store(int32(StateOpen))
				c.logStateChange(StateOpening, StateOpen, "")
			}
			close(done)
			return err
		}
	}
}

// ensureOpen opens the connection lazily for request paths.
func (c *Connection) ensureOpen(ctx context.Context) error {
	if c.State() == StateOpen {
		return nil
	}
	err := c.Open(ctx)
	if errors.Is(err, ErrAlreadyOpen) {
		return nil
	}
	return err
}

// bindAndStart binds the transport and launches the receive loop.
func (c *Connection) bindAndStart() error {
	tr := transport.NewTransport(transport.Config{})
	tr.SetLogger(c.logger, c.id)
	if err := tr.Open(); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	c.mu.Lock()
	c.transport = tr
	c.closeCh = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.closeDone = make(chan struct{})
	c.mu.Unlock()

	go c.receiveLoop(tr)

	return nil
}

// Close stops the receive loop, fails every pending request with
// ErrClosed, and releases the transport. It is safe to call Close
// multiple times and from any state.
func (c *Connection) Close() error {
	for {
		switch State(c.state.Load()) {
		case StateClosed:
			return nil

		case StateOpening:
			c.mu.RLock()
			done := c.openDone
			c.mu.RUnlock()
			if done == nil {
				return nil
			}
			<-done
			// Re-evaluate whatever the open settled on.

		case StateClosing:
			c.mu.RLock()
			done := c.closeDone
			c.mu.RUnlock()
			if done == nil {
				return nil
			}
			<-done
			return nil

		case StateOpen:
			if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				continue
			}
			c.doClose()
			return nil
		}
	}
}

// doClose runs the single close after the CAS into StateClosing.
func (c *Connection) doClose() {
	c.logStateChange(StateOpen, StateClosing, "close requested")

	c.mu.RLock()
	closeCh := c.closeCh
	loopDone := c.loopDone
	closeDone := c.closeDone
	tr := c.transport
	c.mu.RUnlock()

	close(closeCh)

	select {
	case <-loopDone:
	case <-time.After(closeGraceTimeout):
		// Loop is stuck; closing the transport below unblocks it.
	}

	c.failPending()
	tr.Close()

	c.state.Store(int32(StateClosed))
	c.logStateChange(StateClosing, StateClosed, "")
	close(closeDone)
}

// failPending removes every pending request, waking its waiter with a
// connection-closed error.
func (c *Connection) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for key, p := range c.pending {
		close(p.ch)
		delete(c.pending, key)
	}
}

// receiveLoop reads datagrams until shutdown and routes correlated
// replies to their waiting requests.
func (c *Connection) receiveLoop(tr *transport.Transport) {
	c.mu.RLock()
	closeCh := c.closeCh
	loopDone := c.loopDone
	c.mu.RUnlock()

	defer close(loopDone)

	for {
		select {
		case <-closeCh:
			return
		default:
		}

		data, _, err := tr.Receive(receivePollInterval)
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				continue
			}
			if errors.Is(err, wire.ErrMessageTooSmall) || errors.Is(err, wire.ErrMessageTooLarge) {
				continue
			}
			select {
			case <-closeCh:
				return
			default:
			}
			c.logError(err, "receive loop")
			return
		}

		c.dispatch(data)
	}
}

// dispatch routes one datagram to the pending request it answers.
// Unmatched and malformed datagrams are dropped: stale retry echoes,
// replies to other sessions, and noise all land here.
func (c *Connection) dispatch(data []byte) {
	h, payload, err := wire.DecodeMessage(data)
	if err != nil {
		return
	}

	key := pendingKey{source: h.Source, sequence: h.Sequence, serial: h.Target}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[key]
	if !ok {
		return
	}
	if p.unary {
		delete(c.pending, key)
	}

	select {
	case p.ch <- delivery{header: h, payload: payload}:
	default:
		// Stream buffer full; the consumer is not keeping up.
	}
}

// nextSequence allocates the next sequence number, wrapping at 256.
func (c *Connection) nextSequence() uint8 {
	return uint8(c.sequence.Add(1) - 1)
}

// register adds a pending entry for key. The connection must be open;
// a key collision means 256 requests are already in flight.
func (c *Connection) register(key pendingKey, buffer int, unary bool) (*pendingRequest, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if State(c.state.Load()) != StateOpen {
		return nil, ErrNotOpen
	}
	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("sequence %d already in flight for %s", key.sequence, key.serial)
	}

	p := &pendingRequest{ch: make(chan delivery, buffer), unary: unary}
	c.pending[key] = p
	return p, nil
}

// unregister removes a pending entry. Safe if already removed.
func (c *Connection) unregister(key pendingKey) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, key)
}

// frame builds the wire message for pkt. GET-kind packets request a
// state reply; SET-kind packets request an acknowledgement.
func (c *Connection) frame(pkt packet.Packet, seq uint8) ([]byte, error) {
	h := &wire.Header{
		Source:   c.source,
		Target:   c.config.Serial,
		Sequence: seq,
		Type:     pkt.Type,
	}
	switch pkt.Kind {
	case packet.KindGet:
		h.ResRequired = true
	case packet.KindSet:
		h.AckRequired = true
	}
	return wire.EncodeMessage(h, pkt.Payload)
}

// Send transmits pkt without waiting for any reply.
func (c *Connection) Send(ctx context.Context, pkt packet.Packet) error {
	if err := c.ensureOpen(ctx); err != nil {
		return err
	}

	msg, err := c.frame(pkt, c.nextSequence())
	if err != nil {
		return err
	}

	tr := c.getTransport()
	if tr == nil {
		return ErrNotOpen
	}
	return tr.Send(msg, c.addr)
}

// Request sends pkt and waits for its reply, retrying with backoff up
// to the attempt budget. GET-kind packets resolve with the registered
// state reply; SET-kind packets resolve with an Acknowledgement
// (Acked) or StateUnhandled (Unhandled), both of which are terminal
// outcomes, not errors. A reply delivered late, after an earlier
// attempt's deadline, still satisfies the request.
func (c *Connection) Request(ctx context.Context, pkt packet.Packet) (*Response, error) {
	if err := c.ensureOpen(ctx); err != nil {
		return nil, err
	}

	switch pkt.Kind {
	case packet.KindGet:
		if _, ok := packet.ReplyType(pkt.Type); !ok {
			return nil, fmt.Errorf("%w: no state reply registered for type %d",
				ErrUnknownReplyType, pkt.Type)
		}
	case packet.KindSet:
		// Acknowledgement or StateUnhandled, no registry needed.
	default:
		return nil, fmt.Errorf("packet kind %s expects no reply; use Send", pkt.Kind)
	}

	seq := c.nextSequence()
	key := pendingKey{source: c.source, sequence: seq, serial: c.config.Serial}

	p, err := c.register(key, 1, true)
	if err != nil {
		return nil, err
	}
	defer c.unregister(key)

	msg, err := c.frame(pkt, seq)
	if err != nil {
		return nil, err
	}

	tr := c.getTransport()
	if tr == nil {
		return nil, ErrNotOpen
	}

	backoff := NewBackoffWithConfig(c.config.Backoff)

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		var delay time.Duration
		if attempt > 1 {
			delay = backoff.Next()
		}
		c.logAttempt(pkt.Type, seq, attempt, delay)

		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case d, ok := <-p.ch:
				// A reply to an earlier attempt landed during backoff.
				if !ok {
					return nil, fmt.Errorf("%w: request %d to %s", ErrClosed, seq, c.config.Serial)
				}
				return newResponse(d), nil
			case <-time.After(delay):
			}
		}

		if err := tr.Send(msg, c.addr); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-p.ch:
			if !ok {
				return nil, fmt.Errorf("%w: request %d to %s", ErrClosed, seq, c.config.Serial)
			}
			return newResponse(d), nil
		case <-time.After(c.config.Timeout):
			// Per-attempt deadline; retry with the same sequence.
		}
	}

	return nil, fmt.Errorf("%w: no reply from %s (%s) after %d attempts",
		ErrRequestTimeout, c.config.Serial, c.addr, c.config.MaxRetries)
}

// RequestStream sends a GET-kind pkt once and returns a stream of the
// replies it produces. The stream ends when the caller closes it or
// when no reply arrives within the per-attempt timeout. Duplicate
// replies (a device answering a retried attempt twice) stay visible on
// the stream; consumers dedup by their own criteria.
func (c *Connection) RequestStream(ctx context.Context, pkt packet.Packet) (*Stream, error) {
	if err := c.ensureOpen(ctx); err != nil {
		return nil, err
	}

	if pkt.Kind != packet.KindGet {
		return nil, fmt.Errorf("packet kind %s cannot stream; RequestStream needs a GET", pkt.Kind)
	}
	if _, ok := packet.ReplyType(pkt.Type); !ok {
		return nil, fmt.Errorf("%w: no state reply registered for type %d",
			ErrUnknownReplyType, pkt.Type)
	}

	seq := c.nextSequence()
	key := pendingKey{source: c.source, sequence: seq, serial: c.config.Serial}

	p, err := c.register(key, streamBufferSize, false)
	if err != nil {
		return nil, err
	}

	msg, err := c.frame(pkt, seq)
	if err != nil {
		c.unregister(key)
		return nil, err
	}

	c.logAttempt(pkt.Type, seq, 1, 0)

	tr := c.getTransport()
	if tr == nil {
		c.unregister(key)
		return nil, ErrNotOpen
	}
	if err := tr.Send(msg, c.addr); err != nil {
		c.unregister(key)
		return nil, err
	}

	return &Stream{conn: c, key: key, p: p, idle: c.config.Timeout}, nil
}

// Echo round-trips payload through the device. The reply carries the
// fixed 64-byte echo field, zero-padded past the original payload.
func (c *Connection) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := c.Request(ctx, packet.EchoRequest(payload))
	if err != nil {
		return nil, err
	}
	if resp.Unhandled() {
		return nil, fmt.Errorf("device %s does not implement echo", c.config.Serial)
	}
	return packet.DecodeEchoResponse(resp.Payload)
}

// logStateChange emits a lifecycle event.
func (c *Connection) logStateChange(oldState, newState State, reason string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerConnection,
		Category:     log.CategoryState,
		Serial:       c.config.Serial.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState.String(),
			NewState: newState.String(),
			Reason:   reason,
		},
	})
}

// logAttempt emits a request attempt event.
func (c *Connection) logAttempt(pktType uint16, seq uint8, attempt int, backoff time.Duration) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    log.DirectionOut,
		Layer:        log.LayerConnection,
		Category:     log.CategoryRequest,
		RemoteAddr:   c.addr.String(),
		Serial:       c.config.Serial.String(),
		Request: &log.RequestEvent{
			Type:        pktType,
			Sequence:    seq,
			Attempt:     attempt,
			MaxAttempts: c.config.MaxRetries,
			Timeout:     c.config.Timeout,
			Backoff:     backoff,
		},
	})
}

// logError emits an error event.
func (c *Connection) logError(err error, context string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerConnection,
		Category:     log.CategoryError,
		Serial:       c.config.Serial.String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerConnection,
			Message: err.Error(),
			Context: context,
		},
	})
}
