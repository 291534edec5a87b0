package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lumen-protocol/lumen-go/pkg/connection"
	"github.com/lumen-protocol/lumen-go/pkg/log"
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/transport"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// Scan defaults.
const (
	// DefaultOverallTimeout is the hard cap on total scan duration.
	DefaultOverallTimeout = 5 * time.Second

	// DefaultMaxResponseTime is the reply window a healthy device is
	// expected to answer within.
	DefaultMaxResponseTime = 500 * time.Millisecond

	// DefaultIdleMultiplier scales MaxResponseTime into the idle
	// timeout that ends a scan once replies dry up.
	DefaultIdleMultiplier = 2.0

	// receivePollInterval bounds each receive so the scan notices
	// context cancellation promptly.
	receivePollInterval = 100 * time.Millisecond

	// emitBuffer decouples emission from slow consumers.
	emitBuffer = 8
)

// ErrInvalidBroadcastAddr indicates an unparseable broadcast address
// override.
var ErrInvalidBroadcastAddr = errors.New("invalid broadcast address")

// Options configures one scan. The zero value selects all defaults.
type Options struct {
	// OverallTimeout caps the total scan duration
	// (0 = DefaultOverallTimeout).
	OverallTimeout time.Duration

	// MaxResponseTime is the expected per-device reply window
	// (0 = DefaultMaxResponseTime).
	MaxResponseTime time.Duration

	// IdleMultiplier scales MaxResponseTime into the idle timeout
	// (0 = DefaultIdleMultiplier).
	IdleMultiplier float64

	// Port is the device control port to broadcast to
	// (0 = transport.DefaultPort).
	Port int

	// BroadcastAddr overrides the broadcast destination address
	// (empty = transport.DefaultBroadcastAddr). Useful for directed
	// subnet broadcasts and for tests.
	BroadcastAddr string

	// RequestTimeout is the per-attempt deadline handed to
	// connections created for discovered devices
	// (0 = connection.DefaultRequestTimeout).
	RequestTimeout time.Duration

	// MaxRetries is the attempt budget handed to connections created
	// for discovered devices (0 = connection.DefaultMaxRetries).
	MaxRetries int

	// Logger receives scan events (nil = disabled).
	Logger log.Logger
}

// Policy carries the request defaults a discovered device's
// connections should use.
type Policy struct {
	// Timeout is the per-attempt response deadline.
	Timeout time.Duration

	// MaxRetries is the attempt budget per request.
	MaxRetries int
}

// DiscoveredDevice is one device found by a scan. Values are never
// mutated after emission.
type DiscoveredDevice struct {
	// Serial is the device serial.
	Serial wire.Serial

	// IP is the address the reply came from.
	IP net.IP

	// Port is the control port the device announced.
	Port int

	// FirstSeen is when the first valid reply from this serial
	// arrived.
	FirstSeen time.Time

	// Latency is the delay between the broadcast and the reply.
	Latency time.Duration

	// Policy is the request policy to hand to connections for this
	// device.
	Policy Policy
}

// Addr returns the device's UDP address.
func (d DiscoveredDevice) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: d.IP, Port: d.Port}
}

// ConnectionConfig builds a connection config for the device,
// carrying the scan's request policy.
func (d DiscoveredDevice) ConnectionConfig() connection.Config {
	return connection.Config{
		Serial:     d.Serial,
		IP:         d.IP,
		Port:       d.Port,
		Timeout:    d.Policy.Timeout,
		MaxRetries: d.Policy.MaxRetries,
	}
}

// scan is the state of one discovery session.
type scan struct {
	opts      Options
	id        string
	source    uint32
	transport *transport.Transport
	sentAt    time.Time
	seen      map[wire.Serial]struct{}
	out       chan DiscoveredDevice
	logger    log.Logger
}

// Scan broadcasts one GetService request and streams discovered
// devices on the returned channel. The channel closes when the scan
// ends: the overall timeout, the idle timeout, or ctx cancellation,
// whichever comes first. Each device serial is emitted at most once,
// first reply wins.
func Scan(ctx context.Context, opts Options) (<-chan DiscoveredDevice, error) {
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = DefaultOverallTimeout
	}
	if opts.MaxResponseTime <= 0 {
		opts.MaxResponseTime = DefaultMaxResponseTime
	}
	if opts.IdleMultiplier <= 0 {
		opts.IdleMultiplier = DefaultIdleMultiplier
	}
	if opts.Port == 0 {
		opts.Port = transport.DefaultPort
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = connection.DefaultRequestTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = connection.DefaultMaxRetries
	}

	dest, err := broadcastDest(opts)
	if err != nil {
		return nil, err
	}

	s := &scan{
		opts:   opts,
		id:     uuid.New().String(),
		source: newSource(),
		seen:   make(map[wire.Serial]struct{}),
		out:    make(chan DiscoveredDevice, emitBuffer),
		logger: opts.Logger,
	}

	tr := transport.NewTransport(transport.Config{})
	tr.SetLogger(opts.Logger, s.id)
	if err := tr.Open(); err != nil {
		return nil, fmt.Errorf("open scan transport: %w", err)
	}
	s.transport = tr

	msg, err := wire.EncodeMessage(&wire.Header{
		Tagged:      true,
		Source:      s.source,
		ResRequired: true,
		Type:        packet.TypeGetService,
	}, nil)
	if err != nil {
		tr.Close()
		return nil, err
	}

	if err := tr.Send(msg, dest); err != nil {
		tr.Close()
		return nil, fmt.Errorf("send discovery broadcast: %w", err)
	}
	s.sentAt = time.Now()
	s.logState("", "SCANNING", "")

	go s.run(ctx)

	return s.out, nil
}

// ScanAll runs a scan to completion and returns every device found.
func ScanAll(ctx context.Context, opts Options) ([]DiscoveredDevice, error) {
	ch, err := Scan(ctx, opts)
	if err != nil {
		return nil, err
	}

	var devices []DiscoveredDevice
	for dev := range ch {
		devices = append(devices, dev)
	}
	return devices, nil
}

// broadcastDest resolves the scan destination address.
func broadcastDest(opts Options) (*net.UDPAddr, error) {
	if opts.BroadcastAddr == "" {
		return transport.BroadcastAddr(opts.Port), nil
	}
	ip := net.ParseIP(opts.BroadcastAddr)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBroadcastAddr, opts.BroadcastAddr)
	}
	return &net.UDPAddr{IP: ip, Port: opts.Port}, nil
}

// newSource returns a non-zero session id for one scan.
func newSource() uint32 {
	for {
		if s := rand.Uint32(); s != 0 {
			return s
		}
	}
}

// run collects replies until a clock fires or ctx is canceled.
func (s *scan) run(ctx context.Context) {
	defer close(s.out)
	defer s.transport.Close()

	overallDeadline := s.sentAt.Add(s.opts.OverallTimeout)
	idleWindow := time.Duration(float64(s.opts.MaxResponseTime) * s.opts.IdleMultiplier)
	idleDeadline := s.sentAt.Add(idleWindow)

	for {
		if ctx.Err() != nil {
			s.logState("SCANNING", "ABANDONED", ctx.Err().Error())
			return
		}

		next := overallDeadline
		reason := "overall timeout"
		if idleDeadline.Before(next) {
			next = idleDeadline
			reason = "idle timeout"
		}
		wait := time.Until(next)
		if wait <= 0 {
			s.logState("SCANNING", "COMPLETE", reason)
			return
		}
		if wait > receivePollInterval {
			wait = receivePollInterval
		}

		data, addr, err := s.transport.Receive(wait)
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				continue
			}
			if errors.Is(err, wire.ErrMessageTooSmall) || errors.Is(err, wire.ErrMessageTooLarge) {
				continue
			}
			s.logError(err, "scan receive")
			s.logState("SCANNING", "FAILED", err.Error())
			return
		}

		dev, ok := s.evaluate(data, addr)
		if !ok {
			continue
		}

		// Any valid reply proves the network is still answering.
		idleDeadline = time.Now().Add(idleWindow)

		if _, dup := s.seen[dev.Serial]; dup {
			continue
		}
		s.seen[dev.Serial] = struct{}{}

		select {
		case s.out <- dev:
		case <-ctx.Done():
			s.logState("SCANNING", "ABANDONED", ctx.Err().Error())
			return
		case <-time.After(time.Until(overallDeadline)):
			// Consumer stalled past the scan's own lifetime.
			s.logState("SCANNING", "COMPLETE", "overall timeout")
			return
		}
	}
}

// evaluate validates one inbound datagram against this scan session
// and converts it into a device. Replies from other sessions, replies
// of the wrong type, and spoofed broadcast serials are discarded;
// malformed payloads are logged and skipped.
func (s *scan) evaluate(data []byte, addr *net.UDPAddr) (DiscoveredDevice, bool) {
	h, payload, err := wire.DecodeMessage(data)
	if err != nil {
		return DiscoveredDevice{}, false
	}
	if h.Source != s.source {
		return DiscoveredDevice{}, false
	}
	if h.Type != packet.TypeStateService {
		return DiscoveredDevice{}, false
	}
	if h.Target.IsBroadcast() {
		return DiscoveredDevice{}, false
	}

	svc, err := packet.DecodeStateService(payload)
	if err != nil {
		s.logError(err, "state_service reply")
		return DiscoveredDevice{}, false
	}
	if svc.Service != packet.ServiceUDP {
		return DiscoveredDevice{}, false
	}
	if svc.Port == 0 || svc.Port > 65535 {
		s.logError(fmt.Errorf("announced port %d out of range", svc.Port), "state_service reply")
		return DiscoveredDevice{}, false
	}

	now := time.Now()
	return DiscoveredDevice{
		Serial:    h.Target,
		IP:        addr.IP,
		Port:      int(svc.Port),
		FirstSeen: now,
		Latency:   now.Sub(s.sentAt),
		Policy: Policy{
			Timeout:    s.opts.RequestTimeout,
			MaxRetries: s.opts.MaxRetries,
		},
	}, true
}

func (s *scan) logState(oldState, newState, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.id,
		Layer:        log.LayerDiscovery,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityScan,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (s *scan) logError(err error, context string) {
	if s.logger == nil {
		return
	}
	s.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.id,
		Layer:        log.LayerDiscovery,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerDiscovery,
			Message: err.Error(),
			Context: context,
		},
	})
}
