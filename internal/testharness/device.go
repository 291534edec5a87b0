// Package testharness provides an in-process fake device for tests. It
// binds a real UDP socket on the loopback interface and answers
// protocol requests the way a lamp would, with knobs for the failure
// modes the client stack has to survive.
package testharness

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// DeviceConfig is the initial state of a fake device.
type DeviceConfig struct {
	// Serial is the device serial. Required.
	Serial wire.Serial

	// Label is the initial device label.
	Label string

	// Power is the initial power level.
	Power uint16

	// Color is the initial light color.
	Color packet.Color

	// Port is the UDP port to bind. Zero selects an ephemeral port.
	Port int
}

// Behavior configures failure injection. The zero value is a
// well-behaved device.
type Behavior struct {
	// DropFirst drops the first N valid requests without replying.
	// Dropped requests still count as received.
	DropFirst int

	// ReplyTwice sends every reply twice.
	ReplyTwice bool

	// WrongSource corrupts the source field of every reply. Clients
	// must not correlate these.
	WrongSource bool

	// JunkBefore sends a malformed datagram before every real reply.
	JunkBefore bool

	// Mute suppresses all replies while still counting requests.
	Mute bool

	// Latency delays each reply.
	Latency time.Duration
}

// Device is a fake lamp bound to a loopback UDP socket.
type Device struct {
	config   DeviceConfig
	behavior Behavior

	conn      *net.UDPConn
	closeOnce sync.Once

	mu       sync.Mutex
	label    string
	power    uint16
	color    packet.Color
	received int
	dropped  int
}

// NewDevice creates a fake device. Call Start to bind it.
func NewDevice(config DeviceConfig) *Device {
	return &Device{
		config: config,
		label:  config.Label,
		power:  config.Power,
		color:  config.Color,
	}
}

// SetBehavior configures failure injection. Call before Start.
func (d *Device) SetBehavior(b Behavior) {
	d.behavior = b
}

// Start binds the device to its loopback port and begins serving.
func (d *Device) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.config.Port})
	if err != nil {
		return fmt.Errorf("bind fake device: %w", err)
	}
	d.conn = conn

	go d.serve()
	return nil
}

// Close stops the device. Safe to call multiple times.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		if d.conn != nil {
			d.conn.Close()
		}
	})
}

// Addr returns the device's bound address.
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the device's bound port.
func (d *Device) Port() int {
	return d.Addr().Port
}

// Serial returns the device serial.
func (d *Device) Serial() wire.Serial {
	return d.config.Serial
}

// ReceivedCount returns how many valid protocol requests arrived,
// including ones dropped by Behavior.DropFirst.
func (d *Device) ReceivedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

// Label returns the current device label.
func (d *Device) Label() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.label
}

// PowerLevel returns the current power level.
func (d *Device) PowerLevel() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

// LightColor returns the current color.
func (d *Device) LightColor() packet.Color {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.color
}

func (d *Device) serve() {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket or fatal read error; either way the
			// device is done.
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d.handle(data, raddr)
	}
}

// handle processes one datagram. Requests addressed to another device
// are ignored; the zero target (broadcast) always matches.
func (d *Device) handle(data []byte, raddr *net.UDPAddr) {
	h, payload, err := wire.DecodeMessage(data)
	if err != nil {
		return
	}
	if !h.Target.IsBroadcast() && h.Target != d.config.Serial {
		return
	}

	d.mu.Lock()
	d.received++
	drop := d.dropped < d.behavior.DropFirst
	if drop {
		d.dropped++
	}
	d.mu.Unlock()

	if drop || d.behavior.Mute {
		return
	}

	for _, r := range d.replies(h, payload) {
		d.send(h, r.replyType, r.payload, raddr)
	}
}

// reply is one outbound message the device produces for a request.
type reply struct {
	replyType uint16
	payload   []byte
}

// replies computes the reply set for one request. Get queries always
// answer with their state message. Set commands apply the change, then
// acknowledge when asked and report the new state when asked. Unknown
// types answer StateUnhandled when any reply was requested.
func (d *Device) replies(h *wire.Header, payload []byte) []reply {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch h.Type {
	case packet.TypeGetService:
		s := packet.StateService{Service: packet.ServiceUDP, Port: uint32(d.Port())}
		return []reply{{packet.TypeStateService, s.Encode()}}

	case packet.TypeEchoRequest:
		if len(payload) != packet.EchoPayloadSize {
			return nil
		}
		return []reply{{packet.TypeEchoResponse, payload}}

	case packet.TypeGetPower:
		s := packet.StatePower{Level: d.power}
		return []reply{{packet.TypeStatePower, s.Encode()}}

	case packet.TypeSetPower:
		if len(payload) != packet.PowerSize {
			return nil
		}
		st, err := packet.DecodeStatePower(payload)
		if err != nil {
			return nil
		}
		d.power = st.Level
		return d.setReplies(h, func() []byte {
			s := packet.StatePower{Level: d.power}
			return s.Encode()
		}, packet.TypeStatePower)

	case packet.TypeGetLabel:
		s := packet.StateLabel{Label: d.label}
		return []reply{{packet.TypeStateLabel, s.Encode()}}

	case packet.TypeSetLabel:
		st, err := packet.DecodeStateLabel(payload)
		if err != nil {
			return nil
		}
		d.label = st.Label
		return d.setReplies(h, func() []byte {
			s := packet.StateLabel{Label: d.label}
			return s.Encode()
		}, packet.TypeStateLabel)

	case packet.TypeGetColor:
		return []reply{{packet.TypeLightState, d.lightState()}}

	case packet.TypeSetColor:
		if len(payload) != packet.SetColorSize {
			return nil
		}
		d.color = decodeSetColor(payload)
		return d.setReplies(h, d.lightState, packet.TypeLightState)

	default:
		if h.AckRequired || h.ResRequired {
			s := packet.StateUnhandled{UnhandledType: h.Type}
			return []reply{{packet.TypeStateUnhandled, s.Encode()}}
		}
		return nil
	}
}

// setReplies builds the reply set for an applied Set command.
func (d *Device) setReplies(h *wire.Header, state func() []byte, stateType uint16) []reply {
	var rs []reply
	if h.AckRequired {
		rs = append(rs, reply{packet.TypeAcknowledgement, nil})
	}
	if h.ResRequired {
		rs = append(rs, reply{stateType, state()})
	}
	return rs
}

// lightState encodes the current light state. Callers hold d.mu.
func (d *Device) lightState() []byte {
	s := packet.LightState{Color: d.color, Power: d.power, Label: d.label}
	return s.Encode()
}

// decodeSetColor extracts the color from a SetColor payload. The
// reserved lead byte and the transition duration are skipped.
func decodeSetColor(payload []byte) packet.Color {
	return packet.Color{
		Hue:        binary.LittleEndian.Uint16(payload[1:3]),
		Saturation: binary.LittleEndian.Uint16(payload[3:5]),
		Brightness: binary.LittleEndian.Uint16(payload[5:7]),
		Kelvin:     binary.LittleEndian.Uint16(payload[7:9]),
	}
}

// send transmits one reply, applying the configured failure modes. The
// reply echoes the request's source and sequence and carries the
// device serial as target.
func (d *Device) send(req *wire.Header, replyType uint16, payload []byte, raddr *net.UDPAddr) {
	if d.behavior.Latency > 0 {
		time.Sleep(d.behavior.Latency)
	}

	source := req.Source
	if d.behavior.WrongSource {
		source = ^req.Source
	}

	h := &wire.Header{
		Source:   source,
		Target:   d.config.Serial,
		Sequence: req.Sequence,
		Type:     replyType,
	}
	msg, err := wire.EncodeMessage(h, payload)
	if err != nil {
		return
	}

	if d.behavior.JunkBefore {
		junk := make([]byte, wire.HeaderSize)
		for i := range junk {
			junk[i] = 0xFF
		}
		d.conn.WriteToUDP(junk, raddr)
	}

	d.conn.WriteToUDP(msg, raddr)
	if d.behavior.ReplyTwice {
		d.conn.WriteToUDP(msg, raddr)
	}
}
