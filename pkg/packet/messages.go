package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Payload sizes in bytes.
const (
	StateServiceSize   = 5
	PowerSize          = 2
	LabelSize          = 32
	EchoPayloadSize    = 64
	ColorSize          = 8
	SetColorSize       = 13
	LightStateSize     = 52
	StateUnhandledSize = 2
)

// Power levels.
const (
	PowerOn  uint16 = 0xFFFF
	PowerOff uint16 = 0
)

// ServiceUDP is the service id for the UDP control service.
const ServiceUDP uint8 = 1

// ErrInvalidPayload indicates a payload that does not decode as the
// expected message.
var ErrInvalidPayload = errors.New("invalid payload")

// GetService builds the tagged discovery request.
func GetService() Packet {
	return Packet{Type: TypeGetService, Kind: KindGet}
}

// StateService reports the service a device exposes and the port it
// listens on.
//
// Wire encoding (5 bytes):
//
//	byte 0    service id (1 = UDP)
//	bytes 1-4 port (uint32)
type StateService struct {
	Service uint8
	Port    uint32
}

// Encode returns the wire form of the message.
func (s *StateService) Encode() []byte {
	buf := make([]byte, StateServiceSize)
	buf[0] = s.Service
	binary.LittleEndian.PutUint32(buf[1:5], s.Port)
	return buf
}

// DecodeStateService decodes a StateService payload.
func DecodeStateService(data []byte) (*StateService, error) {
	if len(data) != StateServiceSize {
		return nil, fmt.Errorf("%w: state_service needs %d bytes, got %d",
			ErrInvalidPayload, StateServiceSize, len(data))
	}
	return &StateService{
		Service: data[0],
		Port:    binary.LittleEndian.Uint32(data[1:5]),
	}, nil
}

// EchoRequest builds an echo request. The payload is zero-padded or
// truncated to the fixed 64-byte echo size.
func EchoRequest(payload []byte) Packet {
	buf := make([]byte, EchoPayloadSize)
	copy(buf, payload)
	return Packet{Type: TypeEchoRequest, Kind: KindGet, Payload: buf}
}

// DecodeEchoResponse returns the echoed 64-byte payload.
func DecodeEchoResponse(data []byte) ([]byte, error) {
	if len(data) != EchoPayloadSize {
		return nil, fmt.Errorf("%w: echo_response needs %d bytes, got %d",
			ErrInvalidPayload, EchoPayloadSize, len(data))
	}
	return data, nil
}

// GetPower builds a power query.
func GetPower() Packet {
	return Packet{Type: TypeGetPower, Kind: KindGet}
}

// SetPower builds a power change. on maps to PowerOn, off to PowerOff.
func SetPower(on bool) Packet {
	level := PowerOff
	if on {
		level = PowerOn
	}
	return SetPowerLevel(level)
}

// SetPowerLevel builds a power change with an explicit level.
func SetPowerLevel(level uint16) Packet {
	buf := make([]byte, PowerSize)
	binary.LittleEndian.PutUint16(buf, level)
	return Packet{Type: TypeSetPower, Kind: KindSet, Payload: buf}
}

// StatePower reports the device power level.
//
// Wire encoding (2 bytes): level (uint16), 0 = off, 65535 = on.
type StatePower struct {
	Level uint16
}

// Encode returns the wire form of the message.
func (s *StatePower) Encode() []byte {
	buf := make([]byte, PowerSize)
	binary.LittleEndian.PutUint16(buf, s.Level)
	return buf
}

// On reports whether the level is anything other than fully off.
func (s *StatePower) On() bool {
	return s.Level != PowerOff
}

// DecodeStatePower decodes a StatePower payload.
func DecodeStatePower(data []byte) (*StatePower, error) {
	if len(data) != PowerSize {
		return nil, fmt.Errorf("%w: state_power needs %d bytes, got %d",
			ErrInvalidPayload, PowerSize, len(data))
	}
	return &StatePower{Level: binary.LittleEndian.Uint16(data)}, nil
}

// GetLabel builds a label query.
func GetLabel() Packet {
	return Packet{Type: TypeGetLabel, Kind: KindGet}
}

// SetLabel builds a label change. Labels longer than 32 bytes are
// truncated.
func SetLabel(label string) Packet {
	return Packet{Type: TypeSetLabel, Kind: KindSet, Payload: encodeLabel(label)}
}

// StateLabel reports the device label.
//
// Wire encoding (32 bytes): UTF-8 label, zero-padded.
type StateLabel struct {
	Label string
}

// Encode returns the wire form of the message.
func (s *StateLabel) Encode() []byte {
	return encodeLabel(s.Label)
}

// DecodeStateLabel decodes a StateLabel payload.
func DecodeStateLabel(data []byte) (*StateLabel, error) {
	if len(data) != LabelSize {
		return nil, fmt.Errorf("%w: state_label needs %d bytes, got %d",
			ErrInvalidPayload, LabelSize, len(data))
	}
	return &StateLabel{Label: decodeLabel(data)}, nil
}

func encodeLabel(label string) []byte {
	buf := make([]byte, LabelSize)
	copy(buf, label)
	return buf
}

func decodeLabel(data []byte) string {
	return string(bytes.TrimRight(data[:LabelSize], "\x00"))
}

// Color is a light color in HSBK form. Hue, Saturation and Brightness
// span the full uint16 range; Kelvin is the color temperature used when
// Saturation is zero.
//
// Wire encoding (8 bytes): hue, saturation, brightness, kelvin, each
// uint16.
type Color struct {
	Hue        uint16
	Saturation uint16
	Brightness uint16
	Kelvin     uint16
}

func (c Color) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], c.Hue)
	binary.LittleEndian.PutUint16(buf[2:4], c.Saturation)
	binary.LittleEndian.PutUint16(buf[4:6], c.Brightness)
	binary.LittleEndian.PutUint16(buf[6:8], c.Kelvin)
}

func decodeColor(data []byte) Color {
	return Color{
		Hue:        binary.LittleEndian.Uint16(data[0:2]),
		Saturation: binary.LittleEndian.Uint16(data[2:4]),
		Brightness: binary.LittleEndian.Uint16(data[4:6]),
		Kelvin:     binary.LittleEndian.Uint16(data[6:8]),
	}
}

// GetColor builds a light state query.
func GetColor() Packet {
	return Packet{Type: TypeGetColor, Kind: KindGet}
}

// SetColor builds a color change with a transition duration.
//
// Wire encoding (13 bytes):
//
//	byte 0     reserved
//	bytes 1-8  color (HSBK)
//	bytes 9-12 transition duration in milliseconds (uint32)
func SetColor(color Color, transition time.Duration) Packet {
	buf := make([]byte, SetColorSize)
	color.encodeTo(buf[1:9])
	binary.LittleEndian.PutUint32(buf[9:13], uint32(transition.Milliseconds()))
	return Packet{Type: TypeSetColor, Kind: KindSet, Payload: buf}
}

// LightState reports a light's color, power and label.
//
// Wire encoding (52 bytes):
//
//	bytes 0-7   color (HSBK)
//	bytes 8-9   reserved
//	bytes 10-11 power level (uint16)
//	bytes 12-43 label (32 bytes, zero-padded UTF-8)
//	bytes 44-51 reserved
type LightState struct {
	Color Color
	Power uint16
	Label string
}

// Encode returns the wire form of the message.
func (s *LightState) Encode() []byte {
	buf := make([]byte, LightStateSize)
	s.Color.encodeTo(buf[0:8])
	binary.LittleEndian.PutUint16(buf[10:12], s.Power)
	copy(buf[12:12+LabelSize], encodeLabel(s.Label))
	return buf
}

// DecodeLightState decodes a LightState payload.
func DecodeLightState(data []byte) (*LightState, error) {
	if len(data) != LightStateSize {
		return nil, fmt.Errorf("%w: light_state needs %d bytes, got %d",
			ErrInvalidPayload, LightStateSize, len(data))
	}
	return &LightState{
		Color: decodeColor(data[0:8]),
		Power: binary.LittleEndian.Uint16(data[10:12]),
		Label: decodeLabel(data[12 : 12+LabelSize]),
	}, nil
}

// StateUnhandled reports the type id of a message the device received
// but does not implement.
//
// Wire encoding (2 bytes): the unhandled type id (uint16).
type StateUnhandled struct {
	UnhandledType uint16
}

// Encode returns the wire form of the message.
func (s *StateUnhandled) Encode() []byte {
	buf := make([]byte, StateUnhandledSize)
	binary.LittleEndian.PutUint16(buf, s.UnhandledType)
	return buf
}

// DecodeStateUnhandled decodes a StateUnhandled payload.
func DecodeStateUnhandled(data []byte) (*StateUnhandled, error) {
	if len(data) != StateUnhandledSize {
		return nil, fmt.Errorf("%w: state_unhandled needs %d bytes, got %d",
			ErrInvalidPayload, StateUnhandledSize, len(data))
	}
	return &StateUnhandled{UnhandledType: binary.LittleEndian.Uint16(data)}, nil
}
