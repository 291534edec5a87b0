package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants.
const (
	// HeaderSize is the fixed size of the message header in bytes.
	HeaderSize = 36

	// ProtocolNumber is the protocol version carried in every header.
	ProtocolNumber = 1024

	// MinMessageSize is the minimum valid message size (header only).
	MinMessageSize = HeaderSize

	// MaxMessageSize is the maximum accepted message size.
	// Larger datagrams are rejected to resist oversized-packet floods.
	MaxMessageSize = 1024

	// MaxSequence is the largest sequence number. Allocation wraps past it.
	MaxSequence = 255
)

// Bit layout of header bytes 2-3.
const (
	protocolMask   = 0x0FFF
	addressableBit = 1 << 12
	taggedBit      = 1 << 13
	originShift    = 14
)

// Bit layout of the flag byte (header byte 22).
const (
	resRequiredBit = 1 << 0
	ackRequiredBit = 1 << 1
)

// Wire format errors.
var (
	// ErrMessageTooSmall indicates a buffer shorter than the fixed header.
	ErrMessageTooSmall = errors.New("message too small")

	// ErrMessageTooLarge indicates a message exceeding MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedHeader indicates a header that fails validation.
	ErrMalformedHeader = errors.New("malformed header")
)

// Header is the fixed 36-byte message header.
type Header struct {
	// Size is the total message length in bytes, header included.
	Size uint16

	// Tagged marks a broadcast message addressed to all devices.
	Tagged bool

	// Source is the 32-bit session id chosen by the client. A reply
	// carries the source of the request it answers.
	Source uint32

	// Target is the destination device serial. The zero serial addresses
	// all devices and is only meaningful together with Tagged.
	Target Serial

	// ResRequired asks the device to reply with a state message.
	ResRequired bool

	// AckRequired asks the device to reply with an acknowledgement.
	AckRequired bool

	// Sequence correlates a reply to its request. Wraps past MaxSequence.
	Sequence uint8

	// Type identifies the message payload type.
	Type uint16
}

// Pack encodes the header into its 36-byte wire form. The addressable
// bit is always set; origin bits are always zero. The 6-byte target
// serial is zero-padded to the 8-byte wire field.
func (h *Header) Pack() []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint16(buf[0:2], h.Size)

	field := uint16(ProtocolNumber) | addressableBit
	if h.Tagged {
		field |= taggedBit
	}
	binary.LittleEndian.PutUint16(buf[2:4], field)

	binary.LittleEndian.PutUint32(buf[4:8], h.Source)
	copy(buf[8:8+SerialSize], h.Target[:])

	var flags byte
	if h.ResRequired {
		flags |= resRequiredBit
	}
	if h.AckRequired {
		flags |= ackRequiredBit
	}
	buf[22] = flags
	buf[23] = h.Sequence

	binary.LittleEndian.PutUint16(buf[32:34], h.Type)

	return buf
}

// UnpackHeader decodes a header from the first 36 bytes of data.
// The 8-byte target field is truncated back to the 6-byte serial.
func UnpackHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrMessageTooSmall, len(data), HeaderSize)
	}

	field := binary.LittleEndian.Uint16(data[2:4])
	if proto := field & protocolMask; proto != ProtocolNumber {
		return nil, fmt.Errorf("%w: protocol %d", ErrMalformedHeader, proto)
	}
	if field&addressableBit == 0 {
		return nil, fmt.Errorf("%w: addressable bit not set", ErrMalformedHeader)
	}
	if origin := field >> originShift; origin != 0 {
		return nil, fmt.Errorf("%w: origin %d", ErrMalformedHeader, origin)
	}

	h := &Header{
		Size:        binary.LittleEndian.Uint16(data[0:2]),
		Tagged:      field&taggedBit != 0,
		Source:      binary.LittleEndian.Uint32(data[4:8]),
		ResRequired: data[22]&resRequiredBit != 0,
		AckRequired: data[22]&ackRequiredBit != 0,
		Sequence:    data[23],
		Type:        binary.LittleEndian.Uint16(data[32:34]),
	}
	copy(h.Target[:], data[8:8+SerialSize])

	return h, nil
}

// EncodeMessage frames payload behind the header, setting the header
// size field to the total message length.
func EncodeMessage(h *Header, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, MaxMessageSize)
	}
	h.Size = uint16(total)

	msg := make([]byte, 0, total)
	msg = append(msg, h.Pack()...)
	msg = append(msg, payload...)
	return msg, nil
}

// DecodeMessage splits a raw datagram into header and payload.
// The payload slice aliases data.
func DecodeMessage(data []byte) (*Header, []byte, error) {
	h, err := UnpackHeader(data)
	if err != nil {
		return nil, nil, err
	}
	return h, data[HeaderSize:], nil
}
