package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SerialSize is the length of a device serial in bytes.
const SerialSize = 6

// ErrInvalidSerial indicates a string that does not parse as a serial.
var ErrInvalidSerial = errors.New("invalid serial")

// Serial is a 6-byte device identifier. The zero value is the broadcast
// target addressing all devices. Serials compare and hash by their raw
// bytes and are freely copied.
type Serial [SerialSize]byte

// ParseSerial parses a 12-hex-digit serial string. ':' and '-'
// separators between digit pairs are accepted, as is mixed case.
func ParseSerial(s string) (Serial, error) {
	var serial Serial

	cleaned := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(cleaned) != SerialSize*2 {
		return serial, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return serial, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}

	copy(serial[:], raw)
	return serial, nil
}

// MustParseSerial is like ParseSerial but panics on error.
func MustParseSerial(s string) Serial {
	serial, err := ParseSerial(s)
	if err != nil {
		panic(err)
	}
	return serial
}

// String returns the serial as 12 lowercase hex digits.
func (s Serial) String() string {
	return hex.EncodeToString(s[:])
}

// IsBroadcast reports whether the serial is the all-zero broadcast
// target.
func (s Serial) IsBroadcast() bool {
	return s == Serial{}
}
