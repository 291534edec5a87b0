// Package wire defines the binary wire format for the Lumen LAN protocol.
//
// Every Lumen message starts with a fixed 36-byte header carrying routing
// and correlation metadata, followed by an optional payload. All integers
// are little-endian.
//
// # Header Layout
//
//	┌───────┬──────────────────────────────────────────────────┐
//	│ Bytes │ Field                                            │
//	├───────┼──────────────────────────────────────────────────┤
//	│ 0-1   │ size (total message length, header included)     │
//	│ 2-3   │ protocol(12) | addressable(1) | tagged(1) | orig │
//	│ 4-7   │ source (32-bit client session id)                │
//	│ 8-15  │ target (6-byte serial zero-padded to 8)          │
//	│ 16-21 │ reserved                                         │
//	│ 22    │ flags (bit0 res_required, bit1 ack_required)     │
//	│ 23    │ sequence                                         │
//	│ 24-31 │ reserved                                         │
//	│ 32-33 │ type (16-bit message type id)                    │
//	│ 34-35 │ reserved                                         │
//	└───────┴──────────────────────────────────────────────────┘
//
// # Correlation
//
// Replies carry the source and sequence of the request they answer, and
// the replying device's serial in the target field. The triple
// (source, sequence, serial) is the correlation key for in-flight
// requests; it is deliberately independent of the sender's IP address.
//
// # Validation
//
// UnpackHeader rejects buffers shorter than the header, an unset
// addressable bit, nonzero origin bits, and any protocol number other
// than ProtocolNumber. There is no lenient parse.
package wire
