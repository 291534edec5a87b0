// Package packet defines the Lumen protocol messages the connection
// layer carries.
//
// A Packet is a type id, a kind classification, and opaque payload
// bytes. The connection layer routes packets by type and kind only;
// payload encoding lives entirely in this package.
//
// # Kinds
//
// The kind tells the connection layer what reply shape to expect:
//   - Get: a single matching state reply (declared per type id)
//   - Set: an Acknowledgement, or StateUnhandled from devices that do
//     not implement the command
//   - Other: fire-and-forget, no reply
//
// # Reply Mapping
//
// Each Get-kind type id declares the state type that answers it, for
// example GetPower is answered by StatePower. The mapping is consulted
// when a request is sent; an unregistered Get type is rejected up front
// rather than waiting for a reply that can never be matched. Extension
// messages can be added with RegisterReplyType.
//
// # Payload Encodings
//
// All payload integers are little-endian. Encodings are fixed-size and
// documented per message type.
package packet
