// Package transport provides the Lumen UDP transport layer.
//
// The transport layer handles:
//   - One UDP socket per transport, bound to a local address/port
//   - Raw datagram send/receive with protocol size validation
//   - Broadcast sends for discovery
//   - Optional datagram logging
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│     Device Messages            │
//	├────────────────────────────────┤
//	│   36-Byte Binary Header        │
//	├────────────────────────────────┤
//	│           UDP                  │
//	├────────────────────────────────┤
//	│         IPv4 only              │
//	└────────────────────────────────┘
//
// # Size Validation
//
// Received datagrams must satisfy wire.MinMessageSize <= size <=
// wire.MaxMessageSize. Receive rejects violations with a protocol
// error; ReceiveMany discards them silently and keeps draining.
// The bounds guard against junk traffic and oversized floods on the
// well-known port.
//
// # Broadcast
//
// UDP sockets created by this package are broadcast-capable (the Go
// runtime enables SO_BROADCAST on datagram sockets), so discovery can
// send to the limited broadcast address without extra socket setup.
// BroadcastAddr returns the conventional destination.
package transport
