// Package connection provides the per-device message correlator and
// retry engine.
//
// This package handles:
//   - Connection lifecycle (CLOSED, OPENING, OPEN, CLOSING)
//   - Demultiplexing inbound datagrams to in-flight requests
//   - Bounded retries with exponential backoff and jitter
//   - Sequence number allocation
//
// # Correlation
//
// A background receive loop parses every inbound datagram and looks up
// the pending request keyed by (source, sequence, serial). Matches are
// delivered to the waiting caller; everything else is dropped silently.
// The loop deliberately does not filter by source IP: NAT, multiple
// interfaces, and bridges make IP validation unreliable, and the
// protocol-level triple is sufficient because source is a per-session
// random id and sequence is session-scoped.
//
// # Retry Strategy
//
// Each request carries an attempt budget and a per-attempt deadline.
// Retries resend with the same sequence number, so a late reply to an
// earlier attempt still correlates. Delay between attempts grows
// exponentially:
//
//  1. Initial delay: 50 milliseconds
//  2. Exponential increase: 100ms, 200ms, 400ms, 800ms
//  3. Maximum delay: 1 second
//
// # Jitter
//
// To avoid synchronized retry bursts against one device:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
