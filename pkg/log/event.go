package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection or scan (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates datagram flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Serial is the device serial the event concerns, as 12 hex digits.
	Serial string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram    *DatagramEvent    `cbor:"8,keyasint,omitempty"`  // Transport layer
	StateChange *StateChangeEvent `cbor:"9,keyasint,omitempty"`  // Lifecycle
	Request     *RequestEvent     `cbor:"10,keyasint,omitempty"` // Attempts/retries
	Error       *ErrorEventData   `cbor:"11,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of datagram flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming datagram.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing datagram.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the UDP socket layer (raw datagrams).
	LayerTransport Layer = 0
	// LayerConnection is the correlation and retry layer.
	LayerConnection Layer = 1
	// LayerDiscovery is the network scan layer.
	LayerDiscovery Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerConnection:
		return "CONNECTION"
	case LayerDiscovery:
		return "DISCOVERY"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryDatagram indicates a raw protocol datagram.
	CategoryDatagram Category = 0
	// CategoryState indicates a lifecycle state change.
	CategoryState Category = 1
	// CategoryRequest indicates a request attempt or retry.
	CategoryRequest Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryDatagram:
		return "DATAGRAM"
	case CategoryState:
		return "STATE"
	case CategoryRequest:
		return "REQUEST"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DatagramEvent captures one datagram at the transport layer.
type DatagramEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Type is the protocol message type id, when the header parsed.
	Type uint16 `cbor:"2,keyasint,omitempty"`

	// Source is the session id from the header, when it parsed.
	Source uint32 `cbor:"3,keyasint,omitempty"`

	// Sequence is the sequence number from the header.
	Sequence uint8 `cbor:"4,keyasint,omitempty"`

	// Data is the raw datagram bytes (may be truncated).
	Data []byte `cbor:"5,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures connection and scan lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityScan indicates a discovery scan state change.
	StateEntityScan StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityScan:
		return "SCAN"
	default:
		return "UNKNOWN"
	}
}

// RequestEvent captures one attempt of a correlated request.
type RequestEvent struct {
	// Type is the outgoing message type id.
	Type uint16 `cbor:"1,keyasint"`

	// Sequence is the sequence number allocated to the request.
	Sequence uint8 `cbor:"2,keyasint"`

	// Attempt is the 1-based attempt number.
	Attempt int `cbor:"3,keyasint"`

	// MaxAttempts is the attempt budget for the request.
	MaxAttempts int `cbor:"4,keyasint"`

	// Timeout is the per-attempt deadline (nanoseconds).
	Timeout time.Duration `cbor:"5,keyasint,omitempty"`

	// Backoff is the delay before the next attempt (nanoseconds),
	// set on retry events.
	Backoff time.Duration `cbor:"6,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
