package connection

import (
	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/wire"
)

// Response is one correlated reply to a request.
type Response struct {
	// Type is the reply message type id.
	Type uint16

	// Sequence echoes the request sequence number.
	Sequence uint8

	// Serial is the responding device serial from the header.
	Serial wire.Serial

	// Payload is the reply body: decode with the pkg/packet
	// Decode* helper matching Type.
	Payload []byte
}

func newResponse(d delivery) *Response {
	return &Response{
		Type:     d.header.Type,
		Sequence: d.header.Sequence,
		Serial:   d.header.Target,
		Payload:  d.payload,
	}
}

// Acked reports whether the reply is an Acknowledgement, the
// success outcome of a SET-kind request.
func (r *Response) Acked() bool {
	return r.Type == packet.TypeAcknowledgement
}

// Unhandled reports whether the device rejected the request as an
// unsupported type.
func (r *Response) Unhandled() bool {
	return r.Type == packet.TypeStateUnhandled
}
