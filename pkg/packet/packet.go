package packet

// Kind classifies a packet by the reply shape it expects.
type Kind uint8

const (
	// KindOther is a fire-and-forget packet expecting no reply.
	KindOther Kind = 0

	// KindGet expects a single matching state reply.
	KindGet Kind = 1

	// KindSet expects an Acknowledgement or StateUnhandled reply.
	KindSet Kind = 2

	// KindStateAck marks inbound replies: state messages,
	// acknowledgements and StateUnhandled.
	KindStateAck Kind = 3
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindOther:
		return "OTHER"
	case KindGet:
		return "GET"
	case KindSet:
		return "SET"
	case KindStateAck:
		return "STATE_ACK"
	default:
		return "UNKNOWN"
	}
}

// Packet is one protocol message: a type id, a kind, and opaque payload
// bytes. The connection layer never inspects the payload.
type Packet struct {
	Type    uint16
	Kind    Kind
	Payload []byte
}
