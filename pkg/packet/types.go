package packet

import "sync"

// Device message type ids.
const (
	// TypeGetService asks a device to report its service and port.
	// Sent tagged to the broadcast address during discovery.
	TypeGetService uint16 = 2

	// TypeStateService is the reply to GetService.
	TypeStateService uint16 = 3

	// TypeGetPower asks for the device power level.
	TypeGetPower uint16 = 20

	// TypeSetPower sets the device power level.
	TypeSetPower uint16 = 21

	// TypeStatePower is the reply to GetPower.
	TypeStatePower uint16 = 22

	// TypeGetLabel asks for the device label.
	TypeGetLabel uint16 = 23

	// TypeSetLabel sets the device label.
	TypeSetLabel uint16 = 24

	// TypeStateLabel is the reply to GetLabel.
	TypeStateLabel uint16 = 25

	// TypeAcknowledgement confirms a packet sent with ack_required.
	TypeAcknowledgement uint16 = 45

	// TypeEchoRequest asks the device to echo a payload back.
	TypeEchoRequest uint16 = 58

	// TypeEchoResponse is the reply to EchoRequest.
	TypeEchoResponse uint16 = 59

	// TypeStateUnhandled reports that the device received a message
	// type it does not implement.
	TypeStateUnhandled uint16 = 223
)

// Light message type ids.
const (
	// TypeGetColor asks a light for its color and power state.
	TypeGetColor uint16 = 101

	// TypeSetColor sets a light's color with a transition duration.
	TypeSetColor uint16 = 102

	// TypeLightState is the reply to GetColor.
	TypeLightState uint16 = 107
)

var (
	replyMu sync.RWMutex

	// replyTypes maps a Get-kind request type to the state type that
	// answers it.
	replyTypes = map[uint16]uint16{
		TypeGetService:  TypeStateService,
		TypeGetPower:    TypeStatePower,
		TypeGetLabel:    TypeStateLabel,
		TypeEchoRequest: TypeEchoResponse,
		TypeGetColor:    TypeLightState,
	}
)

// ReplyType returns the state type id that answers the given request
// type, and whether a mapping is registered.
func ReplyType(requestType uint16) (uint16, bool) {
	replyMu.RLock()
	defer replyMu.RUnlock()
	reply, ok := replyTypes[requestType]
	return reply, ok
}

// RegisterReplyType declares the state type answering an extension
// request type. Registering an already-mapped request type replaces
// the mapping.
func RegisterReplyType(requestType, replyType uint16) {
	replyMu.Lock()
	defer replyMu.Unlock()
	replyTypes[requestType] = replyType
}
