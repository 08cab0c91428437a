package protocol

// Signature is the two-byte prefix carried by every trunk datagram
const Signature = "PT"

// MessageType identifies the protocol variant carried by a datagram
type MessageType uint8

// Message types
const (
	TypeRegistration   MessageType = 0x01
	TypeAck            MessageType = 0x02
	TypeCallInit       MessageType = 0x03
	TypeCallData       MessageType = 0x04
	TypeCallTerm       MessageType = 0x05
	TypeDeregistration MessageType = 0x06
)

// String returns the string representation of the message type
func (t MessageType) String() string {
	switch t {
	case TypeRegistration:
		return "REGISTRATION"
	case TypeAck:
		return "ACK"
	case TypeCallInit:
		return "CALL_INIT"
	case TypeCallData:
		return "CALL_DATA"
	case TypeCallTerm:
		return "CALL_TERM"
	case TypeDeregistration:
		return "DEREGISTRATION"
	default:
		return "UNKNOWN"
	}
}

// IsCall reports whether the type belongs to a call (init, data or term)
func (t MessageType) IsCall() bool {
	return t == TypeCallInit || t == TypeCallData || t == TypeCallTerm
}

// Header field offsets
const (
	OffsetSignature = 0
	OffsetType      = 2
	OffsetSource    = 3
	OffsetTarget    = 7
	OffsetSequence  = 11
	HeaderSize      = 13
)

// Type-specific tail offsets, relative to the start of the datagram
const (
	OffsetAckAccepted = HeaderSize     // 1 byte
	OffsetAckSequence = HeaderSize + 1 // 2 bytes
	OffsetAudioSeq    = HeaderSize     // 2 bytes, CallData and CallTerm
	OffsetPayload     = HeaderSize + 2 // CallData audio payload
	OffsetCountdown   = HeaderSize + 2 // 2 bytes signed, CallTerm
)

// Packet sizes (in bytes)
const (
	RegistrationPacketSize   = HeaderSize
	DeregistrationPacketSize = HeaderSize
	AckPacketSize            = HeaderSize + 3
	CallInitPacketSize       = HeaderSize
	CallTermPacketSize       = HeaderSize + 4
	CallDataMinSize          = HeaderSize + 2

	// MaxPayload bounds the opaque audio blob of a CallData packet
	MaxPayload = 960

	// MaxPacketSize is the largest datagram the codec produces or accepts
	MaxPacketSize = CallDataMinSize + MaxPayload
)

// TrunkManagerID is the source id the relay uses for packets it originates (acks)
const TrunkManagerID uint32 = 1
