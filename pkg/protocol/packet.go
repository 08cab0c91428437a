package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is returned when a datagram is smaller than its type requires
	ErrShortPacket = errors.New("packet too short")
	// ErrBadSignature is returned when a datagram does not start with Signature
	ErrBadSignature = errors.New("invalid packet signature")
	// ErrUnknownType is returned for an unrecognised message type byte
	ErrUnknownType = errors.New("unknown message type")
)

// Packet is a decoded trunk protocol message. Fields that do not apply to
// Type are zero.
type Packet struct {
	Type     MessageType
	SourceID uint32 // Originating subscriber (or TrunkManagerID)
	TargetID uint32 // Talk-group for calls, subscriber for acks
	Sequence uint16

	// CallData and CallTerm
	AudioSeq uint16
	// CallTerm only: remaining synthesized terminators
	Countdown int16
	// CallData only: opaque audio blob
	Payload []byte

	// Ack only
	Accepted    bool
	AckSequence uint16
}

// NewRegistration creates a registration request from a subscriber
func NewRegistration(source uint32, seq uint16) *Packet {
	return &Packet{Type: TypeRegistration, SourceID: source, TargetID: TrunkManagerID, Sequence: seq}
}

// NewDeregistration creates an explicit sign-off from a subscriber
func NewDeregistration(source uint32, seq uint16) *Packet {
	return &Packet{Type: TypeDeregistration, SourceID: source, TargetID: TrunkManagerID, Sequence: seq}
}

// NewAck creates an acknowledgement of req addressed back to its sender
func NewAck(req *Packet, seq uint16, accepted bool) *Packet {
	return &Packet{
		Type:        TypeAck,
		SourceID:    TrunkManagerID,
		TargetID:    req.SourceID,
		Sequence:    seq,
		Accepted:    accepted,
		AckSequence: req.Sequence,
	}
}

// NewCallInit creates a call setup packet
func NewCallInit(target, source uint32, seq uint16) *Packet {
	return &Packet{Type: TypeCallInit, SourceID: source, TargetID: target, Sequence: seq}
}

// NewCallData creates an audio packet; payload is referenced, not copied
func NewCallData(target, source uint32, seq, audioSeq uint16, payload []byte) *Packet {
	return &Packet{
		Type:     TypeCallData,
		SourceID: source,
		TargetID: target,
		Sequence: seq,
		AudioSeq: audioSeq,
		Payload:  payload,
	}
}

// NewCallTerm creates a call teardown packet
func NewCallTerm(target, source uint32, seq, audioSeq uint16, countdown int16) *Packet {
	return &Packet{
		Type:      TypeCallTerm,
		SourceID:  source,
		TargetID:  target,
		Sequence:  seq,
		AudioSeq:  audioSeq,
		Countdown: countdown,
	}
}

// PeekType returns the message type of a raw datagram without decoding it
func PeekType(data []byte) (MessageType, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if string(data[OffsetSignature:OffsetSignature+2]) != Signature {
		return 0, ErrBadSignature
	}
	t := MessageType(data[OffsetType])
	if t.String() == "UNKNOWN" {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
	return t, nil
}

// Parse decodes a raw datagram. The returned packet does not alias data.
func Parse(data []byte) (*Packet, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	p := &Packet{
		Type:     t,
		SourceID: binary.BigEndian.Uint32(data[OffsetSource : OffsetSource+4]),
		TargetID: binary.BigEndian.Uint32(data[OffsetTarget : OffsetTarget+4]),
		Sequence: binary.BigEndian.Uint16(data[OffsetSequence : OffsetSequence+2]),
	}

	switch t {
	case TypeAck:
		if len(data) < AckPacketSize {
			return nil, fmt.Errorf("%w: ack needs %d bytes, got %d", ErrShortPacket, AckPacketSize, len(data))
		}
		p.Accepted = data[OffsetAckAccepted] != 0
		p.AckSequence = binary.BigEndian.Uint16(data[OffsetAckSequence : OffsetAckSequence+2])

	case TypeCallData:
		if len(data) < CallDataMinSize {
			return nil, fmt.Errorf("%w: call data needs %d bytes, got %d", ErrShortPacket, CallDataMinSize, len(data))
		}
		if len(data) > MaxPacketSize {
			return nil, fmt.Errorf("call data payload too large: %d bytes", len(data)-CallDataMinSize)
		}
		p.AudioSeq = binary.BigEndian.Uint16(data[OffsetAudioSeq : OffsetAudioSeq+2])
		p.Payload = make([]byte, len(data)-OffsetPayload)
		copy(p.Payload, data[OffsetPayload:])

	case TypeCallTerm:
		if len(data) < CallTermPacketSize {
			return nil, fmt.Errorf("%w: call term needs %d bytes, got %d", ErrShortPacket, CallTermPacketSize, len(data))
		}
		p.AudioSeq = binary.BigEndian.Uint16(data[OffsetAudioSeq : OffsetAudioSeq+2])
		p.Countdown = int16(binary.BigEndian.Uint16(data[OffsetCountdown : OffsetCountdown+2]))
	}

	return p, nil
}

// Size returns the encoded length of the packet
func (p *Packet) Size() int {
	switch p.Type {
	case TypeAck:
		return AckPacketSize
	case TypeCallData:
		return CallDataMinSize + len(p.Payload)
	case TypeCallTerm:
		return CallTermPacketSize
	default:
		return HeaderSize
	}
}

// Encode serializes the packet to its wire form
func (p *Packet) Encode() []byte {
	data := make([]byte, p.Size())

	copy(data[OffsetSignature:], Signature)
	data[OffsetType] = byte(p.Type)
	binary.BigEndian.PutUint32(data[OffsetSource:OffsetSource+4], p.SourceID)
	binary.BigEndian.PutUint32(data[OffsetTarget:OffsetTarget+4], p.TargetID)
	binary.BigEndian.PutUint16(data[OffsetSequence:OffsetSequence+2], p.Sequence)

	switch p.Type {
	case TypeAck:
		if p.Accepted {
			data[OffsetAckAccepted] = 1
		}
		binary.BigEndian.PutUint16(data[OffsetAckSequence:OffsetAckSequence+2], p.AckSequence)
	case TypeCallData:
		binary.BigEndian.PutUint16(data[OffsetAudioSeq:OffsetAudioSeq+2], p.AudioSeq)
		copy(data[OffsetPayload:], p.Payload)
	case TypeCallTerm:
		binary.BigEndian.PutUint16(data[OffsetAudioSeq:OffsetAudioSeq+2], p.AudioSeq)
		binary.BigEndian.PutUint16(data[OffsetCountdown:OffsetCountdown+2], uint16(p.Countdown))
	}

	return data
}

// String returns a compact human-readable form for logging
func (p *Packet) String() string {
	switch p.Type {
	case TypeCallData:
		return fmt.Sprintf("%s src=%d tgt=%d seq=%d audio_seq=%d len=%d",
			p.Type, p.SourceID, p.TargetID, p.Sequence, p.AudioSeq, len(p.Payload))
	case TypeCallTerm:
		return fmt.Sprintf("%s src=%d tgt=%d seq=%d audio_seq=%d countdown=%d",
			p.Type, p.SourceID, p.TargetID, p.Sequence, p.AudioSeq, p.Countdown)
	case TypeAck:
		return fmt.Sprintf("%s src=%d tgt=%d seq=%d accepted=%t ack_seq=%d",
			p.Type, p.SourceID, p.TargetID, p.Sequence, p.Accepted, p.AckSequence)
	default:
		return fmt.Sprintf("%s src=%d tgt=%d seq=%d", p.Type, p.SourceID, p.TargetID, p.Sequence)
	}
}
