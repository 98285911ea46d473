package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message is one opcode-addressed frame. Requests carry a correlation id
// unique within the sender's in-flight window; a response reuses the id of
// the request it acknowledges. Notifications carry correlation id zero and
// expect no acknowledgement.
type Message struct {
	Op            OpCode
	Status        Status
	CorrelationID uint32
	Payload       []byte
}

// Frame layout: op uint16 | status uint8 | correlation uint32 | payload len
// uint32 | payload bytes. Big-endian throughout.
const headerSize = 2 + 1 + 4 + 4

// MaxPayloadSize bounds a single frame. Large transfers belong in multiple
// messages, not one giant frame.
const MaxPayloadSize = 1 << 20

// IsResponse reports whether the message acknowledges an earlier request.
func (m *Message) IsResponse() bool {
	return m.Status != StatusNone
}

// Encode serializes the message to its wire frame.
func (m *Message) Encode() []byte {
	buf := make([]byte, headerSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Op))
	buf[2] = byte(m.Status)
	binary.BigEndian.PutUint32(buf[3:7], m.CorrelationID)
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(m.Payload)))
	copy(buf[headerSize:], m.Payload)
	return buf
}

// DecodeMessage parses a wire frame produced by Encode.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrProtocol, len(data))
	}
	payloadLen := binary.BigEndian.Uint32(data[7:11])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit", ErrProtocol, payloadLen)
	}
	if uint32(len(data)-headerSize) != payloadLen {
		return nil, fmt.Errorf("%w: payload length mismatch (header %d, actual %d)",
			ErrProtocol, payloadLen, len(data)-headerSize)
	}
	m := &Message{
		Op:            OpCode(binary.BigEndian.Uint16(data[0:2])),
		Status:        Status(data[2]),
		CorrelationID: binary.BigEndian.Uint32(data[3:7]),
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		copy(m.Payload, data[headerSize:])
	}
	return m, nil
}
