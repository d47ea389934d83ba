package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9

	// fast extension (BEP 6)
	MsgSuggestPiece  MessageID = 13
	MsgHaveAll       MessageID = 14
	MsgHaveNone      MessageID = 15
	MsgRejectRequest MessageID = 16
	MsgAllowedFast   MessageID = 17

	// extension protocol (BEP 10)
	MsgExtended MessageID = 20
)

func (mid MessageID) String() string {
	switch mid {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgPort:
		return "Port"
	case MsgSuggestPiece:
		return "SuggestPiece"
	case MsgHaveAll:
		return "HaveAll"
	case MsgHaveNone:
		return "HaveNone"
	case MsgRejectRequest:
		return "RejectRequest"
	case MsgAllowedFast:
		return "AllowedFast"
	case MsgExtended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(mid))
	}
}

// Message represents a single BitTorrent length-prefixed message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame. For non-nil messages, Payload
// may be empty for messages that carry no data.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("proto: short message")
	ErrBadLengthPrefix = errors.New("proto: invalid length prefix")
	ErrBadPayloadSize  = errors.New("proto: invalid payload size for message")
	ErrFrameTooLarge   = errors.New("proto: frame exceeds maximum size")
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: MsgChoke} }
func MessageUnchoke() *Message       { return &Message{ID: MsgUnchoke} }
func MessageInterested() *Message    { return &Message{ID: MsgInterested} }
func MessageNotInterested() *Message { return &Message{ID: MsgNotInterested} }
func MessageHaveAll() *Message       { return &Message{ID: MsgHaveAll} }
func MessageHaveNone() *Message      { return &Message{ID: MsgHaveNone} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: MsgHave, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: MsgBitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Payload: putTriple(index, begin, length)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Payload: putTriple(index, begin, length)}
}

func MessageRejectRequest(index, begin, length uint32) *Message {
	return &Message{ID: MsgRejectRequest, Payload: putTriple(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: MsgPiece, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)

	return &Message{ID: MsgPort, Payload: payload}
}

func MessageSuggestPiece(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: MsgSuggestPiece, Payload: payload}
}

func MessageAllowedFast(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: MsgAllowedFast, Payload: payload}
}

// MessageExtended wraps a BEP 10 sub-message: one byte of negotiated
// extension id followed by the raw (usually bencoded) body.
func MessageExtended(extID uint8, body []byte) *Message {
	payload := make([]byte, 1+len(body))
	payload[0] = extID
	copy(payload[1:], body)

	return &Message{ID: MsgExtended, Payload: payload}
}

func putTriple(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseHave returns the piece index for Have, SuggestPiece, or AllowedFast.
// ok is false if the payload length is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request/Cancel/RejectRequest payload into index,
// begin, and length. ok is false if the payload is not exactly 12 bytes.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// The block aliases the payload. ok is false if there are fewer than 8 bytes
// of header.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParsePort parses a Port payload. ok is false unless exactly 2 bytes.
func (m *Message) ParsePort() (port uint16, ok bool) {
	if m == nil || m.ID != MsgPort || len(m.Payload) != 2 {
		return 0, false
	}

	return binary.BigEndian.Uint16(m.Payload), true
}

// ParseExtended splits an Extended payload into the negotiated extension id
// and its body. The body aliases the payload.
func (m *Message) ParseExtended() (extID uint8, body []byte, ok bool) {
	if m == nil || m.ID != MsgExtended || len(m.Payload) < 1 {
		return 0, nil, false
	}

	return m.Payload[0], m.Payload[1:], true
}

// ValidatePayloadSize checks the fixed-size payload rules for m's id.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil // keep-alive
	}

	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested, MsgHaveAll, MsgHaveNone:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case MsgHave, MsgSuggestPiece, MsgAllowedFast:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case MsgRequest, MsgCancel, MsgRejectRequest:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case MsgPiece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case MsgPort:
		if len(m.Payload) != 2 {
			return ErrBadPayloadSize
		}
	case MsgExtended:
		if len(m.Payload) < 1 {
			return ErrBadPayloadSize
		}
	}
	return nil
}

// WireLen returns the frame's full length on the wire, including the 4-byte
// prefix.
func (m *Message) WireLen() int {
	if m == nil {
		return 4
	}
	return 4 + 1 + len(m.Payload)
}

// WriteTo writes the frame to w without building a single contiguous
// message buffer: the 5-byte header and the payload are written in
// sequence.
//
// For keep-alive (m == nil), it writes 4 zero bytes.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(1+len(m.Payload)))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil || len(m.Payload) == 0 {
		return int64(n1), err
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// WriteMessage writes m to w. If m is nil, it writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
