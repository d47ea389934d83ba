package proto

import (
	"encoding/binary"

	"github.com/avinier/burrow/pkg/buffer"
)

// FrameDecoder parses complete message frames out of a session's receive
// ring buffer.
//
// Decode inspects the buffered bytes through PeekViews without copying the
// frame header, consumes exactly one complete frame when present, and leaves
// partial frames untouched so the caller can read more bytes and retry.
type FrameDecoder struct {
	maxFrameSize int
}

// NewFrameDecoder returns a decoder that rejects frames whose length prefix
// exceeds maxFrameSize (payload plus id byte).
func NewFrameDecoder(maxFrameSize int) *FrameDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = 1 << 20
	}
	return &FrameDecoder{maxFrameSize: maxFrameSize}
}

// Decode parses one message from ring.
//
// Returns (msg, true, nil) for a complete frame — msg is nil for keep-alive.
// Returns (nil, false, nil) when the buffered bytes do not yet form a
// complete frame. Returns an error for oversized frames or per-id payload
// size violations; the connection should be dropped in that case.
func (d *FrameDecoder) Decode(ring *buffer.Ring) (*Message, bool, error) {
	var hdr [4]byte
	if !peekInto(ring, hdr[:]) {
		return nil, false, nil
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		ring.Consume(4)
		return nil, true, nil // keep-alive
	}
	if int(length) > d.maxFrameSize {
		return nil, false, ErrFrameTooLarge
	}

	frame := make([]byte, 4+int(length))
	if !peekInto(ring, frame) {
		return nil, false, nil // partial frame; wait for more bytes
	}

	msg := &Message{
		ID:      MessageID(frame[4]),
		Payload: frame[5:],
	}
	if err := msg.ValidatePayloadSize(); err != nil {
		return nil, false, err
	}

	ring.Consume(len(frame))
	return msg, true, nil
}

// peekInto fills dst from the ring's readable bytes without consuming.
// Returns false when fewer than len(dst) bytes are buffered.
func peekInto(ring *buffer.Ring, dst []byte) bool {
	views := ring.PeekViews(len(dst))

	n := 0
	for _, v := range views {
		n += copy(dst[n:], v)
	}
	return n == len(dst)
}
