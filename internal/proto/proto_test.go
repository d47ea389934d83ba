package proto

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/avinier/burrow/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHashes() (infoHash, peerID [sha1.Size]byte) {
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, sha1.Size))
	copy(peerID[:], "-BW0100-abcdefghijkl")
	return
}

func TestHandshake_RoundTrip(t *testing.T) {
	infoHash, peerID := testHashes()
	h := NewHandshake(infoHash, peerID, true)

	wire, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, wire, 68)

	// parse then re-emit must reproduce the original bytes
	var back Handshake
	require.NoError(t, back.UnmarshalBinary(wire))
	wire2, err := back.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, wire, wire2)

	assert.True(t, back.SupportsExtensions())
	assert.True(t, back.SupportsFast())
	assert.Equal(t, byte(0x10), wire[1+19+5], "extension bit is byte 5 bit 0x10")
	assert.Equal(t, byte(0x04), wire[1+19+7], "fast bit is byte 7 bit 0x04")
}

func TestReadHandshake_Mismatches(t *testing.T) {
	infoHash, peerID := testHashes()

	t.Run("info-hash-mismatch", func(t *testing.T) {
		wire, _ := NewHandshake(infoHash, peerID, false).MarshalBinary()

		var other [sha1.Size]byte
		copy(other[:], infoHash[:])
		other[0] ^= 0x01 // differs by one bit

		_, err := ReadHandshake(bytes.NewReader(wire), &other)
		assert.ErrorIs(t, err, ErrInfoHashMismatch)
	})

	t.Run("protocol-string-mismatch", func(t *testing.T) {
		h := NewHandshake(infoHash, peerID, false)
		h.Pstr = "BitTorrent protocoL"
		wire, _ := h.MarshalBinary()

		_, err := ReadHandshake(bytes.NewReader(wire), &infoHash)
		assert.ErrorIs(t, err, ErrProtocolMismatch)
	})

	t.Run("short-read", func(t *testing.T) {
		wire, _ := NewHandshake(infoHash, peerID, false).MarshalBinary()

		_, err := ReadHandshake(bytes.NewReader(wire[:20]), &infoHash)
		assert.Error(t, err)
	})
}

func TestMessage_WriteParse(t *testing.T) {
	var buf bytes.Buffer
	msg := MessageRequest(7, 16384, 16384)
	require.NoError(t, WriteMessage(&buf, msg))

	wire := buf.Bytes()
	assert.Equal(t, []byte{0, 0, 0, 13}, wire[:4])
	assert.Equal(t, byte(MsgRequest), wire[4])

	index, begin, length, ok := msg.ParseRequest()
	require.True(t, ok)
	assert.Equal(t, uint32(7), index)
	assert.Equal(t, uint32(16384), begin)
	assert.Equal(t, uint32(16384), length)
}

func TestMessage_KeepAliveWire(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())
}

func TestMessage_PieceAndExtended(t *testing.T) {
	block := []byte("blockdata")
	p := MessagePiece(3, 32768, block)

	index, begin, got, ok := p.ParsePiece()
	require.True(t, ok)
	assert.Equal(t, uint32(3), index)
	assert.Equal(t, uint32(32768), begin)
	assert.Equal(t, block, got)

	ext := MessageExtended(0, []byte("d1:md2:ut1:1ee"))
	id, body, ok := ext.ParseExtended()
	require.True(t, ok)
	assert.Equal(t, uint8(0), id)
	assert.Equal(t, []byte("d1:md2:ut1:1ee"), body)
}

func TestValidatePayloadSize(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{"keepalive", nil, false},
		{"choke-clean", &Message{ID: MsgChoke}, false},
		{"choke-dirty", &Message{ID: MsgChoke, Payload: []byte{1}}, true},
		{"have-short", &Message{ID: MsgHave, Payload: []byte{1, 2}}, true},
		{"reject-ok", MessageRejectRequest(1, 2, 3), false},
		{"piece-short", &Message{ID: MsgPiece, Payload: []byte{1, 2, 3}}, true},
		{"have-all", MessageHaveAll(), false},
		{"extended-empty", &Message{ID: MsgExtended}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.ValidatePayloadSize()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func writeWire(t *testing.T, ring *buffer.Ring, msgs ...*Message) {
	t.Helper()

	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}
	require.Equal(t, buf.Len(), ring.Write(buf.Bytes()))
}

func TestFrameDecoder_CompleteAndPartial(t *testing.T) {
	ring := buffer.NewRing(4096)
	dec := NewFrameDecoder(1 << 16)

	writeWire(t, ring, MessageHave(42), nil, MessageUnchoke())

	msg, ok, err := dec.Decode(ring)
	require.NoError(t, err)
	require.True(t, ok)
	index, _ := msg.ParseHave()
	assert.Equal(t, uint32(42), index)

	msg, ok, err = dec.Decode(ring)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, IsKeepAlive(msg))

	msg, ok, err = dec.Decode(ring)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgUnchoke, msg.ID)

	// buffer fully drained
	assert.Equal(t, 0, ring.Used())
	_, ok, err = dec.Decode(ring)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFrameDecoder_PartialLeavesBufferUntouched(t *testing.T) {
	ring := buffer.NewRing(4096)
	dec := NewFrameDecoder(1 << 16)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MessagePiece(1, 0, bytes.Repeat([]byte{0xCC}, 64))))
	wire := buf.Bytes()

	ring.Write(wire[:10]) // header + partial payload

	_, ok, err := dec.Decode(ring)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 10, ring.Used(), "partial frame stays buffered")

	ring.Write(wire[10:])
	msg, ok, err := dec.Decode(ring)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgPiece, msg.ID)
}

func TestFrameDecoder_MaxFrameSizeBoundary(t *testing.T) {
	const maxFrame = 64
	dec := NewFrameDecoder(maxFrame)

	// length prefix counts id + payload: maxFrame total is accepted
	ring := buffer.NewRing(4096)
	writeWire(t, ring, MessageBitfield(bytes.Repeat([]byte{0xFF}, maxFrame-1)))

	_, ok, err := dec.Decode(ring)
	require.NoError(t, err)
	assert.True(t, ok)

	// one byte over is a protocol error
	ring.Clear()
	writeWire(t, ring, MessageBitfield(bytes.Repeat([]byte{0xFF}, maxFrame)))

	_, _, err = dec.Decode(ring)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
