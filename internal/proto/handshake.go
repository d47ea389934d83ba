// Package proto implements the BitTorrent peer wire format: the connection
// handshake and the length-prefixed message frames of BEP 3, the fast
// extension messages of BEP 6, and the extended message envelope of BEP 10.
package proto

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8

	// reserved-bit positions, per BEP 10 and BEP 6
	extensionByte = 5
	extensionMask = 0x10
	fastByte      = 7
	fastMask      = 0x04
)

// Handshake represents the initial BitTorrent wire handshake.
//
// Wire format (in bytes):
//
//	<pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
//
// The handshake is always the first message sent upon connecting to a peer.
// It identifies the torrent being downloaded (via info_hash) and the local
// peer; the reserved bytes advertise protocol capabilities.
type Handshake struct {
	Pstr     string          // Protocol identifier, always "BitTorrent protocol"
	Reserved [reservedN]byte // Capability flags (extension protocol, fast, ...)
	InfoHash [sha1.Size]byte // SHA1 hash of the torrent's "info" dictionary
	PeerID   [sha1.Size]byte // Unique 20-byte peer identifier
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake for infoHash/peerID advertising
// the extension protocol (BEP 10) and, when fast is set, the fast extension
// (BEP 6).
func NewHandshake(infoHash, peerID [sha1.Size]byte, fast bool) *Handshake {
	h := &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	h.Reserved[extensionByte] |= extensionMask
	if fast {
		h.Reserved[fastByte] |= fastMask
	}

	return h
}

// SupportsExtensions reports whether the remote advertised BEP 10.
func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByte]&extensionMask != 0
}

// SupportsFast reports whether the remote advertised BEP 6.
func (h *Handshake) SupportsFast() bool {
	return h.Reserved[fastByte]&fastMask != 0
}

// Len returns the handshake's wire length.
func (h *Handshake) Len() int {
	return 1 + len(h.Pstr) + reservedN + sha1.Size + sha1.Size
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, h.Len())

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], h.Reserved[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 {
		return ErrBadPstrlen
	}
	if len(b) < 1+pstrlen+reservedN+2*sha1.Size {
		return ErrShortHandshake
	}

	offset := 1
	h.Pstr = string(b[offset : offset+pstrlen])
	offset += pstrlen
	offset += copy(h.Reserved[:], b[offset:])
	offset += copy(h.InfoHash[:], b[offset:])
	copy(h.PeerID[:], b[offset:])

	return nil
}

// WriteTo writes the handshake to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadHandshake reads and validates a handshake from r, checking the
// protocol string and, when wantHash is non-nil, the info hash.
func ReadHandshake(r io.Reader, wantHash *[sha1.Size]byte) (*Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return nil, err
	}
	if pstrlen[0] == 0 {
		return nil, ErrBadPstrlen
	}

	rest := make([]byte, int(pstrlen[0])+reservedN+2*sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, ErrShortHandshake
	}

	var h Handshake
	if err := h.UnmarshalBinary(append(pstrlen[:], rest...)); err != nil {
		return nil, err
	}

	if h.Pstr != btProtocol {
		return nil, ErrProtocolMismatch
	}
	if wantHash != nil && h.InfoHash != *wantHash {
		return nil, ErrInfoHashMismatch
	}

	return &h, nil
}
