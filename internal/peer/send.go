package peer

import (
	"time"

	"github.com/avinier/burrow/internal/proto"
	"github.com/avinier/burrow/pkg/bitfield"
)

func (s *Session) SendKeepAlive()     { s.enqueue(nil) }
func (s *Session) SendChoke()         { s.enqueue(proto.MessageChoke()) }
func (s *Session) SendUnchoke()       { s.enqueue(proto.MessageUnchoke()) }
func (s *Session) SendInterested()    { s.enqueue(proto.MessageInterested()) }
func (s *Session) SendNotInterested() { s.enqueue(proto.MessageNotInterested()) }

func (s *Session) SendHave(piece int) {
	s.enqueue(proto.MessageHave(uint32(piece)))
}

// SendBitfield advertises our verified pieces. With the fast extension, an
// empty bitfield is compressed to have_none and a complete one to have_all.
func (s *Session) SendBitfield(bf bitfield.Bitfield, pieceCount int) {
	if s.peerFast {
		switch {
		case bf.None():
			s.enqueue(proto.MessageHaveNone())
			return
		case bf.AllOf(pieceCount):
			s.enqueue(proto.MessageHaveAll())
			return
		}
	}
	s.enqueue(proto.MessageBitfield(bf.Bytes()))
}

// SendRequest issues one block request if the window has space and the choke
// state permits it (allowed-fast pieces may be requested while choked).
// Reports whether the request was enqueued and recorded.
func (s *Session) SendRequest(piece, begin, length int) bool {
	if s.stopped.Load() {
		return false
	}

	if s.PeerChoking() {
		s.allowedFastMut.Lock()
		allowed := s.peerFast && s.allowedFastRecv[piece]
		s.allowedFastMut.Unlock()
		if !allowed {
			return false
		}
	}
	if !s.AmInterested() && !s.PeerChoking() {
		// a request without interest is legal but self-defeating; the
		// scheduler declares interest first
		s.SendInterested()
	}

	req := Request{Piece: piece, Begin: begin, Length: length}

	s.windowMut.Lock()
	if len(s.outstanding) >= int(s.maxWindow.Load()) {
		s.windowMut.Unlock()
		return false
	}
	if _, dup := s.outstanding[req]; dup {
		s.windowMut.Unlock()
		return false
	}
	s.outstanding[req] = time.Now()
	s.windowMut.Unlock()

	if !s.enqueue(proto.MessageRequest(uint32(piece), uint32(begin), uint32(length))) {
		s.completeRequest(req)
		return false
	}
	return true
}

// SendCancel withdraws an outstanding request (endgame duplicate pruning).
func (s *Session) SendCancel(piece, begin, length int) {
	s.completeRequest(Request{Piece: piece, Begin: begin, Length: length})
	s.enqueue(proto.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}

// SendPiece serves a block to the peer.
func (s *Session) SendPiece(piece, begin int, block []byte) {
	s.enqueue(proto.MessagePiece(uint32(piece), uint32(begin), block))
}

// SendRejectRequest declines a peer's request (fast extension only).
func (s *Session) SendRejectRequest(piece, begin, length int) {
	if s.peerFast {
		s.enqueue(proto.MessageRejectRequest(uint32(piece), uint32(begin), uint32(length)))
	}
}

// SendAllowedFast grants the peer choke-exempt access to piece.
func (s *Session) SendAllowedFast(piece int) {
	if !s.peerFast {
		return
	}

	s.allowedFastMut.Lock()
	s.allowedFastSent[piece] = true
	s.allowedFastMut.Unlock()

	s.enqueue(proto.MessageAllowedFast(uint32(piece)))
}

// SendExtended sends a BEP 10 sub-message under the negotiated id.
func (s *Session) SendExtended(extID uint8, body []byte) {
	if s.peerExtended {
		s.enqueue(proto.MessageExtended(extID, body))
	}
}
