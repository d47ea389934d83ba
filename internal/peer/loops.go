package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/proto"
	"github.com/avinier/burrow/pkg/bitfield"
)

var errProtocol = errors.New("peer: protocol violation")

// readLoop pulls bytes into the receive ring and dispatches every complete
// frame. Partial frames stay buffered until the next read.
func (s *Session) readLoop(ctx context.Context) error {
	cfg := config.Load()
	scratch := make([]byte, 64<<10)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.Idleness() > cfg.IdleDisconnectTimeout {
			s.close(ReasonIdleTimeout)
			return fmt.Errorf("peer: idle for %s", s.Idleness())
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		n, err := s.conn.Read(scratch)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.close(ReasonIOError)
			return err
		}

		buf := scratch[:n]
		for len(buf) > 0 {
			written := s.recv.Write(buf)
			buf = buf[written:]

			if err := s.drainFrames(); err != nil {
				return err
			}
			if written == 0 {
				// ring full and no complete frame decodable: the remote
				// sent a frame larger than we will ever accept
				s.close(ReasonOversizedFrame)
				return errProtocol
			}
		}
	}
}

// drainFrames decodes and handles every complete message in the ring.
func (s *Session) drainFrames() error {
	for {
		msg, ok, err := s.decoder.Decode(s.recv)
		if err != nil {
			if errors.Is(err, proto.ErrFrameTooLarge) {
				s.close(ReasonOversizedFrame)
			} else {
				s.close(ReasonProtocolViolation)
			}
			return err
		}
		if !ok {
			return nil
		}

		s.stats.MessagesReceived.Add(1)
		s.lastActivity.Store(time.Now().UnixNano())

		if err := s.handleMessage(msg); err != nil {
			s.close(ReasonProtocolViolation)
			return err
		}
	}
}

// writeLoop drains the outbox and keeps the connection alive when idle.
func (s *Session) writeLoop(ctx context.Context) error {
	cfg := config.Load()

	ticker := time.NewTicker(cfg.KeepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				s.close(ReasonIOError)
				return err
			}

		case <-ticker.C:
			if s.Idleness() >= cfg.KeepAliveInterval {
				s.SendKeepAlive()
			}
		}
	}
}

func (s *Session) writeMessage(msg *proto.Message) error {
	cfg := config.Load()

	_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := proto.WriteMessage(s.conn, msg); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.onMessageWritten(msg)
	return nil
}

// rateLoop snapshots the byte counters once a second and smooths the deltas
// into bytes/sec with an EMA so the choker ranks on stable numbers.
func (s *Session) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	lastUp := s.stats.Uploaded.Load()
	lastDown := s.stats.Downloaded.Load()
	var upEMA, downEMA float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := s.stats.Uploaded.Load()
			curDown := s.stats.Downloaded.Load()

			upEMA = alpha*float64(curUp-lastUp) + (1-alpha)*upEMA
			downEMA = alpha*float64(curDown-lastDown) + (1-alpha)*downEMA

			s.stats.UploadRate.Store(uint64(upEMA))
			s.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (s *Session) handleMessage(msg *proto.Message) error {
	if proto.IsKeepAlive(msg) {
		return nil
	}

	firstMsg := s.noteMessage()

	switch msg.ID {
	case proto.MsgChoke:
		s.handleChoke()

	case proto.MsgUnchoke:
		s.setBits(maskPeerChoking, false)
		if s.cb.OnUnchoked != nil {
			s.cb.OnUnchoked(s.addr)
		}
		if s.cb.RequestWork != nil {
			s.cb.RequestWork(s.addr)
		}

	case proto.MsgInterested:
		s.setBits(maskPeerInterested, true)

	case proto.MsgNotInterested:
		s.setBits(maskPeerInterested, false)

	case proto.MsgBitfield:
		if !firstMsg {
			s.log.Debug("ignoring late bitfield")
			return nil
		}
		bf, err := bitfield.FromWire(msg.Payload, s.pieceCount)
		if err != nil {
			return err
		}
		s.bitfieldMut.Lock()
		s.bitfield = bf
		s.bitfieldMut.Unlock()
		if s.cb.OnBitfield != nil {
			s.cb.OnBitfield(s.addr, bf.Clone())
		}

	case proto.MsgHave:
		piece, ok := msg.ParseHave()
		if !ok {
			return errProtocol
		}
		s.bitfieldMut.Lock()
		changed := s.bitfield.Set(int(piece))
		s.bitfieldMut.Unlock()
		if changed && s.cb.OnHave != nil {
			s.cb.OnHave(s.addr, int(piece))
		}

	case proto.MsgPiece:
		piece, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errProtocol
		}
		s.completeRequest(Request{Piece: int(piece), Begin: int(begin), Length: len(block)})
		s.stats.BlocksReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
		if s.cb.OnPiece != nil {
			s.cb.OnPiece(s.addr, int(piece), int(begin), block)
		}

	case proto.MsgRequest:
		piece, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errProtocol
		}
		s.stats.RequestsReceived.Add(1)
		s.handleInboundRequest(int(piece), int(begin), int(length))

	case proto.MsgCancel:
		piece, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errProtocol
		}
		if s.cb.OnCancel != nil {
			s.cb.OnCancel(s.addr, int(piece), int(begin), int(length))
		}

	case proto.MsgPort:
		if _, ok := msg.ParsePort(); !ok {
			return errProtocol
		}
		// DHT is a discovery collaborator; the port is noted and unused here

	case proto.MsgSuggestPiece:
		if !s.peerFast {
			return errProtocol
		}
		if _, ok := msg.ParseHave(); !ok {
			return errProtocol
		}

	case proto.MsgHaveAll:
		if !s.peerFast || !firstMsg {
			return errProtocol
		}
		s.bitfieldMut.Lock()
		s.bitfield.SetAll(s.pieceCount)
		bf := s.bitfield.Clone()
		s.bitfieldMut.Unlock()
		if s.cb.OnBitfield != nil {
			s.cb.OnBitfield(s.addr, bf)
		}

	case proto.MsgHaveNone:
		if !s.peerFast || !firstMsg {
			return errProtocol
		}
		s.bitfieldMut.Lock()
		s.bitfield.ClearAll()
		s.bitfieldMut.Unlock()

	case proto.MsgRejectRequest:
		if !s.peerFast {
			return errProtocol
		}
		piece, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errProtocol
		}
		req := Request{Piece: int(piece), Begin: int(begin), Length: int(length)}
		if s.completeRequest(req) && s.cb.OnReject != nil {
			s.cb.OnReject(s.addr, req)
		}

	case proto.MsgAllowedFast:
		if !s.peerFast {
			return errProtocol
		}
		piece, ok := msg.ParseHave()
		if !ok {
			return errProtocol
		}
		s.allowedFastMut.Lock()
		s.allowedFastRecv[int(piece)] = true
		s.allowedFastMut.Unlock()

	case proto.MsgExtended:
		extID, payload, ok := msg.ParseExtended()
		if !ok {
			return errProtocol
		}
		if s.cb.OnExtended != nil {
			s.cb.OnExtended(s.addr, extID, payload)
		}

	default:
		return fmt.Errorf("peer: invalid message id %d", msg.ID)
	}

	return nil
}

// noteMessage tracks whether this is the connection's first real message
// (which is the only slot a bitfield/have_all/have_none may occupy).
func (s *Session) noteMessage() (wasFirst bool) {
	s.bitfieldMut.Lock()
	defer s.bitfieldMut.Unlock()

	wasFirst = !s.sawFirstMsg
	s.sawFirstMsg = true
	return wasFirst
}

// handleChoke applies BEP 3 implicit cancellation: every outstanding request
// is returned to the scheduler. With the fast extension, requests for
// allowed-fast pieces survive; the rest are returned immediately and any
// later explicit reject for them is ignored idempotently.
func (s *Session) handleChoke() {
	s.setBits(maskPeerChoking, true)

	var returned []Request

	s.windowMut.Lock()
	if s.peerFast {
		s.allowedFastMut.Lock()
		for req := range s.outstanding {
			if !s.allowedFastRecv[req.Piece] {
				delete(s.outstanding, req)
				returned = append(returned, req)
			}
		}
		s.allowedFastMut.Unlock()
	} else {
		for req := range s.outstanding {
			delete(s.outstanding, req)
			returned = append(returned, req)
		}
	}
	s.windowMut.Unlock()

	if s.cb.OnChoked != nil {
		s.cb.OnChoked(s.addr, returned)
	}
}

// handleInboundRequest enforces the choke rules for serving: a choked peer
// may only fetch pieces we explicitly allowed fast.
func (s *Session) handleInboundRequest(piece, begin, length int) {
	if s.AmChoking() {
		s.allowedFastMut.Lock()
		allowed := s.allowedFastSent[piece]
		s.allowedFastMut.Unlock()

		if !allowed {
			if s.peerFast {
				s.enqueue(proto.MessageRejectRequest(uint32(piece), uint32(begin), uint32(length)))
			}
			return
		}
	}

	if s.cb.OnRequest != nil {
		s.cb.OnRequest(s.addr, piece, begin, length)
	}
}

// completeRequest removes req from the window; reports whether it was
// actually outstanding.
func (s *Session) completeRequest(req Request) bool {
	s.windowMut.Lock()
	defer s.windowMut.Unlock()

	if _, ok := s.outstanding[req]; !ok {
		return false
	}
	delete(s.outstanding, req)
	return true
}

func (s *Session) onMessageWritten(msg *proto.Message) {
	s.stats.MessagesSent.Add(1)
	s.lastActivity.Store(time.Now().UnixNano())

	if msg == nil {
		return
	}

	switch msg.ID {
	case proto.MsgChoke:
		s.setBits(maskAmChoking, true)
	case proto.MsgUnchoke:
		s.setBits(maskAmChoking, false)
	case proto.MsgInterested:
		s.setBits(maskAmInterested, true)
	case proto.MsgNotInterested:
		s.setBits(maskAmInterested, false)
	case proto.MsgRequest:
		s.stats.RequestsSent.Add(1)
	case proto.MsgPiece:
		// payload: 4(index) + 4(begin) + block
		if n := len(msg.Payload); n >= 8 {
			s.stats.BlocksSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}
	}
}

func (s *Session) enqueue(msg *proto.Message) bool {
	if s.stopped.Load() {
		return false
	}

	select {
	case s.outbox <- msg:
		return true
	default:
		s.log.Debug("outbox full, dropping frame")
		return false
	}
}
