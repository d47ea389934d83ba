package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/ext"
	"github.com/avinier/burrow/internal/peer"
	"github.com/avinier/burrow/internal/sched"
	"github.com/avinier/burrow/internal/store"
)

// peerOpts builds the callback wiring for a new session of this torrent.
func (t *Torrent) peerOpts() *peer.Opts {
	return &peer.Opts{
		Log:        t.log,
		InfoHash:   t.meta.InfoHash,
		PieceCount: t.store.PieceCount(),
		Callbacks: peer.Callbacks{
			OnHandshake:  t.onHandshake,
			OnBitfield:   t.sched.OnBitfield,
			OnHave:       t.sched.OnHave,
			OnPiece:      t.onPiece,
			OnRequest:    t.onRequest,
			OnChoked:     t.onChoked,
			OnUnchoked:   func(addr netip.AddrPort) { t.sched.FillWindow(addr) },
			OnReject:     t.onReject,
			OnExtended:   t.onExtended,
			OnDisconnect: t.dropSession,
			RequestWork:  t.sched.FillWindow,
		},
	}
}

// onHandshake runs right after the wire handshake: the extended handshake
// goes out first (BEP 10), then our bitfield.
func (t *Torrent) onHandshake(addr netip.AddrPort, fast, extended bool) {
	t.bus.Emit(event.New(event.PeerHandshakeComplete, "session", event.PeerPayload{
		InfoHash: t.meta.InfoHash,
		Addr:     addr,
	}))

	sess := t.session(addr)
	if sess == nil {
		// Dial/Accept invoke this before adoption; defer the sends until
		// the session is registered
		go func() {
			time.Sleep(10 * time.Millisecond)
			if sess := t.session(addr); sess != nil {
				t.sendPostHandshake(sess, extended)
			}
		}()
		return
	}
	t.sendPostHandshake(sess, extended)
}

func (t *Torrent) sendPostHandshake(sess *peer.Session, extended bool) {
	cfg := config.Load()

	if extended {
		if body, err := t.disp.HandshakeBody(clientVersion, cfg.Port); err == nil {
			sess.SendExtended(ext.HandshakeID, body)
		}
	}

	have := t.store.Have()
	if have.Any() || sess.SupportsFast() {
		sess.SendBitfield(have, t.store.PieceCount())
	}
}

// onPiece routes one received block through the scheduler and the store.
// It runs off the session's read loop so the disk flush wait cannot stall
// frame decoding.
func (t *Torrent) onPiece(addr netip.AddrPort, piece, begin int, block []byte) {
	data := append([]byte(nil), block...) // the wire buffer is reused

	go func() {
		fresh := t.sched.OnBlockReceived(addr, piece, begin, len(data))
		if fresh {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if _, err := t.store.WriteBlock(ctx, piece, begin, data, addr); err != nil {
				t.log.Warn("block write failed",
					"piece", piece, "begin", begin, "error", err.Error())
			}
		}
		t.sched.FillWindow(addr)
	}()
}

// onRequest serves a block from a verified piece.
func (t *Torrent) onRequest(addr netip.AddrPort, piece, begin, length int) {
	sess := t.session(addr)
	if sess == nil {
		return
	}
	if length <= 0 || length > store.BlockSize*2 {
		sess.SendRejectRequest(piece, begin, length)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := t.store.ReadBlock(ctx, piece, begin, length)
		if err != nil {
			sess.SendRejectRequest(piece, begin, length)
			return
		}
		sess.SendPiece(piece, begin, data)
	}()
}

func (t *Torrent) onChoked(addr netip.AddrPort, returned []peer.Request) {
	t.sched.ReturnRequests(addr, convertRequests(returned))
}

func (t *Torrent) onReject(addr netip.AddrPort, req peer.Request) {
	t.sched.ReturnRequests(addr, []sched.Request{
		{Piece: req.Piece, Begin: req.Begin, Length: req.Length},
	})
	t.sched.FillWindow(addr)
}

func (t *Torrent) onExtended(addr netip.AddrPort, extID uint8, payload []byte) {
	if err := t.disp.HandleMessage(addr, extID, payload); err != nil {
		t.log.Debug("extension message failed",
			"addr", addr.String(), "id", extID, "error", err.Error())
	}
}

func (t *Torrent) session(addr netip.AddrPort) *peer.Session {
	t.peersMut.Lock()
	defer t.peersMut.Unlock()
	return t.peers[addr]
}
