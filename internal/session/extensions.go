package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/ext"
	"github.com/avinier/burrow/internal/peer"
	"github.com/avinier/burrow/internal/store"
)

// registerExtensions populates the dispatcher's 'm' dictionary and installs
// the inbound handlers.
func (t *Torrent) registerExtensions(cfg *config.Config) {
	if cfg.Extensions.PexEnabled {
		t.disp.Register(ext.NamePex, t.handlePexMessage)
	}
	if cfg.Extensions.SSLPeersEnabled || cfg.Extensions.SSLOpportunistic {
		t.disp.Register(ext.NameSSL, t.handleSSLMessage)
	}
}

// handlePexMessage folds gossiped contacts into the dial pool. Dropped
// entries are advisory only.
func (t *Torrent) handlePexMessage(addr netip.AddrPort, payload []byte) error {
	msg, err := ext.DecodePexMessage(payload)
	if err != nil {
		return err
	}

	added := make([]netip.AddrPort, 0, len(msg.Added))
	for _, p := range msg.Added {
		added = append(added, p.Addr)
		t.offerContact(p.Addr)
	}

	if len(added) > 0 {
		t.bus.Emit(event.New(event.PeerDiscovered, "pex", event.PexPayload{
			Addr:  addr,
			Added: added,
		}))
	}
	return nil
}

// pexLoop gossips swarm membership deltas to every PEX-capable peer.
func (t *Torrent) pexLoop(ctx context.Context) error {
	cfg := config.Load()

	interval := cfg.Extensions.PexInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.gossipPex()
		}
	}
}

func (t *Torrent) gossipPex() {
	// snapshot the swarm with per-peer flag bytes
	t.peersMut.Lock()
	current := make(map[netip.AddrPort]byte, len(t.peers))
	sessions := make(map[netip.AddrPort]*peer.Session, len(t.peers))
	for addr, sess := range t.peers {
		var flags byte
		if bf := sess.Bitfield(); bf.Count() == t.store.PieceCount() {
			flags |= ext.PexFlagSeed
		}
		flags |= ext.PexFlagConnectable
		current[addr] = flags
		sessions[addr] = sess
	}
	t.peersMut.Unlock()

	for addr, sess := range sessions {
		if !t.disp.PeerSupports(addr, ext.NamePex) {
			continue
		}
		extID, err := t.disp.PeerMessageID(addr, ext.NamePex)
		if err != nil {
			continue
		}

		delta := t.pex.Delta(addr, current)
		if len(delta.Added) == 0 && len(delta.Dropped) == 0 {
			continue
		}

		body, err := delta.Encode()
		if err != nil {
			continue
		}
		sess.SendExtended(extID, body)
	}
}

// handleSSLMessage answers BEP 47 negotiation frames. Inbound requests are
// accepted or rejected per policy; replies resolve our own pending request.
func (t *Torrent) handleSSLMessage(addr netip.AddrPort, payload []byte) error {
	reply, upgrade, err := t.ssl.HandleFrame(addr, payload)
	if err != nil {
		return err
	}

	if reply != nil {
		if sess := t.session(addr); sess != nil {
			if extID, err := t.disp.PeerMessageID(addr, ext.NameSSL); err == nil {
				sess.SendExtended(extID, reply)
			}
		}
	}

	if upgrade {
		// the requester reconnects over TLS; our side just records intent
		t.bus.Emit(event.New(event.SSLUpgraded, "ssl", event.PeerPayload{
			InfoHash: t.meta.InfoHash,
			Addr:     addr,
		}))
	}
	return nil
}

// maybeNegotiateSSL initiates a BEP 47 upgrade once a peer's extended
// handshake advertises ssl support. Only peers that both negotiated the
// extension and match our policy are asked; the blocking Await runs off the
// dispatch goroutine.
func (t *Torrent) maybeNegotiateSSL(addr netip.AddrPort) {
	cfg := config.Load()
	if !cfg.Extensions.SSLPeersEnabled {
		return
	}
	if t.session(addr) == nil || !t.disp.PeerSupports(addr, ext.NameSSL) {
		return
	}

	go func() {
		if err := t.NegotiateSSL(addr); err != nil {
			t.log.Debug("ssl negotiation failed",
				"addr", addr.String(), "error", err.Error())
		}
	}()
}

// NegotiateSSL requests a BEP 47 upgrade with addr and reports the outcome.
// In opportunistic mode a reject or timeout keeps the plaintext session; in
// strict mode the session is torn down.
func (t *Torrent) NegotiateSSL(addr netip.AddrPort) error {
	cfg := config.Load()

	sess := t.session(addr)
	if sess == nil || !t.disp.PeerSupports(addr, ext.NameSSL) {
		return ext.ErrSSLNoPending
	}
	extID, err := t.disp.PeerMessageID(addr, ext.NameSSL)
	if err != nil {
		return err
	}

	sess.SendExtended(extID, t.ssl.Request(addr))

	if err := t.ssl.Await(addr); err != nil {
		t.bus.Emit(event.New(event.SSLUpgradeFailed, "ssl", event.PeerPayload{
			InfoHash: t.meta.InfoHash,
			Addr:     addr,
			Reason:   err.Error(),
		}))

		if !cfg.Extensions.SSLOpportunistic {
			sess.Close(peer.ReasonProtocolViolation)
		}
		return err
	}

	t.bus.Emit(event.New(event.SSLUpgraded, "ssl", event.PeerPayload{
		InfoHash: t.meta.InfoHash,
		Addr:     addr,
	}))
	return nil
}

// webseedLoop drains missing pieces through HTTP seeds while the swarm is
// thin. The scheduler treats the seed as a virtual peer: always unchoked,
// never choking, holding every piece.
func (t *Torrent) webseedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if t.store.Complete() {
			return nil
		}

		piece := t.sched.ClaimWebseedPiece(webseedOwner)
		if piece < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		data, err := t.seeds.FetchPiece(ctx, piece)
		if err != nil {
			t.sched.ReleaseWebseedPiece(piece, webseedOwner)
			if !t.seeds.Any() {
				return nil
			}
			continue
		}

		t.storeWebseedPiece(ctx, piece, data)
	}
}

func (t *Torrent) storeWebseedPiece(ctx context.Context, piece int, data []byte) {
	for begin := 0; begin < len(data); begin += store.BlockSize {
		end := min(begin+store.BlockSize, len(data))

		t.sched.OnBlockReceived(webseedOwner, piece, begin, end-begin)
		if _, err := t.store.WriteBlock(ctx, piece, begin, data[begin:end], webseedOwner); err != nil {
			t.log.Warn("webseed block write failed", "piece", piece, "error", err.Error())
			t.sched.ReleaseWebseedPiece(piece, webseedOwner)
			return
		}
	}
}
