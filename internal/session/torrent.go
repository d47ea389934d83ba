package session

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/disk"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/ext"
	"github.com/avinier/burrow/internal/meta"
	"github.com/avinier/burrow/internal/peer"
	"github.com/avinier/burrow/internal/sched"
	"github.com/avinier/burrow/internal/store"
	"github.com/avinier/burrow/internal/tracker"
)

// clientVersion is advertised in the extended handshake 'v' field.
const clientVersion = "burrow/0.1"

// webseedOwner is the pseudo peer address under which HTTP seed claims are
// recorded in the scheduler's in-flight table.
var webseedOwner = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// Torrent owns everything for a single info hash.
type Torrent struct {
	log  *slog.Logger
	meta *meta.Metainfo
	bus  *event.Bus

	store *store.Store
	sched *sched.Scheduler
	trk   *tracker.Client
	disp  *ext.Dispatcher
	pex   *ext.Pex
	seeds *ext.WebSeeds
	ssl   *ext.SSLNegotiator

	peersMut sync.Mutex
	peers    map[netip.AddrPort]*peer.Session

	contacts chan netip.AddrPort
	dialRate *rate.Limiter

	startedAt time.Time
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

func newTorrent(mi *meta.Metainfo, d *disk.Manager, bus *event.Bus, log *slog.Logger) (*Torrent, error) {
	cfg := config.Load()
	log = log.With("torrent", mi.Info.Name)

	t := &Torrent{
		log:      log,
		meta:     mi,
		bus:      bus,
		store:    store.NewStore(mi, cfg.DownloadDir, d, bus, log),
		trk:      tracker.New(mi.Announce, mi.AnnounceList, log),
		disp:     ext.NewDispatcher(bus, log),
		pex:      ext.NewPex(),
		ssl:      ext.NewSSLNegotiator(cfg.Extensions.SSLPeersEnabled, 10*time.Second),
		peers:    make(map[netip.AddrPort]*peer.Session),
		contacts: make(chan netip.AddrPort, 512),
		dialRate: rate.NewLimiter(rate.Limit(cfg.MaxOutboundConnectRate), 1),
	}

	t.sched = sched.New(sched.Opts{
		Log:         log,
		Config:      cfg,
		PieceCount:  t.store.PieceCount(),
		PieceLength: t.store.PieceLength,
	})

	if cfg.Extensions.WebseedEnabled {
		t.seeds = ext.NewWebSeeds(mi, bus, log)
	}

	t.registerExtensions(cfg)
	t.subscribeEvents()

	return t, nil
}

// InfoHash returns the torrent identity.
func (t *Torrent) InfoHash() [sha1.Size]byte { return t.meta.InfoHash }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.meta.Info.Name }

// Store exposes the piece store (CLI progress reporting).
func (t *Torrent) Store() *store.Store { return t.store }

// PeerCount returns the number of live sessions.
func (t *Torrent) PeerCount() int {
	t.peersMut.Lock()
	defer t.peersMut.Unlock()
	return len(t.peers)
}

// Stop cancels the torrent's loops and closes every session.
func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}

		t.peersMut.Lock()
		sessions := make([]*peer.Session, 0, len(t.peers))
		for _, s := range t.peers {
			sessions = append(sessions, s)
		}
		t.peersMut.Unlock()

		for _, s := range sessions {
			s.Close(peer.ReasonShutdown)
		}

		t.bus.Emit(event.New(event.TorrentStopped, "session", event.TorrentPayload{
			InfoHash: t.meta.InfoHash,
			Name:     t.meta.Info.Name,
		}))
	})
}

// run preallocates storage, warms the read cache, and drives the announce,
// dial, choker, timeout, pex, and webseed loops.
func (t *Torrent) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()

	cfg := config.Load()
	t.startedAt = time.Now()

	if err := t.store.Preallocate(ctx); err != nil {
		// preallocation failure is torrent-fatal
		t.bus.Emit(event.New(event.SystemError, "session", event.ErrorPayload{
			InfoHash: t.meta.InfoHash,
			Err:      err.Error(),
		}).WithPriority(event.PriorityCritical))
		t.Stop()
		return err
	}

	if cfg.Disk.MmapEnabled {
		warmup := cfg.Disk.MmapCacheWarmup
		if len(warmup) == 0 {
			warmup = t.store.Files()
		}
		t.diskManager().WarmupCache(warmup)
	}

	t.bus.Emit(event.New(event.TorrentStarted, "session", event.TorrentPayload{
		InfoHash: t.meta.InfoHash,
		Name:     t.meta.Info.Name,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	g.Go(func() error { return t.dialLoop(gctx) })
	g.Go(func() error { return t.sched.RunChoker(gctx) })
	g.Go(func() error { return t.sched.RunTimeouts(gctx) })
	if cfg.Extensions.PexEnabled {
		g.Go(func() error { return t.pexLoop(gctx) })
	}
	if t.seeds != nil && t.seeds.Any() {
		g.Go(func() error { return t.webseedLoop(gctx) })
	}

	return g.Wait()
}

func (t *Torrent) diskManager() *disk.Manager { return t.store.Disk() }

// subscribeEvents wires the store's verification outcomes back into the
// scheduler (one-way dependency plus bus subscription, no mutual pointers).
func (t *Torrent) subscribeEvents() {
	t.bus.Register(event.PieceVerified, func(_ context.Context, ev event.Event) error {
		p, ok := ev.Payload.(event.PiecePayload)
		if !ok || p.InfoHash != t.meta.InfoHash {
			return nil
		}

		t.sched.OnPieceVerified(p.Piece)

		if t.store.Complete() {
			t.bus.Emit(event.New(event.TorrentCompleted, "session", event.TorrentPayload{
				InfoHash: t.meta.InfoHash,
				Name:     t.meta.Info.Name,
			}))
		}
		return nil
	})

	t.bus.Register(event.PieceHashFailed, func(_ context.Context, ev event.Event) error {
		p, ok := ev.Payload.(event.PiecePayload)
		if !ok || p.InfoHash != t.meta.InfoHash {
			return nil
		}
		t.sched.OnPieceFailed(p.Piece, p.Peers)
		return nil
	})

	// a completed extended handshake is the earliest point where the peer's
	// 'm' dict can short-circuit the BEP 47 capability check
	t.bus.Register(event.ExtensionHandshake, func(_ context.Context, ev event.Event) error {
		p, ok := ev.Payload.(event.ExtensionPayload)
		if !ok {
			return nil
		}
		t.maybeNegotiateSSL(p.Addr)
		return nil
	})
}

// announceLoop feeds tracker responses into the contact pool.
func (t *Torrent) announceLoop(ctx context.Context) error {
	cfg := config.Load()

	return t.trk.Run(ctx, func(ev tracker.AnnounceEvent) *tracker.AnnounceParams {
		have := t.store.Have().Count()
		left := uint64(0)
		if total := t.store.PieceCount(); have < total {
			left = uint64(t.meta.Size()) * uint64(total-have) / uint64(total)
		}
		if t.store.Complete() && ev == tracker.EventNone {
			ev = tracker.EventCompleted
		}

		return &tracker.AnnounceParams{
			InfoHash: t.meta.InfoHash,
			PeerID:   cfg.ClientID,
			Left:     left,
			Event:    ev,
			NumWant:  cfg.NumWant,
			Port:     cfg.Port,
		}
	}, func(addrs []netip.AddrPort) {
		for _, addr := range addrs {
			t.offerContact(addr)
		}
	})
}

// offerContact adds a peer address to the dial pool, best-effort.
func (t *Torrent) offerContact(addr netip.AddrPort) {
	if !addr.IsValid() || t.sched.Blacklisted(addr) {
		return
	}

	t.peersMut.Lock()
	_, connected := t.peers[addr]
	t.peersMut.Unlock()
	if connected {
		return
	}

	select {
	case t.contacts <- addr:
	default:
	}
}

// dialLoop establishes outbound sessions from the contact pool, bounded by
// the connect rate limit and the per-torrent peer cap.
func (t *Torrent) dialLoop(ctx context.Context) error {
	cfg := config.Load()

	for {
		var addr netip.AddrPort
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr = <-t.contacts:
		}

		if t.PeerCount() >= cfg.MaxPeersPerTorrent {
			continue
		}
		if t.sched.Blacklisted(addr) {
			continue
		}
		if err := t.dialRate.Wait(ctx); err != nil {
			return err
		}

		go t.dialPeer(ctx, addr)
	}
}

func (t *Torrent) dialPeer(ctx context.Context, addr netip.AddrPort) {
	sess, err := peer.Dial(ctx, addr, t.peerOpts())
	if err != nil {
		t.log.Debug("dial failed", "addr", addr.String(), "error", err.Error())
		return
	}
	t.adoptSession(sess)
}

// adoptSession registers a handshaken session and starts its loops.
func (t *Torrent) adoptSession(sess *peer.Session) {
	cfg := config.Load()
	addr := sess.Addr()

	t.peersMut.Lock()
	if _, dup := t.peers[addr]; dup || len(t.peers) >= cfg.MaxPeersPerTorrent {
		t.peersMut.Unlock()
		sess.Close(peer.ReasonShutdown)
		return
	}
	t.peers[addr] = sess
	t.peersMut.Unlock()

	t.sched.AddPeer(sess, t.meta.InfoHash)

	t.bus.Emit(event.New(event.PeerConnected, "session", event.PeerPayload{
		InfoHash: t.meta.InfoHash,
		Addr:     addr,
	}))

	go func() {
		if err := sess.Run(context.Background()); err != nil {
			t.log.Debug("session ended", "addr", addr.String(), "error", err.Error())
		}
	}()
}

// dropSession forgets a closed session and recycles its state.
func (t *Torrent) dropSession(addr netip.AddrPort, reason string, returned []peer.Request) {
	t.peersMut.Lock()
	delete(t.peers, addr)
	t.peersMut.Unlock()

	t.sched.ReturnRequests(addr, convertRequests(returned))
	t.sched.RemovePeer(addr)
	t.disp.Forget(addr)
	t.pex.Forget(addr)
	t.ssl.Forget(addr)

	t.bus.Emit(event.New(event.PeerDisconnected, "session", event.PeerPayload{
		InfoHash: t.meta.InfoHash,
		Addr:     addr,
		Reason:   reason,
	}))
}

func convertRequests(in []peer.Request) []sched.Request {
	out := make([]sched.Request, len(in))
	for i, r := range in {
		out[i] = sched.Request{Piece: r.Piece, Begin: r.Begin, Length: r.Length}
	}
	return out
}
