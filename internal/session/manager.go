// Package session owns torrent lifecycle: it wires the disk manager, piece
// store, scheduler, extension dispatcher, tracker client, and peer sessions
// together for each loaded torrent and runs the shared inbound listener.
package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/disk"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/meta"
	"github.com/avinier/burrow/internal/peer"
	"github.com/avinier/burrow/pkg/syncmap"
)

var (
	ErrTorrentExists  = errors.New("session: torrent already added")
	ErrTorrentUnknown = errors.New("session: unknown torrent")
)

// Manager is the process-wide session manager. One disk manager and one
// event bus are shared across all torrents.
type Manager struct {
	log  *slog.Logger
	bus  *event.Bus
	disk *disk.Manager

	torrents *syncmap.Map[[sha1.Size]byte, *Torrent]

	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewManager builds the shared runtime. The bus and disk manager are
// constructed here and started by Run.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Load()

	return &Manager{
		log:      log.With("component", "session"),
		bus:      event.NewBus(log, cfg.EventBus.QueueSize, cfg.EventBus.ReplaySize),
		disk:     disk.NewManager(cfg.Disk, log),
		torrents: syncmap.New[[sha1.Size]byte, *Torrent](),
	}
}

// Bus exposes the shared event bus (tests and the CLI subscribe through
// this; components receive it by reference).
func (m *Manager) Bus() *event.Bus { return m.bus }

// Disk exposes the shared disk manager.
func (m *Manager) Disk() *disk.Manager { return m.disk }

// Run starts the shared services and the inbound listener, then blocks until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	m.bus.Start(gctx)
	g.Go(func() error { return m.disk.Run(gctx) })
	g.Go(func() error { return m.listen(gctx) })

	m.log.Info("started")
	err := g.Wait()

	m.shutdown()
	return err
}

// Stop cancels Run.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) shutdown() {
	for _, t := range m.torrents.Values() {
		t.Stop()
	}

	_ = m.disk.Close(10 * time.Second)
	m.bus.Stop()
	m.log.Info("stopped")
}

// AddTorrent loads a parsed metainfo and starts its download/seed loops.
func (m *Manager) AddTorrent(ctx context.Context, mi *meta.Metainfo) (*Torrent, error) {
	if _, exists := m.torrents.Get(mi.InfoHash); exists {
		return nil, ErrTorrentExists
	}

	t, err := newTorrent(mi, m.disk, m.bus, m.log)
	if err != nil {
		return nil, err
	}
	m.torrents.Put(mi.InfoHash, t)

	m.bus.Emit(event.New(event.TorrentAdded, "session", event.TorrentPayload{
		InfoHash: mi.InfoHash,
		Name:     mi.Info.Name,
	}))

	runTorrent := func() error {
		if err := t.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("torrent stopped with error",
				"name", mi.Info.Name, "error", err.Error())
		}
		return nil
	}
	if m.group != nil {
		m.group.Go(runTorrent)
	} else {
		go func() { _ = runTorrent() }()
	}

	return t, nil
}

// RemoveTorrent stops and forgets a torrent. Downloaded data stays on disk.
func (m *Manager) RemoveTorrent(infoHash [sha1.Size]byte) error {
	t, ok := m.torrents.Get(infoHash)
	if !ok {
		return ErrTorrentUnknown
	}
	m.torrents.Delete(infoHash)

	t.Stop()
	return nil
}

// Torrent returns the running torrent for infoHash.
func (m *Manager) Torrent(infoHash [sha1.Size]byte) (*Torrent, bool) {
	return m.torrents.Get(infoHash)
}

// listen accepts inbound peer connections and routes them to the serving
// torrent by the info hash in their handshake.
func (m *Manager) listen(ctx context.Context) error {
	cfg := config.Load()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		// an occupied port degrades to outbound-only operation
		m.log.Warn("listener unavailable, outbound only", "port", cfg.Port, "error", err.Error())
		<-ctx.Done()
		return nil
	}
	m.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	m.log.Info("listening for peers", "port", cfg.Port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Debug("accept failed", "error", err.Error())
			continue
		}

		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	sess, err := peer.Accept(conn, func(infoHash [sha1.Size]byte) *peer.Opts {
		t, ok := m.Torrent(infoHash)
		if !ok {
			return nil
		}
		return t.peerOpts()
	})
	if err != nil {
		m.log.Debug("inbound handshake failed", "error", err.Error())
		return
	}

	t, ok := m.Torrent(sess.InfoHash())
	if !ok {
		sess.Close(peer.ReasonShutdown)
		return
	}
	t.adoptSession(sess)
}
