package session

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/ext"
	"github.com/avinier/burrow/internal/meta"
	"github.com/avinier/burrow/internal/peer"
	"github.com/avinier/burrow/internal/sched"
)

func testMeta(t *testing.T) *meta.Metainfo {
	t.Helper()

	pieces := make([][sha1.Size]byte, 4)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte{byte(i)})
	}

	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        "test-torrent",
			PieceLength: 32 << 10,
			Length:      4 * 32 << 10,
			Pieces:      pieces,
		},
		Announce: "http://tracker.invalid/announce",
		InfoHash: sha1.Sum([]byte("test-torrent")),
	}
}

func setupConfig(t *testing.T) {
	t.Helper()

	prev := *config.Load()
	next := prev
	next.DownloadDir = t.TempDir()
	next.Disk.MmapEnabled = false
	config.Swap(next)
	t.Cleanup(func() { config.Swap(prev) })
}

func TestManager_AddRemoveTorrent(t *testing.T) {
	setupConfig(t)

	m := NewManager(nil)
	mi := testMeta(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tor, err := m.AddTorrent(ctx, mi)
	require.NoError(t, err)
	assert.Equal(t, mi.InfoHash, tor.InfoHash())
	assert.Equal(t, "test-torrent", tor.Name())

	_, err = m.AddTorrent(ctx, mi)
	assert.ErrorIs(t, err, ErrTorrentExists)

	got, ok := m.Torrent(mi.InfoHash)
	require.True(t, ok)
	assert.Same(t, tor, got)

	require.NoError(t, m.RemoveTorrent(mi.InfoHash))
	assert.ErrorIs(t, m.RemoveTorrent(mi.InfoHash), ErrTorrentUnknown)

	_, ok = m.Torrent(mi.InfoHash)
	assert.False(t, ok)
}

func TestTorrent_OfferContactDropsInvalid(t *testing.T) {
	setupConfig(t)

	m := NewManager(nil)
	tor, err := newTorrent(testMeta(t), m.Disk(), m.Bus(), m.log)
	require.NoError(t, err)

	addr := netip.MustParseAddrPort("192.0.2.50:6881")
	tor.offerContact(addr)
	tor.offerContact(netip.AddrPort{}) // invalid, dropped

	select {
	case got := <-tor.contacts:
		assert.Equal(t, addr, got)
	default:
		t.Fatal("contact not pooled")
	}

	select {
	case got := <-tor.contacts:
		t.Fatalf("unexpected extra contact %s", got)
	default:
	}
}

func TestTorrent_PeerOptsWiring(t *testing.T) {
	setupConfig(t)

	m := NewManager(nil)
	tor, err := newTorrent(testMeta(t), m.Disk(), m.Bus(), m.log)
	require.NoError(t, err)

	opts := tor.peerOpts()
	assert.Equal(t, tor.InfoHash(), opts.InfoHash)
	assert.Equal(t, 4, opts.PieceCount)
	assert.NotNil(t, opts.Callbacks.OnPiece)
	assert.NotNil(t, opts.Callbacks.OnDisconnect)
	assert.NotNil(t, opts.Callbacks.RequestWork)
}

func TestTorrent_DropSessionRecyclesState(t *testing.T) {
	setupConfig(t)

	m := NewManager(nil)
	bus := m.Bus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	tor, err := newTorrent(testMeta(t), m.Disk(), bus, m.log)
	require.NoError(t, err)

	disconnected := make(chan event.PeerPayload, 1)
	bus.Register(event.PeerDisconnected, func(_ context.Context, ev event.Event) error {
		disconnected <- ev.Payload.(event.PeerPayload)
		return nil
	})

	addr := netip.MustParseAddrPort("192.0.2.77:6881")
	tor.dropSession(addr, peer.ReasonIdleTimeout, []peer.Request{{Piece: 1, Begin: 0, Length: 16384}})

	select {
	case p := <-disconnected:
		assert.Equal(t, addr, p.Addr)
		assert.Equal(t, peer.ReasonIdleTimeout, p.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no PeerDisconnected event")
	}
}

func TestConvertRequests(t *testing.T) {
	in := []peer.Request{{Piece: 1, Begin: 2, Length: 3}, {Piece: 4, Begin: 5, Length: 6}}
	out := convertRequests(in)

	require.Len(t, out, 2)
	assert.Equal(t, sched.Request{Piece: 1, Begin: 2, Length: 3}, out[0])
}

func TestNegotiateSSL_RequiresSessionAndCapability(t *testing.T) {
	setupConfig(t)
	config.Update(func(c *config.Config) {
		c.Extensions.SSLPeersEnabled = true
	})

	m := NewManager(nil)
	tor, err := newTorrent(testMeta(t), m.Disk(), m.Bus(), m.log)
	require.NoError(t, err)

	addr := netip.MustParseAddrPort("192.0.2.99:6881")
	assert.ErrorIs(t, tor.NegotiateSSL(addr), ext.ErrSSLNoPending,
		"no live session means no negotiation")

	// the handshake trigger must be a safe no-op for unknown peers too
	tor.maybeNegotiateSSL(addr)
}

func TestExtensionHandshake_TriggersSSLNegotiation(t *testing.T) {
	setupConfig(t)
	config.Update(func(c *config.Config) {
		c.Extensions.SSLPeersEnabled = true
	})

	m := NewManager(nil)
	bus := m.Bus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tor, err := newTorrent(testMeta(t), m.Disk(), bus, m.log)
	require.NoError(t, err)
	require.NotNil(t, tor)

	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	// an advertise-ssl handshake from a peer with no live session must be
	// absorbed without stalling dispatch
	bus.Emit(event.New(event.ExtensionHandshake, "ext", event.ExtensionPayload{
		Addr:      netip.MustParseAddrPort("192.0.2.12:6881"),
		Supported: []string{ext.NameSSL},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for bus.Stats().Processed.Load() == 0 {
		require.True(t, time.Now().Before(deadline), "handshake event not dispatched")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTorrent_RegisterExtensionsHonorsConfig(t *testing.T) {
	setupConfig(t)
	config.Update(func(c *config.Config) {
		c.Extensions.PexEnabled = false
		c.Extensions.SSLPeersEnabled = false
		c.Extensions.SSLOpportunistic = false
	})

	m := NewManager(nil)
	tor, err := newTorrent(testMeta(t), m.Disk(), m.Bus(), m.log)
	require.NoError(t, err)

	body, err := tor.disp.HandshakeBody(clientVersion, 6881)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(body), "ut_pex"))
	assert.False(t, strings.Contains(string(body), "3:ssl"))
}
