package store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/disk"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/meta"
)

var (
	peerA = netip.MustParseAddrPort("10.0.0.1:6881")
	peerB = netip.MustParseAddrPort("10.0.0.2:6881")
)

// buildMeta fabricates a torrent over stream with the given piece length,
// split across the provided file lengths (single-file when fileLens is nil).
func buildMeta(t *testing.T, stream []byte, pieceLen int32, fileLens []int64) *meta.Metainfo {
	t.Helper()

	n := (len(stream) + int(pieceLen) - 1) / int(pieceLen)
	hashes := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*int(pieceLen), len(stream))
		hashes[i] = sha1.Sum(stream[i*int(pieceLen) : end])
	}

	info := &meta.Info{
		Name:        "t",
		PieceLength: pieceLen,
		Pieces:      hashes,
	}
	if fileLens == nil {
		info.Length = int64(len(stream))
	} else {
		var total int64
		for i, ln := range fileLens {
			info.Files = append(info.Files, &meta.File{
				Length: ln,
				Path:   []string{"f" + string(rune('0'+i))},
			})
			total += ln
		}
		require.Equal(t, int64(len(stream)), total)
	}

	return &meta.Metainfo{Info: info, Announce: "http://t.local/a"}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + 3) % 256)
	}
	return b
}

func newFixture(t *testing.T, stream []byte, pieceLen int32, fileLens []int64) (*Store, *event.Bus) {
	t.Helper()

	cfg := config.Load().Disk
	cfg.WriteBatchRequests = 1 // flush immediately in tests
	cfg.MmapEnabled = false
	cfg.Preallocate = config.PreallocateSparse

	d := disk.NewManager(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(func() { _ = d.Close(2 * time.Second); cancel() })

	bus := event.NewBus(nil, 64, 64)
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	s := NewStore(buildMeta(t, stream, pieceLen, fileLens), t.TempDir(), d, bus, nil)
	require.NoError(t, s.Preallocate(ctx))
	return s, bus
}

func writeAll(t *testing.T, s *Store, stream []byte, from netip.AddrPort) {
	t.Helper()

	ctx := context.Background()
	for piece := 0; piece < s.PieceCount(); piece++ {
		plen := int(s.PieceLength(piece))
		for begin := 0; begin < plen; begin += BlockSize {
			ln := min(BlockSize, plen-begin)
			abs := piece*int(s.pieceLen) + begin
			_, err := s.WriteBlock(ctx, piece, begin, stream[abs:abs+ln], from)
			require.NoError(t, err)
		}
	}
}

func TestStore_DownloadVerifyReadBack(t *testing.T) {
	stream := pattern(3*32768 + 1000) // short last piece
	s, _ := newFixture(t, stream, 32768, nil)

	assert.Equal(t, 4, s.PieceCount())
	assert.Equal(t, int64(1000), s.PieceLength(3), "last piece is truncated")

	writeAll(t, s, stream, peerA)

	assert.True(t, s.Complete())
	for i := 0; i < s.PieceCount(); i++ {
		assert.Equal(t, PieceAvailable, s.State(i))
	}

	got, err := s.ReadBlock(context.Background(), 3, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, stream[3*32768:], got)
}

func TestStore_MultiFileSpansCrossFileBoundary(t *testing.T) {
	stream := pattern(40000)
	s, _ := newFixture(t, stream, 16384, []int64{10000, 25000, 5000})

	writeAll(t, s, stream, peerA)
	require.True(t, s.Complete())

	// block straddling the first file boundary reads back intact
	got, err := s.ReadBlock(context.Background(), 0, 8192, 4096)
	require.NoError(t, err)
	assert.Equal(t, stream[8192:8192+4096], got)
}

func TestStore_StateMachine(t *testing.T) {
	stream := pattern(2 * 16384)
	s, _ := newFixture(t, stream, 16384, nil)

	assert.Equal(t, PieceMissing, s.State(0))

	s.MarkRequested(0)
	assert.Equal(t, PieceRequested, s.State(0))

	// losing all requests before any block arrives returns to Missing
	s.MarkIdle(0)
	assert.Equal(t, PieceMissing, s.State(0))

	s.MarkRequested(0)
	complete, err := s.WriteBlock(context.Background(), 0, 0, stream[:16384], peerA)
	require.NoError(t, err)
	assert.True(t, complete, "single-block piece verifies on arrival")
	assert.Equal(t, PieceAvailable, s.State(0))

	// piece 1 has received nothing, so MarkIdle returns it to Missing
	s.MarkRequested(1)
	s.MarkIdle(1)
	assert.Equal(t, PieceMissing, s.State(1))
}

func TestStore_DuplicateBlockDropped(t *testing.T) {
	stream := pattern(2 * 16384)
	s, _ := newFixture(t, stream, 32768, nil)

	ctx := context.Background()
	_, err := s.WriteBlock(ctx, 0, 0, stream[:16384], peerA)
	require.NoError(t, err)

	// same block again, different data: first write wins
	bogus := bytes.Repeat([]byte{0xFF}, 16384)
	_, err = s.WriteBlock(ctx, 0, 0, bogus, peerB)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.DuplicateBlocks())

	complete, err := s.WriteBlock(ctx, 0, 16384, stream[16384:], peerB)
	require.NoError(t, err)
	assert.True(t, complete, "piece still verifies against the first write")
}

func TestStore_HashFailureAttribution(t *testing.T) {
	stream := pattern(32768)
	s, bus := newFixture(t, stream, 32768, nil)

	failed := make(chan event.PiecePayload, 1)
	bus.Register(event.PieceHashFailed, func(_ context.Context, ev event.Event) error {
		failed <- ev.Payload.(event.PiecePayload)
		return nil
	})

	ctx := context.Background()
	corrupt := bytes.Repeat([]byte{0xAA}, 16384)

	// peer A delivers block 0, peer B block 1; the piece cannot hash
	_, err := s.WriteBlock(ctx, 0, 0, corrupt, peerA)
	require.NoError(t, err)
	complete, err := s.WriteBlock(ctx, 0, 16384, corrupt, peerB)
	require.NoError(t, err)
	assert.False(t, complete)

	assert.Equal(t, PieceMissing, s.State(0))

	select {
	case p := <-failed:
		assert.True(t, p.FailedHash)
		assert.ElementsMatch(t, []netip.AddrPort{peerA, peerB}, p.Peers)
	case <-time.After(2 * time.Second):
		t.Fatal("no PieceHashFailed event")
	}

	// blocks were discarded; the piece can be re-downloaded correctly
	_, err = s.WriteBlock(ctx, 0, 0, stream[:16384], peerA)
	require.NoError(t, err)
	complete, err = s.WriteBlock(ctx, 0, 16384, stream[16384:], peerA)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestStore_ReadBlockRequiresVerified(t *testing.T) {
	stream := pattern(32768)
	s, _ := newFixture(t, stream, 32768, nil)

	_, err := s.ReadBlock(context.Background(), 0, 0, 100)
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestStore_Bounds(t *testing.T) {
	stream := pattern(16384)
	s, _ := newFixture(t, stream, 16384, nil)
	ctx := context.Background()

	_, err := s.WriteBlock(ctx, 5, 0, []byte("x"), peerA)
	assert.ErrorIs(t, err, ErrBadPiece)

	_, err = s.WriteBlock(ctx, 0, 16380, []byte("toolong"), peerA)
	assert.ErrorIs(t, err, ErrBadBlock)

	_, err = s.ReadBlock(ctx, 0, -1, 4)
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestStore_LayoutPaths(t *testing.T) {
	stream := pattern(100)
	m := buildMeta(t, stream, 100, []int64{60, 40})
	s := NewStore(m, "/dl", nil, nil, nil)

	files := s.Files()
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join("/dl", "t", "f0"), files[0])
	assert.Equal(t, filepath.Join("/dl", "t", "f1"), files[1])
}
