// Package store maps the torrent's logical piece address space onto physical
// files, tracks per-piece download state, and verifies completed pieces
// against their SHA-1 hashes. It never touches the filesystem itself; all
// I/O goes through the disk manager.
package store

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/avinier/burrow/internal/disk"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/meta"
	"github.com/avinier/burrow/pkg/bitfield"
)

// BlockSize is the canonical request granularity on the wire.
const BlockSize = 16 << 10

// PieceState is the lifecycle of one piece.
//
//	Missing -> Requested -> Downloading -> Verified -> Available
//
// A hash mismatch sends the piece back to Missing and discards its blocks.
type PieceState uint8

const (
	PieceMissing PieceState = iota
	PieceRequested
	PieceDownloading
	PieceVerified
	PieceAvailable
)

func (s PieceState) String() string {
	switch s {
	case PieceMissing:
		return "missing"
	case PieceRequested:
		return "requested"
	case PieceDownloading:
		return "downloading"
	case PieceVerified:
		return "verified"
	case PieceAvailable:
		return "available"
	default:
		return "unknown"
	}
}

var (
	ErrBadPiece    = errors.New("store: piece index out of range")
	ErrBadBlock    = errors.New("store: block out of piece bounds")
	ErrNotVerified = errors.New("store: piece not verified")
)

// span is one file's slice of the global byte space.
type span struct {
	path   string
	offset int64 // global offset of the file's first byte
	length int64
}

type pieceStatus struct {
	state        PieceState
	blocks       map[int]bool // begin offset -> received
	contributors map[int]netip.AddrPort
	received     int // bytes received
}

// Store is the piece store for a single torrent.
type Store struct {
	log      *slog.Logger
	infoHash [sha1.Size]byte
	disk     *disk.Manager
	bus      *event.Bus

	files    []span
	hashes   [][sha1.Size]byte
	pieceLen int64
	totalLen int64

	mut       sync.Mutex
	pieces    []*pieceStatus
	have      bitfield.Bitfield
	dupBlocks atomic.Uint64
}

// NewStore lays out m's files under downloadDir and returns a store wired to
// the given disk manager and event bus.
func NewStore(m *meta.Metainfo, downloadDir string, d *disk.Manager, bus *event.Bus, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	n := len(m.Info.Pieces)
	pieces := make([]*pieceStatus, n)
	for i := range pieces {
		pieces[i] = &pieceStatus{
			blocks:       make(map[int]bool),
			contributors: make(map[int]netip.AddrPort),
		}
	}

	return &Store{
		log:      log.With("component", "store"),
		infoHash: m.InfoHash,
		disk:     d,
		bus:      bus,
		files:    layoutFiles(m, downloadDir),
		hashes:   m.Info.Pieces,
		pieceLen: int64(m.Info.PieceLength),
		totalLen: m.Size(),
		pieces:   pieces,
		have:     bitfield.New(n),
	}
}

// layoutFiles computes each file's global offset. Single-file torrents map
// to downloadDir/name; multi-file torrents nest under downloadDir/name/.
func layoutFiles(m *meta.Metainfo, downloadDir string) []span {
	if m.Info.Length > 0 {
		return []span{{
			path:   filepath.Join(downloadDir, m.Info.Name),
			offset: 0,
			length: m.Info.Length,
		}}
	}

	spans := make([]span, 0, len(m.Info.Files))
	var offset int64
	for _, f := range m.Info.Files {
		parts := append([]string{downloadDir, m.Info.Name}, f.Path...)
		spans = append(spans, span{
			path:   filepath.Join(parts...),
			offset: offset,
			length: f.Length,
		})
		offset += f.Length
	}
	return spans
}

// Disk returns the disk manager this store writes through.
func (s *Store) Disk() *disk.Manager { return s.disk }

// Files returns the physical file paths in torrent order.
func (s *Store) Files() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.path
	}
	return out
}

// Preallocate claims space for every file using the disk manager's strategy.
func (s *Store) Preallocate(ctx context.Context) error {
	for _, f := range s.files {
		if err := s.disk.Preallocate(ctx, f.path, f.length); err != nil {
			return err
		}
	}
	return nil
}

// PieceCount returns the number of pieces.
func (s *Store) PieceCount() int { return len(s.hashes) }

// PieceLength returns piece's byte length; the final piece may be shorter.
func (s *Store) PieceLength(piece int) int64 {
	if piece == len(s.hashes)-1 {
		if last := s.totalLen - int64(len(s.hashes)-1)*s.pieceLen; last > 0 {
			return last
		}
	}
	return s.pieceLen
}

// BlockCount returns the number of blocks in piece.
func (s *Store) BlockCount(piece int) int {
	return int((s.PieceLength(piece) + BlockSize - 1) / BlockSize)
}

// State returns piece's current lifecycle state.
func (s *Store) State(piece int) PieceState {
	s.mut.Lock()
	defer s.mut.Unlock()

	if piece < 0 || piece >= len(s.pieces) {
		return PieceMissing
	}
	return s.pieces[piece].state
}

// MarkRequested records that at least one block request for piece is now
// outstanding. Only Missing pieces move; Downloading and beyond are kept.
func (s *Store) MarkRequested(piece int) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if piece < 0 || piece >= len(s.pieces) {
		return
	}
	if s.pieces[piece].state == PieceMissing {
		s.pieces[piece].state = PieceRequested
	}
}

// MarkIdle returns a Requested piece with no received blocks to Missing,
// used when all its outstanding requests were lost.
func (s *Store) MarkIdle(piece int) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if piece < 0 || piece >= len(s.pieces) {
		return
	}
	if p := s.pieces[piece]; p.state == PieceRequested && len(p.blocks) == 0 {
		p.state = PieceMissing
	}
}

// Have returns a copy of the verified-piece bitfield.
func (s *Store) Have() bitfield.Bitfield {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.have.Clone()
}

// Complete reports whether every piece has verified.
func (s *Store) Complete() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.have.Count() == len(s.hashes)
}

// DuplicateBlocks counts writes dropped because the block had already been
// received (first write wins).
func (s *Store) DuplicateBlocks() uint64 { return s.dupBlocks.Load() }

// WriteBlock routes one received block to disk and advances the piece state.
// It returns (complete=true) when the block completed its piece and the
// piece then passed verification; a completed piece that fails its hash
// returns false. Duplicate blocks are dropped idempotently.
func (s *Store) WriteBlock(ctx context.Context, piece int, begin int, data []byte, from netip.AddrPort) (complete bool, err error) {
	if piece < 0 || piece >= len(s.pieces) {
		return false, ErrBadPiece
	}
	plen := s.PieceLength(piece)
	if begin < 0 || int64(begin)+int64(len(data)) > plen {
		return false, ErrBadBlock
	}

	s.mut.Lock()
	p := s.pieces[piece]
	if p.state == PieceVerified || p.state == PieceAvailable {
		s.mut.Unlock()
		s.dupBlocks.Add(1)
		return false, nil
	}
	if p.blocks[begin] {
		s.mut.Unlock()
		s.dupBlocks.Add(1)
		return false, nil
	}
	p.blocks[begin] = true
	p.contributors[begin] = from
	p.received += len(data)
	p.state = PieceDownloading
	full := p.received >= int(plen)
	s.mut.Unlock()

	if err := s.writeSpans(ctx, piece, begin, data); err != nil {
		// roll the block back so a retry is possible
		s.mut.Lock()
		delete(p.blocks, begin)
		delete(p.contributors, begin)
		p.received -= len(data)
		s.mut.Unlock()
		return false, err
	}

	if !full {
		return false, nil
	}

	ok, err := s.VerifyPiece(ctx, piece)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// writeSpans translates a block write into one write per overlapped file and
// waits for the batcher to flush them.
func (s *Store) writeSpans(ctx context.Context, piece, begin int, data []byte) error {
	absStart := int64(piece)*s.pieceLen + int64(begin)
	absEnd := absStart + int64(len(data))

	handles := make([]*disk.WriteHandle, 0, 2)
	for _, f := range s.files {
		overlapStart := max(absStart, f.offset)
		overlapEnd := min(absEnd, f.offset+f.length)
		if overlapStart >= overlapEnd {
			continue
		}

		h, err := s.disk.WriteBlock(
			f.path,
			overlapStart-f.offset,
			data[overlapStart-absStart:overlapEnd-absStart],
			disk.PriorityNormal,
		)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock reads length bytes of piece starting at begin. Only verified
// pieces may be served.
func (s *Store) ReadBlock(ctx context.Context, piece, begin, length int) ([]byte, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return nil, ErrBadPiece
	}
	plen := s.PieceLength(piece)
	if begin < 0 || int64(begin)+int64(length) > plen {
		return nil, ErrBadBlock
	}

	s.mut.Lock()
	state := s.pieces[piece].state
	s.mut.Unlock()
	if state != PieceVerified && state != PieceAvailable {
		return nil, ErrNotVerified
	}

	return s.readRaw(ctx, piece, begin, length)
}

func (s *Store) readRaw(ctx context.Context, piece, begin, length int) ([]byte, error) {
	absStart := int64(piece)*s.pieceLen + int64(begin)
	absEnd := absStart + int64(length)

	out := make([]byte, length)
	for _, f := range s.files {
		overlapStart := max(absStart, f.offset)
		overlapEnd := min(absEnd, f.offset+f.length)
		if overlapStart >= overlapEnd {
			continue
		}

		chunk, err := s.disk.ReadBlock(ctx, f.path, overlapStart-f.offset, int(overlapEnd-overlapStart))
		if err != nil {
			return nil, err
		}
		copy(out[overlapStart-absStart:], chunk)
	}

	return out, nil
}

// VerifyPiece reads the piece back from disk, hashes it on a worker slot,
// and compares against the expected digest.
//
// On match the piece transitions to Verified (then Available) and
// PIECE_VERIFIED is published — only after the full read-back, so a
// published Verified implies the bytes are durable on disk. On mismatch the
// piece returns to Missing, its block map is discarded, and
// PIECE_HASH_FAILED carries every contributing peer for attribution.
func (s *Store) VerifyPiece(ctx context.Context, piece int) (bool, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return false, ErrBadPiece
	}

	plen := int(s.PieceLength(piece))
	data, err := s.readRaw(ctx, piece, 0, plen)
	if err != nil {
		return false, err
	}

	var digest [sha1.Size]byte
	if err := s.disk.Hash(ctx, func() { digest = sha1.Sum(data) }); err != nil {
		return false, err
	}

	if digest != s.hashes[piece] {
		s.failPiece(piece)
		return false, nil
	}

	s.mut.Lock()
	p := s.pieces[piece]
	p.state = PieceVerified
	s.have.Set(piece)
	p.blocks = make(map[int]bool)
	p.contributors = make(map[int]netip.AddrPort)
	p.state = PieceAvailable // verified pieces are immediately servable
	s.mut.Unlock()

	if s.bus != nil {
		s.bus.Emit(event.New(event.PieceVerified, "store", event.PiecePayload{
			InfoHash: s.infoHash,
			Piece:    piece,
			Size:     plen,
		}))
	}

	return true, nil
}

func (s *Store) failPiece(piece int) {
	s.mut.Lock()
	p := s.pieces[piece]
	peers := dedupAddrs(p.contributors)
	p.state = PieceMissing
	p.blocks = make(map[int]bool)
	p.contributors = make(map[int]netip.AddrPort)
	p.received = 0
	s.mut.Unlock()

	s.log.Warn("piece hash mismatch, discarding",
		"piece", piece, "contributors", len(peers))

	if s.bus != nil {
		s.bus.Emit(event.New(event.PieceHashFailed, "store", event.PiecePayload{
			InfoHash:   s.infoHash,
			Piece:      piece,
			Size:       int(s.PieceLength(piece)),
			Peers:      peers,
			FailedHash: true,
		}).WithPriority(event.PriorityHigh))
	}
}

func dedupAddrs(m map[int]netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool, len(m))
	out := make([]netip.AddrPort, 0, len(m))
	for _, addr := range m {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%d pieces, %d files)", len(s.hashes), len(s.files))
}
