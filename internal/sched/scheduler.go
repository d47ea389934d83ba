// Package sched holds a torrent's global download intent: which pieces to
// request, from which peers, with what concurrency. It implements
// rarest-first selection with a random bootstrap, endgame duplication with
// cancellation, request timeouts, hash-failure attribution, and the
// choke/unchoke policy.
package sched

import (
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/store"
	"github.com/avinier/burrow/pkg/availability"
	"github.com/avinier/burrow/pkg/bitfield"
)

// Peer is the control surface the scheduler needs from a session. It is
// satisfied by *peer.Session; tests use fakes.
type Peer interface {
	Addr() netip.AddrPort
	HasPiece(piece int) bool
	SupportsFast() bool

	SendRequest(piece, begin, length int) bool
	SendCancel(piece, begin, length int)
	SendHave(piece int)
	SendInterested()
	SendNotInterested()
	SendChoke()
	SendUnchoke()
	SendAllowedFast(piece int)
	SetMaxWindow(n int)
	WindowSpace() int

	AmChoking() bool
	PeerInterested() bool
	Rates() (download, upload uint64)

	Close(reason string)
}

// blockKey identifies one block globally.
type blockKey struct {
	piece int
	begin int
}

type blockState uint8

const (
	blockWant blockState = iota
	blockInflight
	blockDone
)

type pieceInfo struct {
	length     int
	blockCount int
	blocks     []blockState
	doneBlocks int
	verified   bool
}

type inflightEntry struct {
	owners   map[netip.AddrPort]bool
	issuedAt time.Time
	length   int
}

type schedPeer struct {
	handle    Peer
	bf        bitfield.Bitfield
	badBlocks int
	timeouts  []timeoutMark
	slow      bool
}

type timeoutMark struct {
	piece int
	at    time.Time
}

// randomFirstPieces is how many pieces are picked at random before
// rarest-first takes over, to bootstrap upload capacity.
const randomFirstPieces = 4

// Scheduler coordinates piece selection and request pipelining for one
// torrent.
type Scheduler struct {
	log *slog.Logger
	cfg *config.Config

	pieceCount int
	totalDone  int

	mut       sync.Mutex
	pieces    []*pieceInfo
	avail     *availability.Bucket
	peers     map[netip.AddrPort]*schedPeer
	inflight  map[blockKey]*inflightEntry
	blacklist map[netip.Addr]time.Time
	endgame   bool
	remaining int // blocks not yet done

	// choker state
	optimistic netip.AddrPort

	rng *rand.Rand

	// seeding reports whether the local side has completed the torrent;
	// it flips the choker's ranking metric.
	seeding bool
}

// Opts configures a scheduler.
type Opts struct {
	Log         *slog.Logger
	Config      *config.Config
	PieceCount  int
	PieceLength func(piece int) int64
}

// New builds a scheduler for a torrent with the given piece geometry.
func New(opts Opts) *Scheduler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	pieces := make([]*pieceInfo, opts.PieceCount)
	remaining := 0
	for i := range pieces {
		plen := int(opts.PieceLength(i))
		bc := (plen + store.BlockSize - 1) / store.BlockSize
		pieces[i] = &pieceInfo{
			length:     plen,
			blockCount: bc,
			blocks:     make([]blockState, bc),
		}
		remaining += bc
	}

	return &Scheduler{
		log:        log.With("component", "sched"),
		cfg:        cfg,
		pieceCount: opts.PieceCount,
		pieces:     pieces,
		avail:      availability.NewBucket(opts.PieceCount, cfg.MaxPeersPerTorrent),
		peers:      make(map[netip.AddrPort]*schedPeer),
		inflight:   make(map[blockKey]*inflightEntry),
		blacklist:  make(map[netip.Addr]time.Time),
		remaining:  remaining,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

// Blacklisted reports whether addr's host is currently banned.
func (s *Scheduler) Blacklisted(addr netip.AddrPort) bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	until, ok := s.blacklist[addr.Addr()]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.blacklist, addr.Addr())
		return false
	}
	return true
}

// AddPeer registers a connected session and, for fast peers, grants the
// deterministic allowed-fast set.
func (s *Scheduler) AddPeer(p Peer, infoHash [20]byte) {
	s.mut.Lock()
	s.peers[p.Addr()] = &schedPeer{
		handle: p,
		bf:     bitfield.New(s.pieceCount),
	}
	peerCount := len(s.peers)
	s.mut.Unlock()

	if p.SupportsFast() {
		for _, piece := range AllowedFastSet(infoHash, p.Addr().Addr(), s.pieceCount, allowedFastSetSize) {
			p.SendAllowedFast(piece)
		}
	}

	s.log.Debug("peer added", "addr", p.Addr().String(), "peers", peerCount)
}

// RemovePeer unregisters addr and returns its in-flight blocks to the want
// pool.
func (s *Scheduler) RemovePeer(addr netip.AddrPort) {
	s.mut.Lock()
	defer s.mut.Unlock()

	sp, ok := s.peers[addr]
	if !ok {
		return
	}
	delete(s.peers, addr)

	// decay the rarity histogram
	for i := 0; i < s.pieceCount; i++ {
		if sp.bf.Has(i) {
			s.avail.Move(i, -1)
		}
	}

	s.releasePeerBlocksLocked(addr)

	if s.optimistic == addr {
		s.optimistic = netip.AddrPort{}
	}
}

// releasePeerBlocksLocked returns every in-flight block owned solely by addr
// to the want pool.
func (s *Scheduler) releasePeerBlocksLocked(addr netip.AddrPort) {
	for key, entry := range s.inflight {
		if !entry.owners[addr] {
			continue
		}
		delete(entry.owners, addr)
		if len(entry.owners) == 0 {
			delete(s.inflight, key)
			s.setBlockLocked(key, blockWant)
		}
	}
}

// ReturnRequests hands back requests a session could not complete (choke,
// reject, disconnect).
func (s *Scheduler) ReturnRequests(addr netip.AddrPort, reqs []Request) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, r := range reqs {
		key := blockKey{piece: r.Piece, begin: r.Begin}
		entry := s.inflight[key]
		if entry == nil {
			continue
		}
		delete(entry.owners, addr)
		if len(entry.owners) == 0 {
			delete(s.inflight, key)
			s.setBlockLocked(key, blockWant)
		}
	}
}

// Request mirrors peer.Request without importing the session package.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

// OnBitfield applies a peer's full bitfield to the rarity histogram.
func (s *Scheduler) OnBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.mut.Lock()
	sp, ok := s.peers[addr]
	if !ok {
		s.mut.Unlock()
		return
	}

	for i := 0; i < s.pieceCount; i++ {
		had, has := sp.bf.Has(i), bf.Has(i)
		if !had && has {
			s.avail.Move(i, 1)
		} else if had && !has {
			s.avail.Move(i, -1)
		}
	}
	sp.bf = bf.Clone()
	interesting := s.peerHasWantedLocked(sp)
	s.mut.Unlock()

	if interesting {
		sp.handle.SendInterested()
	}
}

// OnHave applies one have announcement. Duplicate haves leave both the
// peer's bitfield and the rarity histogram unchanged.
func (s *Scheduler) OnHave(addr netip.AddrPort, piece int) {
	if piece < 0 || piece >= s.pieceCount {
		return
	}

	s.mut.Lock()
	sp, ok := s.peers[addr]
	if !ok || sp.bf.Has(piece) {
		s.mut.Unlock()
		return
	}
	sp.bf.Set(piece)
	s.avail.Move(piece, 1)
	wanted := !s.pieces[piece].verified
	s.mut.Unlock()

	if wanted {
		sp.handle.SendInterested()
	}
}

func (s *Scheduler) peerHasWantedLocked(sp *schedPeer) bool {
	for i := 0; i < s.pieceCount; i++ {
		if sp.bf.Has(i) && !s.pieces[i].verified {
			return true
		}
	}
	return false
}

// Availability returns piece's holder count (rarity histogram read).
func (s *Scheduler) Availability(piece int) int { return s.avail.Availability(piece) }

// Endgame reports whether endgame mode is active.
func (s *Scheduler) Endgame() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.endgame
}

// RemainingBlocks returns the count of blocks not yet downloaded.
func (s *Scheduler) RemainingBlocks() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.remaining
}

// InflightCount returns the number of distinct blocks currently requested.
func (s *Scheduler) InflightCount() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) setBlockLocked(key blockKey, st blockState) {
	p := s.pieces[key.piece]
	idx := key.begin / store.BlockSize
	if idx < 0 || idx >= p.blockCount {
		return
	}

	old := p.blocks[idx]
	p.blocks[idx] = st

	if old == blockDone && st != blockDone {
		p.doneBlocks--
		s.remaining++
	} else if old != blockDone && st == blockDone {
		p.doneBlocks++
		s.remaining--
	}
}

// missingPieceCountLocked counts pieces that are not fully downloaded.
func (s *Scheduler) missingPieceCountLocked() int {
	n := 0
	for _, p := range s.pieces {
		if !p.verified && p.doneBlocks < p.blockCount {
			n++
		}
	}
	return n
}

// maybeEnterEndgameLocked flips endgame on when few pieces remain, raising
// every window.
func (s *Scheduler) maybeEnterEndgameLocked() {
	if s.endgame {
		return
	}

	missing := s.missingPieceCountLocked()
	threshold := s.cfg.EndgameThreshold
	if missing > threshold && missing*20 > s.pieceCount {
		return
	}

	s.endgame = true
	for _, sp := range s.peers {
		sp.handle.SetMaxWindow(s.cfg.RequestWindowEndgame)
	}
	s.log.Info("entering endgame", "missingPieces", missing)
}
