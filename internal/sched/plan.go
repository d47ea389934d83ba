package sched

import (
	"net/netip"
	"time"

	"github.com/avinier/burrow/internal/store"
)

// FillWindow plans and issues requests for addr until its window is full or
// nothing eligible remains. Pieces already Downloading are finished before
// new pieces are started; new pieces come from the random bootstrap or
// rarest-first. In endgame every remaining block is requested from every
// holder.
func (s *Scheduler) FillWindow(addr netip.AddrPort) {
	s.mut.Lock()
	sp, ok := s.peers[addr]
	if !ok {
		s.mut.Unlock()
		return
	}

	space := sp.handle.WindowSpace()
	plan := s.planLocked(sp, space)
	s.mut.Unlock()

	for _, r := range plan {
		if !sp.handle.SendRequest(r.Piece, r.Begin, r.Length) {
			s.ReturnRequests(addr, []Request{r})
		}
	}
}

// planLocked picks up to space blocks the peer can serve and marks them
// in-flight.
func (s *Scheduler) planLocked(sp *schedPeer, space int) []Request {
	if space <= 0 {
		return nil
	}

	addr := sp.handle.Addr()
	var plan []Request

	take := func(piece int) bool {
		p := s.pieces[piece]
		for idx := 0; idx < p.blockCount && len(plan) < space; idx++ {
			if p.blocks[idx] != blockWant {
				continue
			}

			begin := idx * store.BlockSize
			length := min(store.BlockSize, p.length-begin)
			key := blockKey{piece: piece, begin: begin}

			p.blocks[idx] = blockInflight
			s.inflight[key] = &inflightEntry{
				owners:   map[netip.AddrPort]bool{addr: true},
				issuedAt: time.Now(),
				length:   length,
			}
			plan = append(plan, Request{Piece: piece, Begin: begin, Length: length})
		}
		return len(plan) >= space
	}

	// priority 1: finish pieces already downloading
	for piece, p := range s.pieces {
		if p.verified || p.doneBlocks == 0 || !sp.bf.Has(piece) {
			continue
		}
		if take(piece) {
			return plan
		}
	}

	eligible := func(piece int) bool {
		if !sp.bf.Has(piece) {
			return false
		}
		p := s.pieces[piece]
		if p.verified {
			return false
		}
		for _, b := range p.blocks {
			if b == blockWant {
				return true
			}
		}
		return false
	}

	// priority 2: new pieces — random for the first few, rarest after
	for len(plan) < space {
		var piece int
		if s.totalDone < randomFirstPieces {
			piece = s.avail.PickRandom(eligible)
		} else {
			piece = s.avail.PickRarest(eligible)
		}
		if piece < 0 {
			break
		}
		if take(piece) {
			return plan
		}
	}

	// endgame: duplicate remaining in-flight blocks onto this peer too
	if s.endgame && len(plan) < space {
		plan = append(plan, s.endgameDuplicatesLocked(sp, space-len(plan))...)
	}

	return plan
}

// endgameDuplicatesLocked requests blocks that are in flight elsewhere from
// this peer as well, so the slowest owner no longer gates completion.
func (s *Scheduler) endgameDuplicatesLocked(sp *schedPeer, space int) []Request {
	addr := sp.handle.Addr()
	var plan []Request

	for key, entry := range s.inflight {
		if len(plan) >= space {
			break
		}
		if entry.owners[addr] || !sp.bf.Has(key.piece) {
			continue
		}

		entry.owners[addr] = true
		plan = append(plan, Request{Piece: key.piece, Begin: key.begin, Length: entry.length})
	}
	return plan
}

// ClaimWebseedPiece reserves one untouched missing piece for an HTTP seed
// fetch, preferring the rarest so swarm peers keep the common ones. Returns
// -1 when nothing is claimable. The claim marks every block in-flight under
// owner so peer planning skips them.
func (s *Scheduler) ClaimWebseedPiece(owner netip.AddrPort) int {
	s.mut.Lock()
	defer s.mut.Unlock()

	pick := -1
	for piece, p := range s.pieces {
		if p.verified || p.doneBlocks > 0 {
			continue
		}
		untouched := true
		for _, b := range p.blocks {
			if b != blockWant {
				untouched = false
				break
			}
		}
		if !untouched {
			continue
		}
		if pick < 0 || s.avail.Availability(piece) < s.avail.Availability(pick) {
			pick = piece
		}
	}
	if pick < 0 {
		return -1
	}

	p := s.pieces[pick]
	for idx := range p.blocks {
		begin := idx * store.BlockSize
		p.blocks[idx] = blockInflight
		s.inflight[blockKey{piece: pick, begin: begin}] = &inflightEntry{
			owners:   map[netip.AddrPort]bool{owner: true},
			issuedAt: time.Now(),
			length:   min(store.BlockSize, p.length-begin),
		}
	}
	return pick
}

// ReleaseWebseedPiece returns a failed webseed claim to the want pool.
func (s *Scheduler) ReleaseWebseedPiece(piece int, owner netip.AddrPort) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if piece < 0 || piece >= s.pieceCount {
		return
	}
	for idx := range s.pieces[piece].blocks {
		key := blockKey{piece: piece, begin: idx * store.BlockSize}
		if entry := s.inflight[key]; entry != nil && entry.owners[owner] {
			delete(entry.owners, owner)
			if len(entry.owners) == 0 {
				delete(s.inflight, key)
				s.setBlockLocked(key, blockWant)
			}
		}
	}
}

// OnBlockReceived records a completed block. In endgame, identical requests
// still outstanding at other peers are cancelled immediately. Reports
// whether this block was still wanted (false for endgame duplicates that
// lost the race).
func (s *Scheduler) OnBlockReceived(addr netip.AddrPort, piece, begin, length int) bool {
	key := blockKey{piece: piece, begin: begin}

	s.mut.Lock()
	entry := s.inflight[key]
	delete(s.inflight, key)

	p := s.pieces[piece]
	idx := begin / store.BlockSize
	alreadyDone := idx < p.blockCount && p.blocks[idx] == blockDone
	if !alreadyDone {
		s.setBlockLocked(key, blockDone)
	}

	// everyone else still fetching this block gets a cancel
	var losers []Peer
	if entry != nil {
		for owner := range entry.owners {
			if owner == addr {
				continue
			}
			if osp, ok := s.peers[owner]; ok {
				losers = append(losers, osp.handle)
			}
		}
	}

	s.maybeEnterEndgameLocked()
	s.mut.Unlock()

	for _, h := range losers {
		h.SendCancel(piece, begin, length)
	}

	return !alreadyDone
}

// OnPieceVerified finalizes a piece: every connected peer gets a have, and
// the download counters advance.
func (s *Scheduler) OnPieceVerified(piece int) {
	if piece < 0 || piece >= s.pieceCount {
		return
	}

	s.mut.Lock()
	p := s.pieces[piece]
	if !p.verified {
		p.verified = true
		s.totalDone++
		for idx := range p.blocks {
			if p.blocks[idx] != blockDone {
				s.setBlockLocked(blockKey{piece: piece, begin: idx * store.BlockSize}, blockDone)
			}
		}
	}
	handles := make([]Peer, 0, len(s.peers))
	for _, sp := range s.peers {
		handles = append(handles, sp.handle)
	}
	complete := s.totalDone == s.pieceCount
	s.mut.Unlock()

	for _, h := range handles {
		h.SendHave(piece)
	}

	if complete {
		s.mut.Lock()
		s.seeding = true
		s.mut.Unlock()
		s.log.Info("download complete, switching to seed ranking")
	}
}

// OnPieceFailed resets a failed piece to wanted and penalizes every
// contributing peer. Peers crossing the bad-block threshold are dropped and
// their host blacklisted for the cooldown.
func (s *Scheduler) OnPieceFailed(piece int, contributors []netip.AddrPort) {
	if piece < 0 || piece >= s.pieceCount {
		return
	}

	s.mut.Lock()
	p := s.pieces[piece]
	p.verified = false
	for idx := range p.blocks {
		if p.blocks[idx] == blockDone {
			s.setBlockLocked(blockKey{piece: piece, begin: idx * store.BlockSize}, blockWant)
		} else {
			p.blocks[idx] = blockWant
		}
	}

	var dropped []Peer
	for _, addr := range contributors {
		sp, ok := s.peers[addr]
		if !ok {
			continue
		}
		sp.badBlocks++
		if sp.badBlocks >= s.cfg.BadBlocksThreshold {
			s.blacklist[addr.Addr()] = time.Now().Add(s.cfg.BlacklistCooldown)
			dropped = append(dropped, sp.handle)
		}
	}
	s.mut.Unlock()

	for _, h := range dropped {
		h.Close("bad_blocks")
	}
}

// BadBlocks returns addr's attribution counter.
func (s *Scheduler) BadBlocks(addr netip.AddrPort) int {
	s.mut.Lock()
	defer s.mut.Unlock()

	if sp, ok := s.peers[addr]; ok {
		return sp.badBlocks
	}
	return 0
}

// SweepTimeouts returns in-flight blocks older than the request timeout to
// the want pool. A peer that times out twice on different pieces within a
// minute is flagged slow and either deprioritized or disconnected per
// config.
func (s *Scheduler) SweepTimeouts(now time.Time) {
	cutoff := s.cfg.RequestTimeout

	s.mut.Lock()
	var toDrop []Peer

	for key, entry := range s.inflight {
		if now.Sub(entry.issuedAt) <= cutoff {
			continue
		}

		for owner := range entry.owners {
			sp, ok := s.peers[owner]
			if !ok {
				continue
			}

			sp.timeouts = append(sp.timeouts, timeoutMark{piece: key.piece, at: now})
			sp.timeouts = pruneTimeouts(sp.timeouts, now.Add(-time.Minute))

			if distinctPieces(sp.timeouts) >= 2 && !sp.slow {
				sp.slow = true
				if !s.cfg.SlowPeerPenalty {
					toDrop = append(toDrop, sp.handle)
				}
				s.log.Debug("peer flagged slow", "addr", owner.String())
			}
		}

		delete(s.inflight, key)
		s.setBlockLocked(key, blockWant)
	}
	s.mut.Unlock()

	for _, h := range toDrop {
		h.Close("slow_peer")
	}
}

func pruneTimeouts(marks []timeoutMark, oldest time.Time) []timeoutMark {
	out := marks[:0]
	for _, m := range marks {
		if m.at.After(oldest) {
			out = append(out, m)
		}
	}
	return out
}

func distinctPieces(marks []timeoutMark) int {
	seen := make(map[int]bool, len(marks))
	for _, m := range marks {
		seen[m.piece] = true
	}
	return len(seen)
}
