package sched

import (
	"context"
	"net/netip"
	"sort"
	"time"
)

// RunChoker drives the periodic unchoke policy until ctx is cancelled:
// every UnchokeInterval the top-K peers by transfer rate are unchoked, and
// every OptimisticUnchokeInterval one random choked peer gets an optimistic
// slot regardless of its rate.
func (s *Scheduler) RunChoker(ctx context.Context) error {
	regular := time.NewTicker(s.cfg.UnchokeInterval)
	defer regular.Stop()
	optimistic := time.NewTicker(s.cfg.OptimisticUnchokeInterval)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-optimistic.C:
			s.rotateOptimistic()
		case <-regular.C:
			s.rechoke()
		}
	}
}

// rotateOptimistic picks one random currently-choked interested peer as the
// optimistic unchoke.
func (s *Scheduler) rotateOptimistic() {
	s.mut.Lock()

	candidates := make([]netip.AddrPort, 0, len(s.peers))
	for addr, sp := range s.peers {
		if sp.handle.AmChoking() && sp.handle.PeerInterested() {
			candidates = append(candidates, addr)
		}
	}

	if len(candidates) > 0 {
		s.optimistic = candidates[s.rng.Intn(len(candidates))]
	}
	s.mut.Unlock()

	s.rechoke()
}

// rechoke ranks interested peers by the rate relevant to our mode (download
// from them while leeching, upload to them while seeding), unchokes the top
// UnchokeSlots plus the optimistic pick, and chokes everyone else.
func (s *Scheduler) rechoke() {
	s.mut.Lock()

	type ranked struct {
		addr netip.AddrPort
		sp   *schedPeer
		rate uint64
	}

	peers := make([]ranked, 0, len(s.peers))
	for addr, sp := range s.peers {
		down, up := sp.handle.Rates()
		rate := down
		if s.seeding {
			rate = up
		}
		if sp.slow {
			rate /= 2 // deprioritize flagged peers without starving them
		}
		peers = append(peers, ranked{addr: addr, sp: sp, rate: rate})
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].rate > peers[j].rate })

	unchoke := make(map[netip.AddrPort]bool, s.cfg.UnchokeSlots+1)
	slots := 0
	for _, r := range peers {
		if slots >= s.cfg.UnchokeSlots {
			break
		}
		if r.sp.handle.PeerInterested() {
			unchoke[r.addr] = true
			slots++
		}
	}
	if s.optimistic.IsValid() {
		if _, ok := s.peers[s.optimistic]; ok {
			unchoke[s.optimistic] = true
		}
	}

	var toChoke, toUnchoke []Peer
	for addr, sp := range s.peers {
		choking := sp.handle.AmChoking()
		if unchoke[addr] && choking {
			toUnchoke = append(toUnchoke, sp.handle)
		} else if !unchoke[addr] && !choking {
			toChoke = append(toChoke, sp.handle)
		}
	}
	s.mut.Unlock()

	for _, h := range toUnchoke {
		h.SendUnchoke()
	}
	for _, h := range toChoke {
		h.SendChoke()
	}
}

// RunTimeouts sweeps the in-flight table on a fixed cadence.
func (s *Scheduler) RunTimeouts(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RequestTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepTimeouts(time.Now())
		}
	}
}
