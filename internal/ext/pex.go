package ext

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/avinier/burrow/pkg/bencode"
)

// PEX flag bits carried per peer in added.f / added6.f.
const (
	PexFlagSeed        byte = 1 << 0
	PexFlagConnectable byte = 1 << 1
)

// PexPeer is one gossiped contact.
type PexPeer struct {
	Addr  netip.AddrPort
	Flags byte
}

var ErrBadCompactPeer = errors.New("pex: malformed compact peer entry")

// EncodeCompact packs peers into the BEP 11 compact forms: 6 bytes per IPv4
// peer, 18 bytes per IPv6 peer, with one flag byte per peer alongside.
func EncodeCompact(peers []PexPeer) (v4, v4flags, v6, v6flags []byte) {
	for _, p := range peers {
		port := p.Addr.Port()
		if p.Addr.Addr().Is4() {
			ip := p.Addr.Addr().As4()
			v4 = append(v4, ip[:]...)
			v4 = append(v4, byte(port>>8), byte(port))
			v4flags = append(v4flags, p.Flags)
		} else {
			ip := p.Addr.Addr().As16()
			v6 = append(v6, ip[:]...)
			v6 = append(v6, byte(port>>8), byte(port))
			v6flags = append(v6flags, p.Flags)
		}
	}
	return
}

// DecodeCompact unpacks a compact peer list. Entry size is 6 for IPv4 and 18
// for IPv6. Flags may be shorter than the peer list; missing entries default
// to zero.
func DecodeCompact(data, flags []byte, ipv6 bool) ([]PexPeer, error) {
	entry := 6
	if ipv6 {
		entry = 18
	}
	if len(data)%entry != 0 {
		return nil, ErrBadCompactPeer
	}

	out := make([]PexPeer, 0, len(data)/entry)
	for i := 0; i+entry <= len(data); i += entry {
		var addr netip.Addr
		if ipv6 {
			var ip [16]byte
			copy(ip[:], data[i:i+16])
			addr = netip.AddrFrom16(ip)
		} else {
			var ip [4]byte
			copy(ip[:], data[i:i+4])
			addr = netip.AddrFrom4(ip)
		}
		port := uint16(data[i+entry-2])<<8 | uint16(data[i+entry-1])

		p := PexPeer{Addr: netip.AddrPortFrom(addr, port)}
		if idx := i / entry; idx < len(flags) {
			p.Flags = flags[idx]
		}
		out = append(out, p)
	}
	return out, nil
}

// PexMessage is one gossip round's delta.
type PexMessage struct {
	Added   []PexPeer
	Dropped []netip.AddrPort
}

// Encode produces the bencoded ut_pex payload.
func (m *PexMessage) Encode() ([]byte, error) {
	v4, v4f, v6, v6f := EncodeCompact(m.Added)

	var d4, d6 []byte
	for _, addr := range m.Dropped {
		if addr.Addr().Is4() {
			ip := addr.Addr().As4()
			d4 = append(d4, ip[:]...)
			d4 = append(d4, byte(addr.Port()>>8), byte(addr.Port()))
		} else {
			ip := addr.Addr().As16()
			d6 = append(d6, ip[:]...)
			d6 = append(d6, byte(addr.Port()>>8), byte(addr.Port()))
		}
	}

	return bencode.Marshal(map[string]any{
		"added":    v4,
		"added.f":  v4f,
		"added6":   v6,
		"added6.f": v6f,
		"dropped":  d4,
		"dropped6": d6,
	})
}

// DecodePexMessage parses an inbound ut_pex payload. Malformed sections are
// skipped; gossip is advisory.
func DecodePexMessage(payload []byte) (*PexMessage, error) {
	raw, err := bencode.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("pex: payload is not a dict")
	}

	msg := &PexMessage{}

	str := func(key string) []byte {
		if s, ok := dict[key].(string); ok {
			return []byte(s)
		}
		return nil
	}

	if added, err := DecodeCompact(str("added"), str("added.f"), false); err == nil {
		msg.Added = append(msg.Added, added...)
	}
	if added6, err := DecodeCompact(str("added6"), str("added6.f"), true); err == nil {
		msg.Added = append(msg.Added, added6...)
	}
	if dropped, err := DecodeCompact(str("dropped"), nil, false); err == nil {
		for _, p := range dropped {
			msg.Dropped = append(msg.Dropped, p.Addr)
		}
	}
	if dropped6, err := DecodeCompact(str("dropped6"), nil, true); err == nil {
		for _, p := range dropped6 {
			msg.Dropped = append(msg.Dropped, p.Addr)
		}
	}

	return msg, nil
}

// Pex tracks, per connected peer, which contacts we have already gossiped so
// each periodic tick sends only the delta.
type Pex struct {
	mut  sync.Mutex
	sent map[netip.AddrPort]map[netip.AddrPort]bool
}

func NewPex() *Pex {
	return &Pex{sent: make(map[netip.AddrPort]map[netip.AddrPort]bool)}
}

// Delta computes the added/dropped lists to gossip to peer, given the swarm
// contacts currently known, and records them as sent.
func (p *Pex) Delta(peer netip.AddrPort, current map[netip.AddrPort]byte) *PexMessage {
	p.mut.Lock()
	defer p.mut.Unlock()

	known := p.sent[peer]
	if known == nil {
		known = make(map[netip.AddrPort]bool)
		p.sent[peer] = known
	}

	msg := &PexMessage{}
	for addr, flags := range current {
		if addr == peer || known[addr] {
			continue
		}
		known[addr] = true
		msg.Added = append(msg.Added, PexPeer{Addr: addr, Flags: flags})
	}
	for addr := range known {
		if _, still := current[addr]; !still && addr != peer {
			delete(known, addr)
			msg.Dropped = append(msg.Dropped, addr)
		}
	}

	return msg
}

// Forget drops the per-peer gossip history.
func (p *Pex) Forget(peer netip.AddrPort) {
	p.mut.Lock()
	delete(p.sent, peer)
	p.mut.Unlock()
}
