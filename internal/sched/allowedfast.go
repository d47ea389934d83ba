package sched

import (
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
)

// allowedFastSetSize is the number of pieces granted choke-exempt access per
// connection.
const allowedFastSetSize = 10

// AllowedFastSet computes the BEP 6 allowed-fast set for a peer: a small
// deterministic piece set derived from the info hash and the peer's masked
// IP, so both ends agree without negotiation.
//
//	x = 0xFFFFFF00 & ip || info_hash
//	loop: x = SHA1(x); each 4-byte word of x mod num_pieces joins the set
func AllowedFastSet(infoHash [sha1.Size]byte, ip netip.Addr, numPieces, k int) []int {
	if numPieces <= 0 || k <= 0 {
		return nil
	}
	if k > numPieces {
		k = numPieces
	}

	var x []byte
	if ip.Is4() {
		a := ip.As4()
		masked := binary.BigEndian.Uint32(a[:]) & 0xFFFFFF00
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], masked)
		x = append(x, b[:]...)
	} else {
		a := ip.As16()
		x = append(x, a[:]...)
		x[15] = 0 // mask the low byte, mirroring the v4 rule
	}
	x = append(x, infoHash[:]...)

	set := make([]int, 0, k)
	member := make(map[int]bool, k)

	for len(set) < k {
		digest := sha1.Sum(x)
		x = digest[:]

		for i := 0; i+4 <= sha1.Size && len(set) < k; i += 4 {
			piece := int(binary.BigEndian.Uint32(digest[i:i+4]) % uint32(numPieces))
			if !member[piece] {
				member[piece] = true
				set = append(set, piece)
			}
		}
	}

	return set
}
