package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// BEP 15 protocol constants.
const (
	udpProtocolMagic = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3

	udpConnectionTTL = time.Minute
)

var errShortUDPResponse = errors.New("tracker: short udp response")

type udpTracker struct {
	addr string
	log  *slog.Logger

	connectionID  uint64
	connectedAt   time.Time
}

func newUDPTracker(u *url.URL, log *slog.Logger) *udpTracker {
	return &udpTracker{
		addr: u.Host,
		log:  log.With("transport", "udp", "tracker", u.Host),
	}
}

func (ut *udpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	conn, err := ut.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if time.Since(ut.connectedAt) > udpConnectionTTL {
		if err := ut.connect(ctx, conn); err != nil {
			return nil, err
		}
	}

	return ut.announce(ctx, conn, params)
}

func (ut *udpTracker) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", ut.addr)
}

// connect performs the BEP 15 connect round and caches the connection id for
// a minute.
func (ut *udpTracker) connect(ctx context.Context, conn net.Conn) error {
	txID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := ut.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return err
	}

	if binary.BigEndian.Uint32(resp[0:4]) != udpActionConnect {
		return errors.New("tracker: udp connect: unexpected action")
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return errors.New("tracker: udp connect: transaction id mismatch")
	}

	ut.connectionID = binary.BigEndian.Uint64(resp[8:16])
	ut.connectedAt = time.Now()
	return nil
}

func (ut *udpTracker) announce(ctx context.Context, conn net.Conn, params *AnnounceParams) (*AnnounceResponse, error) {
	txID := rand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], ut.connectionID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], params.InfoHash[:])
	copy(req[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(req[64:72], params.Left)
	binary.BigEndian.PutUint64(req[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(req[80:84], uint32(params.Event))
	// bytes 84:88 stay zero: tracker derives our IP from the datagram
	binary.BigEndian.PutUint32(req[88:92], params.Key)
	numWant := int32(-1)
	if params.NumWant > 0 {
		numWant = int32(params.NumWant)
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], params.Port)

	resp, err := ut.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker: udp announce error: %s", resp[8:])
	}
	if action != udpActionAnnounce {
		return nil, errors.New("tracker: udp announce: unexpected action")
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, errors.New("tracker: udp announce: transaction id mismatch")
	}

	return &AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int64(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int64(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    parseCompactPeers(resp[20:], false),
	}, nil
}

// roundTrip sends req and reads one datagram of at least minLen bytes,
// retrying with the BEP 15 15*2^n schedule bounded by ctx.
func (ut *udpTracker) roundTrip(ctx context.Context, conn net.Conn, req []byte, minLen int) ([]byte, error) {
	buf := make([]byte, 4096)

	for attempt := 0; attempt < 4; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if _, err := conn.Write(req); err != nil {
			return nil, err
		}

		timeout := 15 * time.Second << uint(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
			timeout = time.Until(deadline)
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		if n < minLen {
			return nil, errShortUDPResponse
		}

		return buf[:n], nil
	}

	return nil, errors.New("tracker: udp announce timed out")
}
