package ext

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// SSL extension message types (BEP 47). Every frame is exactly 5 bytes:
// one type byte followed by a big-endian request id.
const (
	SSLRequest byte = 0x01
	SSLAccept  byte = 0x03
	SSLReject  byte = 0x04

	sslFrameLen = 5
)

var (
	ErrBadSSLFrame  = errors.New("ssl: malformed negotiation frame")
	ErrSSLRejected  = errors.New("ssl: peer rejected the upgrade")
	ErrSSLTimeout   = errors.New("ssl: negotiation timed out")
	ErrSSLNoPending = errors.New("ssl: no negotiation pending for peer")
)

// EncodeSSLFrame builds one 5-byte negotiation frame.
func EncodeSSLFrame(msgType byte, requestID uint32) []byte {
	frame := make([]byte, sslFrameLen)
	frame[0] = msgType
	binary.BigEndian.PutUint32(frame[1:], requestID)
	return frame
}

// DecodeSSLFrame parses one negotiation frame.
func DecodeSSLFrame(data []byte) (msgType byte, requestID uint32, err error) {
	if len(data) < sslFrameLen {
		return 0, 0, ErrBadSSLFrame
	}
	switch data[0] {
	case SSLRequest, SSLAccept, SSLReject:
	default:
		return 0, 0, ErrBadSSLFrame
	}
	return data[0], binary.BigEndian.Uint32(data[1:sslFrameLen]), nil
}

type sslState struct {
	requestID uint32
	started   time.Time
	result    chan byte
}

// SSLNegotiator runs the BEP 47 request/accept/reject exchange.
//
// Policy: inbound requests are accepted iff acceptInbound; on reject or
// timeout, the caller falls back to plaintext (opportunistic) or tears the
// session down (strict).
type SSLNegotiator struct {
	mut           sync.Mutex
	counter       uint32
	pending       map[netip.AddrPort]*sslState
	acceptInbound bool
	timeout       time.Duration
}

func NewSSLNegotiator(acceptInbound bool, timeout time.Duration) *SSLNegotiator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSLNegotiator{
		pending:       make(map[netip.AddrPort]*sslState),
		acceptInbound: acceptInbound,
		timeout:       timeout,
	}
}

// Request starts an upgrade negotiation with addr and returns the frame to
// send.
func (n *SSLNegotiator) Request(addr netip.AddrPort) []byte {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.counter++
	n.pending[addr] = &sslState{
		requestID: n.counter,
		started:   time.Now(),
		result:    make(chan byte, 1),
	}
	return EncodeSSLFrame(SSLRequest, n.counter)
}

// Await blocks until addr answers our request, the negotiation times out, or
// is forgotten. Returns nil once the peer accepted.
func (n *SSLNegotiator) Await(addr netip.AddrPort) error {
	n.mut.Lock()
	st := n.pending[addr]
	n.mut.Unlock()
	if st == nil {
		return ErrSSLNoPending
	}

	defer n.Forget(addr)

	select {
	case verdict := <-st.result:
		if verdict == SSLAccept {
			return nil
		}
		return ErrSSLRejected
	case <-time.After(n.timeout):
		return ErrSSLTimeout
	}
}

// HandleFrame consumes one inbound negotiation frame. For requests it
// returns the reply frame to send (accept or reject per policy) and whether
// the local side should proceed with the TLS server handshake.
func (n *SSLNegotiator) HandleFrame(addr netip.AddrPort, payload []byte) (reply []byte, upgrade bool, err error) {
	msgType, requestID, err := DecodeSSLFrame(payload)
	if err != nil {
		return nil, false, err
	}

	switch msgType {
	case SSLRequest:
		if !n.acceptInbound {
			return EncodeSSLFrame(SSLReject, requestID), false, nil
		}
		return EncodeSSLFrame(SSLAccept, requestID), true, nil

	case SSLAccept, SSLReject:
		n.mut.Lock()
		st := n.pending[addr]
		n.mut.Unlock()
		if st == nil || st.requestID != requestID {
			return nil, false, ErrSSLNoPending
		}
		st.result <- msgType
		return nil, false, nil

	default:
		return nil, false, ErrBadSSLFrame
	}
}

// Forget drops addr's negotiation state.
func (n *SSLNegotiator) Forget(addr netip.AddrPort) {
	n.mut.Lock()
	delete(n.pending, addr)
	n.mut.Unlock()
}

// UpgradeConn wraps an established TCP stream in TLS in place. The client
// role belongs to the side that sent the SSL request.
func UpgradeConn(conn net.Conn, cfg *tls.Config, client bool, timeout time.Duration) (net.Conn, error) {
	var tlsConn *tls.Conn
	if client {
		tlsConn = tls.Client(conn, cfg)
	} else {
		tlsConn = tls.Server(conn, cfg)
	}

	if timeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(timeout))
		defer tlsConn.SetDeadline(time.Time{})
	}

	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
