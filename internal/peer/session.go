// Package peer implements the per-connection session: handshake exchange,
// the read/write loops over the receive ring buffer, the four choke/interest
// bits, the bounded request window, and the fast-extension state transitions.
package peer

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/proto"
	"github.com/avinier/burrow/pkg/bitfield"
	"github.com/avinier/burrow/pkg/buffer"
)

// State is the session lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Disconnect reasons carried on PEER_DISCONNECTED.
const (
	ReasonInfoHashMismatch  = "info_hash_mismatch"
	ReasonProtocolViolation = "protocol_violation"
	ReasonOversizedFrame    = "oversized_frame"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonIOError           = "io_error"
	ReasonShutdown          = "shutdown"
	ReasonBadBlocks         = "bad_blocks"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Request identifies one outstanding block request.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

// Callbacks connect a session to the scheduler and extension dispatcher.
// All callbacks may be nil.
type Callbacks struct {
	OnHandshake  func(addr netip.AddrPort, fast, extended bool)
	OnBitfield   func(addr netip.AddrPort, bf bitfield.Bitfield)
	OnHave       func(addr netip.AddrPort, piece int)
	OnPiece      func(addr netip.AddrPort, piece, begin int, block []byte)
	OnRequest    func(addr netip.AddrPort, piece, begin, length int)
	OnCancel     func(addr netip.AddrPort, piece, begin, length int)
	OnChoked     func(addr netip.AddrPort, returned []Request)
	OnUnchoked   func(addr netip.AddrPort)
	OnReject     func(addr netip.AddrPort, req Request)
	OnExtended   func(addr netip.AddrPort, extID uint8, payload []byte)
	OnDisconnect func(addr netip.AddrPort, reason string, returned []Request)
	RequestWork  func(addr netip.AddrPort)
}

// Stats holds per-connection counters. The byte, message, request, block and
// error counters are atomic and monotonically increasing for the lifetime of
// a session; DownloadRate/UploadRate are smoothed gauges that rise and fall.
type Stats struct {
	Downloaded        atomic.Uint64 // bytes received in piece payloads
	Uploaded          atomic.Uint64 // bytes sent in piece payloads
	DownloadRate      atomic.Uint64 // smoothed bytes/sec
	UploadRate        atomic.Uint64 // smoothed bytes/sec
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsTimedOut  atomic.Uint64
	BlocksReceived    atomic.Uint64
	BlocksSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Session is one peer connection.
type Session struct {
	log   *slog.Logger
	conn  net.Conn
	addr  netip.AddrPort
	state atomic.Int32
	bits  uint32 // choke/interest mask, atomic

	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte // remote's id, set after handshake

	recv    *buffer.Ring
	decoder *proto.FrameDecoder
	outbox  chan *proto.Message

	pieceCount  int
	bitfieldMut sync.RWMutex
	bitfield    bitfield.Bitfield
	sawFirstMsg bool

	// fast extension state
	peerFast        bool
	peerExtended    bool
	allowedFastMut  sync.Mutex
	allowedFastRecv map[int]bool // pieces we may request while choked
	allowedFastSent map[int]bool // pieces the peer may request while choked

	windowMut   sync.Mutex
	outstanding map[Request]time.Time
	maxWindow   atomic.Int32

	stats        Stats
	lastActivity atomic.Int64

	cb        Callbacks
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopped   atomic.Bool
	reason    atomic.Value // string
}

// Opts configures a new session.
type Opts struct {
	Log        *slog.Logger
	InfoHash   [sha1.Size]byte
	PieceCount int
	Callbacks  Callbacks

	// TLS, when set, wraps the outbound TCP stream before the BitTorrent
	// handshake (BEP 47 peers reconnect over TLS after a successful
	// negotiation).
	TLS *tls.Config
}

// Dial opens an outbound connection to addr and performs the handshake.
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Session, error) {
	cfg := config.Load()

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	s := newSession(conn, addr, opts)
	if err := s.handshake(false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Accept wraps an inbound connection. The remote's handshake is read first;
// resolve maps its info hash onto the serving torrent's options (nil means
// we do not serve that torrent and the connection is dropped).
func Accept(conn net.Conn, resolve func(infoHash [sha1.Size]byte) *Opts) (*Session, error) {
	addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	cfg := config.Load()
	_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))

	theirs, err := proto.ReadHandshake(conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	opts := resolve(theirs.InfoHash)
	if opts == nil {
		_ = conn.Close()
		return nil, proto.ErrInfoHashMismatch
	}

	s := newSession(conn, addr, opts)
	s.state.Store(int32(StateHandshaking))

	ours := proto.NewHandshake(s.infoHash, cfg.ClientID, cfg.Extensions.FastEnabled)
	if _, err := ours.WriteTo(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	s.peerID = theirs.PeerID
	s.peerFast = cfg.Extensions.FastEnabled && theirs.SupportsFast()
	s.peerExtended = theirs.SupportsExtensions()
	s.state.Store(int32(StateEstablished))
	s.stats.ConnectedAt = time.Now()

	if s.cb.OnHandshake != nil {
		s.cb.OnHandshake(s.addr, s.peerFast, s.peerExtended)
	}
	return s, nil
}

func newSession(conn net.Conn, addr netip.AddrPort, opts *Opts) *Session {
	cfg := config.Load()

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:             log.With("component", "peer", "addr", addr.String()),
		conn:            conn,
		addr:            addr,
		infoHash:        opts.InfoHash,
		recv:            buffer.NewRing(2 * cfg.MaxFrameSize),
		decoder:         proto.NewFrameDecoder(cfg.MaxFrameSize),
		outbox:          make(chan *proto.Message, cfg.PeerOutboundQueueBacklog),
		pieceCount:      opts.PieceCount,
		bitfield:        bitfield.New(opts.PieceCount),
		allowedFastRecv: make(map[int]bool),
		allowedFastSent: make(map[int]bool),
		outstanding:     make(map[Request]time.Time),
		cb:              opts.Callbacks,
	}
	s.state.Store(int32(StateConnecting))
	s.maxWindow.Store(int32(cfg.RequestWindow))
	s.setBits(maskAmChoking|maskPeerChoking, true)
	s.lastActivity.Store(time.Now().UnixNano())

	return s
}

// handshake exchanges wire handshakes. For inbound connections the remote's
// handshake is read first.
func (s *Session) handshake(inbound bool) error {
	cfg := config.Load()
	s.state.Store(int32(StateHandshaking))

	ours := proto.NewHandshake(s.infoHash, cfg.ClientID, cfg.Extensions.FastEnabled)

	_ = s.conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	defer s.conn.SetDeadline(time.Time{})

	var theirs *proto.Handshake
	var err error

	if inbound {
		if theirs, err = proto.ReadHandshake(s.conn, &s.infoHash); err != nil {
			return err
		}
		if _, err = ours.WriteTo(s.conn); err != nil {
			return err
		}
	} else {
		if _, err = ours.WriteTo(s.conn); err != nil {
			return err
		}
		if theirs, err = proto.ReadHandshake(s.conn, &s.infoHash); err != nil {
			return err
		}
	}

	s.peerID = theirs.PeerID
	s.peerFast = cfg.Extensions.FastEnabled && theirs.SupportsFast()
	s.peerExtended = theirs.SupportsExtensions()

	s.state.Store(int32(StateEstablished))
	s.stats.ConnectedAt = time.Now()

	if s.cb.OnHandshake != nil {
		s.cb.OnHandshake(s.addr, s.peerFast, s.peerExtended)
	}
	return nil
}

// Run drives the session loops until the connection drops or ctx is
// cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.close(ReasonShutdown)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.rateLoop(gctx) })

	return g.Wait()
}

// Close tears the session down with the given reason.
func (s *Session) Close(reason string) { s.close(reason) }

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.stopped.Store(true)
		s.reason.Store(reason)

		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		s.stats.DisconnectedAt = time.Now()

		returned := s.takeOutstanding()
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s.addr, reason, returned)
		}

		s.log.Debug("session closed", "reason", reason)
	})
}

func (s *Session) takeOutstanding() []Request {
	s.windowMut.Lock()
	defer s.windowMut.Unlock()

	out := make([]Request, 0, len(s.outstanding))
	for req := range s.outstanding {
		out = append(out, req)
	}
	s.outstanding = make(map[Request]time.Time)
	return out
}

// Addr returns the remote address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// PeerID returns the remote's 20-byte peer id.
func (s *Session) PeerID() [sha1.Size]byte { return s.peerID }

// InfoHash returns the torrent identity this session serves.
func (s *Session) InfoHash() [sha1.Size]byte { return s.infoHash }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SupportsFast reports whether both ends negotiated BEP 6.
func (s *Session) SupportsFast() bool { return s.peerFast }

// SupportsExtended reports whether the remote advertised BEP 10.
func (s *Session) SupportsExtended() bool { return s.peerExtended }

// Stats exposes the counters.
func (s *Session) Stats() *Stats { return &s.stats }

// Rates returns the smoothed transfer rates in bytes/sec, download first.
func (s *Session) Rates() (download, upload uint64) {
	return s.stats.DownloadRate.Load(), s.stats.UploadRate.Load()
}

// Idleness returns the time since the last frame in either direction.
func (s *Session) Idleness() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) AmChoking() bool      { return s.getBits(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getBits(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getBits(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getBits(maskPeerInterested) }

func (s *Session) getBits(mask uint32) bool { return atomic.LoadUint32(&s.bits)&mask != 0 }

func (s *Session) setBits(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.bits)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.bits, old, next) {
			return
		}
	}
}

// Bitfield returns a copy of the peer's advertised pieces.
func (s *Session) Bitfield() bitfield.Bitfield {
	s.bitfieldMut.RLock()
	defer s.bitfieldMut.RUnlock()
	return s.bitfield.Clone()
}

// HasPiece reports whether the peer advertised piece.
func (s *Session) HasPiece(piece int) bool {
	s.bitfieldMut.RLock()
	defer s.bitfieldMut.RUnlock()
	return s.bitfield.Has(piece)
}

// SetMaxWindow resizes the request window (raised during endgame).
func (s *Session) SetMaxWindow(n int) { s.maxWindow.Store(int32(n)) }

// WindowSpace returns how many more requests fit in the window right now.
func (s *Session) WindowSpace() int {
	s.windowMut.Lock()
	defer s.windowMut.Unlock()
	return int(s.maxWindow.Load()) - len(s.outstanding)
}

// OutstandingCount returns the current window occupancy.
func (s *Session) OutstandingCount() int {
	s.windowMut.Lock()
	defer s.windowMut.Unlock()
	return len(s.outstanding)
}

// TimedOutRequests removes and returns requests older than cutoff.
func (s *Session) TimedOutRequests(cutoff time.Duration) []Request {
	s.windowMut.Lock()
	defer s.windowMut.Unlock()

	now := time.Now()
	var out []Request
	for req, issued := range s.outstanding {
		if now.Sub(issued) > cutoff {
			delete(s.outstanding, req)
			out = append(out, req)
			s.stats.RequestsTimedOut.Add(1)
		}
	}
	return out
}
