// Package event provides the in-process publish-subscribe bus that decouples
// the disk, store, peer, scheduler, and session layers. Events are immutable
// values; handlers receive them read-only.
package event

import (
	"crypto/sha1"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Type tags an event with its category. Handlers register per type or with
// the wildcard "*".
type Type string

const (
	// Peer lifecycle
	PeerConnected         Type = "peer_connected"
	PeerDisconnected      Type = "peer_disconnected"
	PeerHandshakeComplete Type = "peer_handshake_complete"
	PeerBitfieldReceived  Type = "peer_bitfield_received"

	// Pieces
	PieceRequested  Type = "piece_requested"
	PieceDownloaded Type = "piece_downloaded"
	PieceVerified   Type = "piece_verified"
	PieceHashFailed Type = "piece_hash_failed"

	// Torrent lifecycle
	TorrentAdded     Type = "torrent_added"
	TorrentStarted   Type = "torrent_started"
	TorrentStopped   Type = "torrent_stopped"
	TorrentCompleted Type = "torrent_completed"

	// Trackers
	TrackerAnnounceSuccess Type = "tracker_announce_success"
	TrackerAnnounceError   Type = "tracker_announce_error"

	// Extension protocol
	ExtensionHandshake      Type = "extension_handshake"
	UnknownExtensionMessage Type = "unknown_extension_message"

	// PEX
	PeerDiscovered Type = "peer_discovered"
	PeerDropped    Type = "peer_dropped"

	// WebSeed
	WebseedDownloadSuccess Type = "webseed_download_success"
	WebseedDownloadFailed  Type = "webseed_download_failed"

	// SSL extension
	SSLUpgraded      Type = "ssl_upgraded"
	SSLUpgradeFailed Type = "ssl_upgrade_failed"

	// System
	SystemError Type = "system_error"
)

// Priority orders events for observers; the bus itself dispatches FIFO.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Payload is the tagged union of per-type event data. Handlers type-switch
// on the concrete variant.
type Payload interface{ isPayload() }

// Event is the common envelope. Events are plain values and never own
// resources; the bus deep-copies nothing because payload variants contain
// only value types and cloned slices.
type Event struct {
	Type          Type
	Time          time.Time
	ID            uuid.UUID
	Priority      Priority
	Source        string
	CorrelationID string
	Payload       Payload
}

// New builds an envelope with a fresh id and timestamp.
func New(t Type, source string, p Payload) Event {
	return Event{
		Type:     t,
		Time:     time.Now(),
		ID:       uuid.New(),
		Priority: PriorityNormal,
		Source:   source,
		Payload:  p,
	}
}

// WithPriority returns a copy of e at the given priority.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

type PeerPayload struct {
	InfoHash [sha1.Size]byte
	Addr     netip.AddrPort
	Reason   string
}

type PiecePayload struct {
	InfoHash   [sha1.Size]byte
	Piece      int
	Size       int
	Peers      []netip.AddrPort // contributing peers, for hash-failure attribution
	FailedHash bool
}

type TorrentPayload struct {
	InfoHash [sha1.Size]byte
	Name     string
}

type TrackerPayload struct {
	InfoHash [sha1.Size]byte
	URL      string
	Peers    int
	Err      string
}

type ExtensionPayload struct {
	Addr       netip.AddrPort
	Name       string
	MessageID  uint8
	Supported  []string
	RawPayload []byte
}

type PexPayload struct {
	Addr  netip.AddrPort
	Added []netip.AddrPort
	Flags []byte
}

type WebseedPayload struct {
	URL   string
	Piece int
	Bytes int
	Err   string
}

type ErrorPayload struct {
	InfoHash [sha1.Size]byte
	Err      string
}

func (PeerPayload) isPayload()      {}
func (PiecePayload) isPayload()     {}
func (TorrentPayload) isPayload()   {}
func (TrackerPayload) isPayload()   {}
func (ExtensionPayload) isPayload() {}
func (PexPayload) isPayload()       {}
func (WebseedPayload) isPayload()   {}
func (ErrorPayload) isPayload()     {}
