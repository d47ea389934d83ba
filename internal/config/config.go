// Package config holds the typed runtime configuration for the client core.
// Components read it through Load(); nothing in the core reads environment
// variables directly.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// PreallocateStrategy selects how file space is claimed before download.
type PreallocateStrategy uint8

const (
	// PreallocateNone skips preallocation entirely.
	PreallocateNone PreallocateStrategy = iota

	// PreallocateSparse seeks to size-1 and writes a single byte.
	PreallocateSparse

	// PreallocateFull writes zeros for the whole length.
	PreallocateFull

	// PreallocateNative uses posix_fallocate on Linux, SetEndOfFile on
	// Windows, and falls back to sparse elsewhere.
	PreallocateNative
)

func (s PreallocateStrategy) String() string {
	switch s {
	case PreallocateNone:
		return "none"
	case PreallocateSparse:
		return "sparse"
	case PreallocateFull:
		return "full"
	case PreallocateNative:
		return "native"
	default:
		return "unknown"
	}
}

// DiskConfig tunes the disk I/O manager.
type DiskConfig struct {
	// Preallocate selects the file preallocation strategy.
	Preallocate PreallocateStrategy

	// WriteQueueSize bounds the pending write-request queue; WriteBlock
	// fails fast with ErrQueueFull beyond it.
	WriteQueueSize int

	// WriteBatchRequests flushes a file's group once it accumulates this
	// many requests.
	WriteBatchRequests int

	// WriteBatchBytes flushes a file's group once its byte total reaches
	// this threshold.
	WriteBatchBytes int

	// WriteBatchTimeout is the fallback flush timeout when adaptive timing
	// is disabled.
	WriteBatchTimeout time.Duration

	// WriteBatchTimeoutAdaptive derives the flush timeout from the detected
	// storage class (~0.1ms NVMe, ~5ms SSD, ~50ms HDD).
	WriteBatchTimeoutAdaptive bool

	// WriteContiguousThreshold is the maximum gap in bytes between two
	// requests that still coalesce into one physical write.
	WriteContiguousThreshold int

	// WriteQueuePriority orders the write queue as a max-heap over
	// (priority, arrival) instead of FIFO.
	WriteQueuePriority bool

	// WriteBufferSize sizes the per-worker staging buffer used to coalesce
	// contiguous runs.
	WriteBufferSize int

	// MmapEnabled turns on the memory-mapped read cache.
	MmapEnabled bool

	// MmapCacheSizeBytes bounds the byte total of live mappings.
	MmapCacheSizeBytes int64

	// MmapCacheAdaptive scales the cache bound up on fast storage.
	MmapCacheAdaptive bool

	// MmapCacheMaxEntries bounds the number of live mappings.
	MmapCacheMaxEntries int

	// MmapCacheCleanupInterval is the cleaner wake period.
	MmapCacheCleanupInterval time.Duration

	// MmapCacheWarmup lists files to map eagerly at torrent start, in
	// priority order.
	MmapCacheWarmup []string

	// ReadAheadBytes reads past the requested range on uncached reads to
	// warm the OS page cache for sequential access.
	ReadAheadBytes int

	// ReadAheadAdaptive derives ReadAheadBytes from the detected storage
	// class when it is unset.
	ReadAheadAdaptive bool

	// DiskWorkers bounds the worker pool used for file I/O and hashing.
	DiskWorkers int

	// DiskWorkersAdaptive raises DiskWorkers with the host's CPU count.
	DiskWorkersAdaptive bool
}

// ExtensionsConfig toggles the negotiated protocol extensions.
type ExtensionsConfig struct {
	// FastEnabled advertises and honors BEP 6.
	FastEnabled bool

	// PexEnabled enables BEP 11 peer exchange gossip.
	PexEnabled bool

	// PexInterval is the gossip period (BEP 11 recommends about a minute).
	PexInterval time.Duration

	// WebseedEnabled enables BEP 19 HTTP seeds.
	WebseedEnabled bool

	// SSLPeersEnabled accepts inbound BEP 47 upgrade requests.
	SSLPeersEnabled bool

	// SSLOpportunistic falls back to plaintext when the peer rejects or
	// times out the upgrade; when false the session is torn down instead.
	SSLOpportunistic bool
}

// EventBusConfig tunes the in-process event bus.
type EventBusConfig struct {
	// QueueSize bounds the dispatch queue; emits beyond it are dropped and
	// counted.
	QueueSize int

	// ReplaySize bounds the debugging replay buffer.
	ReplaySize int
}

// Config defines behavior and resource limits for the client core.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory new torrents are written under.
	DownloadDir string

	// ClientID is our 20-byte peer id, regenerated per process.
	ClientID [sha1.Size]byte

	// Port is the TCP port this client listens on for incoming peers.
	Port uint16

	// ========== Networking ==========

	// DialTimeout bounds outbound TCP connection establishment.
	DialTimeout time.Duration

	// ReadTimeout bounds a single socket read before the loop re-checks
	// cancellation.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration

	// KeepAliveInterval is how long a connection may sit idle before we
	// send a keep-alive frame.
	KeepAliveInterval time.Duration

	// IdleDisconnectTimeout drops a connection with no traffic at all.
	IdleDisconnectTimeout time.Duration

	// MaxFrameSize rejects any wire frame longer than this as a protocol
	// violation.
	MaxFrameSize int

	// MaxPeersPerTorrent caps concurrent peer sessions per torrent.
	MaxPeersPerTorrent int

	// MaxOutboundConnectRate caps outbound dials per second.
	MaxOutboundConnectRate float64

	// PeerOutboundQueueBacklog is the per-peer outbox depth in messages.
	PeerOutboundQueueBacklog int

	// ========== Requests / Scheduling ==========

	// RequestWindow is the per-peer outstanding block request cap.
	RequestWindow int

	// RequestWindowEndgame raises the cap during endgame.
	RequestWindowEndgame int

	// RequestTimeout marks an in-flight block request lost.
	RequestTimeout time.Duration

	// EndgameThreshold enters endgame once this few pieces remain (or under
	// 5% of the torrent, whichever triggers first).
	EndgameThreshold int

	// UnchokeSlots is the number of regular unchoke slots.
	UnchokeSlots int

	// UnchokeInterval re-ranks peers for regular unchokes.
	UnchokeInterval time.Duration

	// OptimisticUnchokeInterval rotates the optimistic unchoke.
	OptimisticUnchokeInterval time.Duration

	// SlowPeerPenalty deprioritizes a peer after two request timeouts on
	// different pieces within a minute; when false the peer is dropped.
	SlowPeerPenalty bool

	// BadBlocksThreshold drops and blacklists a peer once its contributed
	// blocks were part of this many failed piece verifications.
	BadBlocksThreshold int

	// BlacklistCooldown is how long a dropped peer stays blacklisted.
	BlacklistCooldown time.Duration

	// ========== Tracker ==========

	// NumWant is the number of peers to request from the tracker.
	NumWant uint32

	// MinAnnounceInterval enforces a floor between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// ========== Subsystems ==========

	Disk       DiskConfig
	Extensions ExtensionsConfig
	EventBus   EventBusConfig
}

func defaultConfig() Config {
	clientID := generateClientID()

	return Config{
		DownloadDir:               "downloads",
		ClientID:                  clientID,
		Port:                      6881,
		DialTimeout:               7 * time.Second,
		ReadTimeout:               30 * time.Second,
		WriteTimeout:              30 * time.Second,
		KeepAliveInterval:         2 * time.Minute,
		IdleDisconnectTimeout:     4 * time.Minute,
		MaxFrameSize:              1 << 20,
		MaxPeersPerTorrent:        50,
		MaxOutboundConnectRate:    20,
		PeerOutboundQueueBacklog:  256,
		RequestWindow:             16,
		RequestWindowEndgame:      64,
		RequestTimeout:            60 * time.Second,
		EndgameThreshold:          20,
		UnchokeSlots:              4,
		UnchokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
		SlowPeerPenalty:           true,
		BadBlocksThreshold:        3,
		BlacklistCooldown:         10 * time.Minute,
		NumWant:                   50,
		MinAnnounceInterval:       time.Minute,
		MaxAnnounceBackoff:        45 * time.Minute,
		Disk: DiskConfig{
			Preallocate:               PreallocateNative,
			WriteQueueSize:            512,
			WriteBatchRequests:        16,
			WriteBatchBytes:           1 << 20,
			WriteBatchTimeout:         5 * time.Millisecond,
			WriteBatchTimeoutAdaptive: true,
			WriteContiguousThreshold:  0,
			WriteQueuePriority:        false,
			WriteBufferSize:           256 << 10,
			MmapEnabled:               true,
			MmapCacheSizeBytes:        256 << 20,
			MmapCacheMaxEntries:       64,
			MmapCacheCleanupInterval:  5 * time.Second,
			ReadAheadBytes:            0,
			DiskWorkers:               2,
		},
		Extensions: ExtensionsConfig{
			FastEnabled:      true,
			PexEnabled:       true,
			PexInterval:      time.Minute,
			WebseedEnabled:   true,
			SSLPeersEnabled:  false,
			SSLOpportunistic: true,
		},
		EventBus: EventBusConfig{
			QueueSize:  10000,
			ReplaySize: 1000,
		},
	}
}

// generateClientID builds an Azureus-style peer id: -BW0100- plus random
// bytes.
func generateClientID() [sha1.Size]byte {
	var id [sha1.Size]byte

	prefix := "-BW0100-"
	copy(id[:], prefix)
	_, _ = rand.Read(id[len(prefix):])

	return id
}
