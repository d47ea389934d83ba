// Package tracker implements the HTTP (BEP 3, compact per BEP 23) and UDP
// (BEP 15) announce clients. The tracker is a collaborator of the core: the
// session manager consumes the returned peer lists and respects the
// announced interval.
package tracker

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/avinier/burrow/internal/config"
)

// AnnounceEvent is the tracker 'event' parameter.
type AnnounceEvent uint32

const (
	EventNone AnnounceEvent = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e AnnounceEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return "none"
	}
}

// AnnounceParams is one announce's request state.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      AnnounceEvent
	Key        uint32
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the tracker's parsed reply.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Protocol is one announce transport (HTTP or UDP).
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats counts announce outcomes.
type Stats struct {
	Announces  atomic.Uint64
	Successes  atomic.Uint64
	Failures   atomic.Uint64
	PeersSeen  atomic.Uint64
}

// Client walks the announce-list tiers in order, trying each tracker within a
// tier until one answers, and retries failed announce rounds with exponential
// backoff. The tracker that answered is not remembered: every announce starts
// again from the first tracker of the first tier.
type Client struct {
	log   *slog.Logger
	tiers [][]Protocol
	stats Stats
}

// New builds a client from announce plus the optional announce-list.
// Unsupported URL schemes are skipped.
func New(announce string, announceList [][]string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker")

	tiersIn := announceList
	if len(tiersIn) == 0 && announce != "" {
		tiersIn = [][]string{{announce}}
	}

	var tiers [][]Protocol
	for _, tier := range tiersIn {
		var protos []Protocol
		for _, raw := range tier {
			u, err := url.Parse(raw)
			if err != nil {
				log.Warn("skipping unparsable tracker url", "url", raw)
				continue
			}
			switch u.Scheme {
			case "http", "https":
				protos = append(protos, newHTTPTracker(u, log))
			case "udp":
				protos = append(protos, newUDPTracker(u, log))
			default:
				log.Warn("skipping unsupported tracker scheme", "url", raw)
			}
		}
		if len(protos) > 0 {
			tiers = append(tiers, protos)
		}
	}

	return &Client{log: log, tiers: tiers}
}

// Stats exposes the counters.
func (c *Client) Stats() *Stats { return &c.stats }

// Announce tries each tier in order and each tracker within a tier until one
// answers.
func (c *Client) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for _, tier := range c.tiers {
		for _, proto := range tier {
			c.stats.Announces.Add(1)

			resp, err := proto.Announce(ctx, params)
			if err != nil {
				c.stats.Failures.Add(1)
				lastErr = err
				c.log.Debug("announce failed", "error", err.Error())
				continue
			}

			c.stats.Successes.Add(1)
			c.stats.PeersSeen.Add(uint64(len(resp.Peers)))
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = context.Canceled
	}
	return nil, lastErr
}

// Run announces on the tracker's interval until ctx is cancelled, invoking
// onPeers with every fresh peer list. Failed announces back off
// exponentially up to the configured cap.
func (c *Client) Run(ctx context.Context, nextParams func(AnnounceEvent) *AnnounceParams, onPeers func([]netip.AddrPort)) error {
	cfg := config.Load()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = cfg.MaxAnnounceBackoff
	bo.MaxElapsedTime = 0

	event := EventStarted
	for {
		resp, err := c.Announce(ctx, nextParams(event))

		var wait time.Duration
		if err != nil {
			wait = bo.NextBackOff()
			c.log.Warn("announce round failed", "error", err.Error(), "retryIn", wait.String())
		} else {
			bo.Reset()
			event = EventNone
			onPeers(resp.Peers)

			wait = resp.Interval
			if wait < cfg.MinAnnounceInterval {
				wait = cfg.MinAnnounceInterval
			}
		}

		select {
		case <-ctx.Done():
			// best-effort stopped event, bounded
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = c.Announce(stopCtx, nextParams(EventStopped))
			cancel()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseCompactPeers unpacks BEP 23 compact peer lists: 6 bytes per IPv4
// entry, 18 per IPv6 entry.
func parseCompactPeers(data []byte, ipv6 bool) []netip.AddrPort {
	entry := 6
	if ipv6 {
		entry = 18
	}

	out := make([]netip.AddrPort, 0, len(data)/entry)
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
		if port == 0 {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, port))
	}
	return out
}
