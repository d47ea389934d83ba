package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/avinier/burrow/pkg/bencode"
)

const maxTrackerResponseSize = 2 << 20

type httpTracker struct {
	baseURL   *url.URL
	client    *http.Client
	mut       sync.RWMutex
	trackerID string
	log       *slog.Logger
}

func newHTTPTracker(u *url.URL, log *slog.Logger) *httpTracker {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &httpTracker{
		baseURL: u,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:     log.With("transport", "http", "tracker", u.Host),
	}
}

func (ht *httpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		ht.mut.Lock()
		ht.trackerID = r.TrackerID
		ht.mut.Unlock()
	}

	return r, nil
}

func (ht *httpTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mut.RLock()
	if ht.trackerID != "" {
		q.Set("trackerid", ht.trackerID)
	}
	ht.mut.RUnlock()

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict, got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	out := &AnnounceResponse{}

	if interval, ok := dict["interval"].(int64); ok {
		out.Interval = time.Duration(interval) * time.Second
	}
	if minInterval, ok := dict["min interval"].(int64); ok {
		out.MinInterval = time.Duration(minInterval) * time.Second
	}
	if id, ok := dict["tracker id"].(string); ok {
		out.TrackerID = id
	}
	if n, ok := dict["complete"].(int64); ok {
		out.Seeders = n
	}
	if n, ok := dict["incomplete"].(int64); ok {
		out.Leechers = n
	}

	switch peers := dict["peers"].(type) {
	case string:
		out.Peers = parseCompactPeers([]byte(peers), false)
	case []any:
		out.Peers = parseDictPeers(peers)
	}
	if peers6, ok := dict["peers6"].(string); ok {
		out.Peers = append(out.Peers, parseCompactPeers([]byte(peers6), true)...)
	}

	return out, nil
}

// parseDictPeers handles the legacy non-compact peer list form.
func parseDictPeers(list []any) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ipStr, _ := dict["ip"].(string)
		port, _ := dict["port"].(int64)

		addr, err := netip.ParseAddr(ipStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}
	return out
}
