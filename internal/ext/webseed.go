package ext

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/meta"
)

// WebSeedStats tracks one HTTP seed's health.
type WebSeedStats struct {
	BytesDownloaded int64
	BytesFailed     int64
	Requests        int64
	Failures        int64
	LastAccess      time.Time
}

// SuccessRate is the fraction of requests served without error.
func (s *WebSeedStats) SuccessRate() float64 {
	if s.Requests == 0 {
		return 1.0
	}
	return 1.0 - float64(s.Failures)/float64(s.Requests)
}

type webseedEntry struct {
	url    string
	active bool
	stats  WebSeedStats
}

// WebSeeds is the BEP 19 client for one torrent. The scheduler treats a
// healthy web seed as a virtual peer that is always unchoked, never choking,
// has every piece, and cannot request from us.
type WebSeeds struct {
	log    *slog.Logger
	bus    *event.Bus
	m      *meta.Metainfo
	client *http.Client

	mut   sync.Mutex
	seeds map[string]*webseedEntry
}

// NewWebSeeds builds a client over m's url-list.
func NewWebSeeds(m *meta.Metainfo, bus *event.Bus, log *slog.Logger) *WebSeeds {
	if log == nil {
		log = slog.Default()
	}

	w := &WebSeeds{
		log: log.With("component", "webseed"),
		bus: bus,
		m:   m,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		seeds: make(map[string]*webseedEntry),
	}
	for _, u := range m.URLs {
		w.Add(u)
	}
	return w
}

// Add registers an HTTP seed URL.
func (w *WebSeeds) Add(seedURL string) {
	if _, err := url.Parse(seedURL); err != nil {
		w.log.Warn("ignoring invalid webseed url", "url", seedURL)
		return
	}

	w.mut.Lock()
	w.seeds[seedURL] = &webseedEntry{url: seedURL, active: true}
	w.mut.Unlock()
}

// Remove forgets an HTTP seed.
func (w *WebSeeds) Remove(seedURL string) {
	w.mut.Lock()
	delete(w.seeds, seedURL)
	w.mut.Unlock()
}

// Any reports whether at least one active seed is registered.
func (w *WebSeeds) Any() bool {
	w.mut.Lock()
	defer w.mut.Unlock()

	for _, s := range w.seeds {
		if s.active {
			return true
		}
	}
	return false
}

// Stats returns a snapshot for seedURL.
func (w *WebSeeds) Stats(seedURL string) (WebSeedStats, bool) {
	w.mut.Lock()
	defer w.mut.Unlock()

	s, ok := w.seeds[seedURL]
	if !ok {
		return WebSeedStats{}, false
	}
	return s.stats, true
}

// best picks the active seed with the highest success rate.
func (w *WebSeeds) best() string {
	w.mut.Lock()
	defer w.mut.Unlock()

	bestURL, bestRate := "", -1.0
	for u, s := range w.seeds {
		if !s.active {
			continue
		}
		if rate := s.stats.SuccessRate(); rate > bestRate {
			bestURL, bestRate = u, rate
		}
	}
	return bestURL
}

// FetchPiece downloads one whole piece over HTTP range requests from the
// healthiest seed, spanning file boundaries as needed.
func (w *WebSeeds) FetchPiece(ctx context.Context, piece int) ([]byte, error) {
	seedURL := w.best()
	if seedURL == "" {
		return nil, fmt.Errorf("webseed: no active seed")
	}

	data, err := w.fetchPieceFrom(ctx, seedURL, piece)

	w.mut.Lock()
	if s := w.seeds[seedURL]; s != nil {
		s.stats.Requests++
		s.stats.LastAccess = time.Now()
		if err != nil {
			s.stats.Failures++
			s.stats.BytesFailed += int64(len(data))
			if s.stats.Requests >= 4 && s.stats.SuccessRate() < 0.25 {
				s.active = false
			}
		} else {
			s.stats.BytesDownloaded += int64(len(data))
		}
	}
	w.mut.Unlock()

	if w.bus != nil {
		if err != nil {
			w.bus.Emit(event.New(event.WebseedDownloadFailed, "webseed", event.WebseedPayload{
				URL: seedURL, Piece: piece, Err: err.Error(),
			}))
		} else {
			w.bus.Emit(event.New(event.WebseedDownloadSuccess, "webseed", event.WebseedPayload{
				URL: seedURL, Piece: piece, Bytes: len(data),
			}))
		}
	}

	return data, err
}

func (w *WebSeeds) fetchPieceFrom(ctx context.Context, seedURL string, piece int) ([]byte, error) {
	pieceLen := w.pieceLength(piece)
	absStart := int64(piece) * int64(w.m.Info.PieceLength)

	out := make([]byte, 0, pieceLen)

	for _, part := range w.fileRanges(absStart, absStart+pieceLen) {
		chunk, err := w.fetchRange(ctx, seedURL, part.urlPath, part.offset, part.length)
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}

	return out, nil
}

type fileRange struct {
	urlPath string // path components below the seed URL; empty for single-file
	offset  int64
	length  int64
}

// fileRanges splits a global byte range into per-file HTTP ranges. BEP 19:
// single-file torrents GET the URL itself; multi-file torrents append
// name/<path components>.
func (w *WebSeeds) fileRanges(absStart, absEnd int64) []fileRange {
	if w.m.Info.Length > 0 {
		return []fileRange{{offset: absStart, length: absEnd - absStart}}
	}

	var out []fileRange
	var offset int64
	for _, f := range w.m.Info.Files {
		fileStart, fileEnd := offset, offset+f.Length
		offset = fileEnd

		start := max(absStart, fileStart)
		end := min(absEnd, fileEnd)
		if start >= end {
			continue
		}

		parts := append([]string{w.m.Info.Name}, f.Path...)
		out = append(out, fileRange{
			urlPath: strings.Join(parts, "/"),
			offset:  start - fileStart,
			length:  end - start,
		})
	}
	return out
}

func (w *WebSeeds) fetchRange(ctx context.Context, seedURL, urlPath string, offset, length int64) ([]byte, error) {
	target := seedURL
	if urlPath != "" {
		target = strings.TrimSuffix(seedURL, "/") + "/" + urlPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webseed: unexpected status %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != length {
		return nil, fmt.Errorf("webseed: short range response: got %d want %d", len(body), length)
	}
	return body, nil
}

func (w *WebSeeds) pieceLength(piece int) int64 {
	total := w.m.Size()
	plen := int64(w.m.Info.PieceLength)
	if piece == len(w.m.Info.Pieces)-1 {
		if last := total - int64(len(w.m.Info.Pieces)-1)*plen; last > 0 {
			return last
		}
	}
	return plen
}
