package tracker

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avinier/burrow/pkg/bencode"
)

func compact(addrs ...string) string {
	var out []byte
	for _, a := range addrs {
		ap := netip.MustParseAddrPort(a)
		ip := ap.Addr().As4()
		out = append(out, ip[:]...)
		out = append(out, byte(ap.Port()>>8), byte(ap.Port()))
	}
	return string(out)
}

func TestHTTPAnnounce_CompactPeers(t *testing.T) {
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"compact": q.Get("compact"),
			"event":   q.Get("event"),
			"port":    q.Get("port"),
			"left":    q.Get("left"),
		}

		body, _ := bencode.Marshal(map[string]any{
			"interval":   int64(1800),
			"complete":   int64(5),
			"incomplete": int64(12),
			"peers":      compact("10.1.2.3:6881", "10.4.5.6:51413"),
		})
		_, _ = rw.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/announce", nil, nil)

	params := &AnnounceParams{
		InfoHash: sha1.Sum([]byte("x")),
		Event:    EventStarted,
		Port:     6881,
		Left:     1000,
		NumWant:  50,
	}
	resp, err := c.Announce(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "1", gotQuery["compact"])
	assert.Equal(t, "started", gotQuery["event"])
	assert.Equal(t, "6881", gotQuery["port"])
	assert.Equal(t, "1000", gotQuery["left"])

	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int64(5), resp.Seeders)
	assert.Equal(t, int64(12), resp.Leechers)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "10.1.2.3:6881", resp.Peers[0].String())
	assert.Equal(t, "10.4.5.6:51413", resp.Peers[1].String())

	assert.Equal(t, uint64(1), c.Stats().Successes.Load())
	assert.Equal(t, uint64(2), c.Stats().PeersSeen.Load())
}

func TestHTTPAnnounce_FailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "torrent not registered"})
		_, _ = rw.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, nil)
	_, err := c.Announce(context.Background(), &AnnounceParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not registered")
}

func TestHTTPAnnounce_LegacyDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(60),
			"peers": []any{
				map[string]any{"ip": "192.0.2.1", "port": int64(6881)},
				map[string]any{"ip": "bogus", "port": int64(1)},
			},
		})
		_, _ = rw.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, nil)
	resp, err := c.Announce(context.Background(), &AnnounceParams{})
	require.NoError(t, err)

	require.Len(t, resp.Peers, 1, "unparsable entries are skipped")
	assert.Equal(t, "192.0.2.1:6881", resp.Peers[0].String())
}

func TestAnnounce_TierFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": int64(120),
			"peers":    compact("198.51.100.9:6881"),
		})
		_, _ = rw.Write(body)
	}))
	defer good.Close()

	c := New("", [][]string{{bad.URL}, {good.URL}}, nil)

	resp, err := c.Announce(context.Background(), &AnnounceParams{})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)

	assert.Equal(t, uint64(1), c.Stats().Failures.Load())
	assert.Equal(t, uint64(1), c.Stats().Successes.Load())
}

func TestParseCompactPeers_IPv6AndZeroPort(t *testing.T) {
	v6 := netip.MustParseAddrPort("[2001:db8::5]:6881")
	ip := v6.Addr().As16()
	data := append(append([]byte{}, ip[:]...), 0x1A, 0xE1)

	peers := parseCompactPeers(data, true)
	require.Len(t, peers, 1)
	assert.Equal(t, v6, peers[0])

	// zero ports are dropped
	peers = parseCompactPeers([]byte{10, 0, 0, 1, 0, 0}, false)
	assert.Empty(t, peers)
}

func TestNew_SkipsUnsupportedSchemes(t *testing.T) {
	c := New("wss://tracker.example/announce", nil, nil)
	_, err := c.Announce(context.Background(), &AnnounceParams{})
	assert.Error(t, err, "no usable tier")
}
