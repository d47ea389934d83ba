package disk

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avinier/burrow/internal/config"
)

func testConfig() config.DiskConfig {
	return config.DiskConfig{
		Preallocate:              config.PreallocateSparse,
		WriteQueueSize:           64,
		WriteBatchRequests:       8,
		WriteBatchBytes:          1 << 20,
		WriteBatchTimeout:        50 * time.Millisecond,
		WriteContiguousThreshold: 0,
		WriteBufferSize:          256 << 10,
		MmapEnabled:              true,
		MmapCacheSizeBytes:       1 << 20,
		MmapCacheMaxEntries:      16,
		MmapCacheCleanupInterval: 10 * time.Millisecond,
		DiskWorkers:              2,
	}
}

func startManager(t *testing.T, cfg config.DiskConfig) *Manager {
	t.Helper()

	m := NewManager(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	t.Cleanup(func() {
		_ = m.Close(2 * time.Second)
		cancel()
		<-done
	})
	return m
}

func TestWriteBlock_CoalescesContiguousRun(t *testing.T) {
	cfg := testConfig()
	m := startManager(t, cfg)
	path := filepath.Join(t.TempDir(), "data.bin")

	// 8 contiguous 16 KiB writes fill one batch and must land as a single
	// physical write of 128 KiB
	const blockLen = 16 << 10
	want := make([]byte, 8*blockLen)
	handles := make([]*WriteHandle, 0, 8)
	for i := 0; i < 8; i++ {
		block := bytes.Repeat([]byte{byte('a' + i)}, blockLen)
		copy(want[i*blockLen:], block)

		h, err := m.WriteBlock(path, int64(i*blockLen), block, PriorityNormal)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.Equal(t, uint64(1), m.Stats().Writes.Load(), "one physical write per run")
	assert.Equal(t, uint64(8*blockLen), m.Stats().BytesWritten.Load())
	assert.Equal(t, uint64(8), m.Stats().Completed.Load())
}

func TestWriteBlock_NonContiguousRunsIssueSeparately(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBatchRequests = 2
	m := startManager(t, cfg)
	path := filepath.Join(t.TempDir(), "gap.bin")

	h1, err := m.WriteBlock(path, 0, []byte("aaaa"), PriorityNormal)
	require.NoError(t, err)
	h2, err := m.WriteBlock(path, 100, []byte("bbbb"), PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h1.Wait(ctx))
	require.NoError(t, h2.Wait(ctx))

	assert.Equal(t, uint64(2), m.Stats().Writes.Load())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), got[:4])
	assert.Equal(t, []byte("bbbb"), got[100:104])
}

func TestWriteBlock_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.WriteQueueSize = 2
	m := NewManager(cfg, nil) // never started: queue cannot drain

	_, err := m.WriteBlock("x", 0, []byte("a"), PriorityNormal)
	require.NoError(t, err)
	_, err = m.WriteBlock("x", 1, []byte("b"), PriorityNormal)
	require.NoError(t, err)

	_, err = m.WriteBlock("x", 2, []byte("c"), PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), m.Stats().QueueFull.Load())
}

func TestWriteBlock_InvariantEnqueuedEqualsResolved(t *testing.T) {
	cfg := testConfig()
	m := startManager(t, cfg)
	path := filepath.Join(t.TempDir(), "inv.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		h, err := m.WriteBlock(path, int64(i*64), bytes.Repeat([]byte{1}, 64), PriorityNormal)
		require.NoError(t, err)
		require.NoError(t, h.Wait(ctx))
	}

	st := m.Stats()
	assert.Equal(t, st.Enqueued.Load(), st.Completed.Load()+st.Failed.Load())
}

func TestReadBlock_MmapCacheHit(t *testing.T) {
	cfg := testConfig()
	m := startManager(t, cfg)

	path := filepath.Join(t.TempDir(), "read.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xEE}, 4096), 0o644))

	ctx := context.Background()
	got, err := m.ReadBlock(ctx, path, 1024, 512)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xEE}, 512), got)
	assert.Equal(t, uint64(1), m.Stats().CacheHits.Load()+m.Stats().CacheMisses.Load())

	// second read is served by the installed mapping
	_, err = m.ReadBlock(ctx, path, 0, 16)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.Stats().CacheHits.Load(), uint64(1))
}

func TestReadBlock_FileNotFoundPropagates(t *testing.T) {
	cfg := testConfig()
	cfg.MmapEnabled = false
	m := startManager(t, cfg)

	_, err := m.ReadBlock(context.Background(), filepath.Join(t.TempDir(), "nope"), 0, 8)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadBlockMmap_EmptyFile(t *testing.T) {
	cfg := testConfig()
	m := startManager(t, cfg)

	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got, err := m.ReadBlockMmap(path, 0, 128)
	require.NoError(t, err)
	assert.Empty(t, got)

	entries, _ := m.CacheStats()
	assert.Zero(t, entries, "ephemeral reads install no cache entry")
}

func TestReadBlockMmap_Missing(t *testing.T) {
	cfg := testConfig()
	m := startManager(t, cfg)

	_, err := m.ReadBlockMmap(filepath.Join(t.TempDir(), "nope"), 0, 8)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMmapCache_SizeAwareEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MmapCacheSizeBytes = 1 << 20 // 1 MiB limit
	m := startManager(t, cfg)

	dir := t.TempDir()
	ctx := context.Background()

	// three 400 KiB files total 1.2 MiB, exceeding the limit
	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i))+".bin")
		require.NoError(t, os.WriteFile(paths[i], make([]byte, 400<<10), 0o644))
		_, err := m.ReadBlock(ctx, paths[i], 0, 16)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, total := m.CacheStats()
		if total <= 1<<20 && entries < 3 {
			break
		}
		require.True(t, time.Now().Before(deadline), "cleaner did not evict in time")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPreallocate(t *testing.T) {
	strategies := []config.PreallocateStrategy{
		config.PreallocateSparse,
		config.PreallocateFull,
		config.PreallocateNative,
	}

	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			cfg := testConfig()
			cfg.Preallocate = strategy
			m := startManager(t, cfg)

			path := filepath.Join(t.TempDir(), "prealloc.bin")
			require.NoError(t, m.Preallocate(context.Background(), path, 64<<10))

			fi, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(64<<10), fi.Size())
		})
	}
}

func TestPriorityQueueOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.WriteQueuePriority = true
	m := NewManager(cfg, nil) // not started so the queue preserves order

	_, err := m.WriteBlock("f", 0, []byte("low"), PriorityLow)
	require.NoError(t, err)
	_, err = m.WriteBlock("f", 1, []byte("high"), PriorityHigh)
	require.NoError(t, err)
	_, err = m.WriteBlock("f", 2, []byte("normal"), PriorityNormal)
	require.NoError(t, err)

	first := m.popRequest()
	require.NotNil(t, first)
	assert.Equal(t, PriorityHigh, first.priority)

	second := m.popRequest()
	require.NotNil(t, second)
	assert.Equal(t, PriorityNormal, second.priority)
}

func TestClose_FlushesOutstanding(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBatchRequests = 1000 // force flush to happen only at Close
	cfg.WriteBatchTimeout = time.Hour
	cfg.WriteBatchTimeoutAdaptive = false

	m := NewManager(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()

	path := filepath.Join(t.TempDir(), "final.bin")
	h, err := m.WriteBlock(path, 0, []byte("flushed-at-close"), PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, m.Close(2*time.Second))
	<-done

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	require.NoError(t, h.Wait(wctx))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("flushed-at-close"), got)
}
