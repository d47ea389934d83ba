package disk

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/avinier/burrow/internal/config"
)

// mmapEntry is one live read-only mapping. The cache owns both the mapping
// and the backing file handle; readers only ever borrow a copied view.
type mmapEntry struct {
	path       string
	m          mmap.MMap
	f          *os.File
	lastAccess time.Time
	size       int64
}

// mmapCache is the size- and entry-bounded directory of live mappings.
//
// Eviction is size-aware LRU: score = bytes * seconds-since-access, highest
// scores evicted first until both bounds hold again.
type mmapCache struct {
	log *slog.Logger

	mut        sync.Mutex
	entries    map[string]*mmapEntry
	totalBytes int64

	maxBytes   int64
	maxEntries int
	interval   time.Duration
	enabled    bool
}

func newMmapCache(cfg config.DiskConfig, log *slog.Logger) *mmapCache {
	interval := cfg.MmapCacheCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &mmapCache{
		log:        log.With("component", "mmap-cache"),
		entries:    make(map[string]*mmapEntry),
		maxBytes:   cfg.MmapCacheSizeBytes,
		maxEntries: cfg.MmapCacheMaxEntries,
		interval:   interval,
		enabled:    cfg.MmapEnabled,
	}
}

// read returns a copy of [offset, offset+length) from path's mapping,
// creating the mapping on first touch. ok is false when the file cannot be
// mapped (missing, empty, or mmap failure); the caller falls back to a plain
// read.
func (c *mmapCache) read(path string, offset int64, length int) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	entry := c.entries[path]
	if entry == nil {
		var err error
		entry, err = c.install(path)
		if err != nil {
			return nil, false
		}
	}

	entry.lastAccess = time.Now()

	if offset < 0 || offset >= entry.size {
		return nil, true
	}
	end := min(offset+int64(length), entry.size)

	out := make([]byte, end-offset)
	copy(out, entry.m[offset:end])
	return out, true
}

// install maps path and records the entry. Empty files are not mapped.
func (c *mmapCache) install(path string) (*mmapEntry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, os.ErrInvalid
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	entry := &mmapEntry{
		path:       path,
		m:          m,
		f:          f,
		lastAccess: time.Now(),
		size:       fi.Size(),
	}
	c.entries[path] = entry
	c.totalBytes += entry.size

	c.log.Debug("mapped", "path", path, "size", entry.size)
	return entry, nil
}

// warmup maps paths best-effort, in the given priority order, stopping once
// the cache is over its bounds (the last mapping installed may push it over).
func (c *mmapCache) warmup(paths []string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	for _, path := range paths {
		if c.overLimit() {
			return
		}
		if _, exists := c.entries[path]; exists {
			continue
		}
		if _, err := c.install(path); err != nil {
			c.log.Debug("warmup skip", "path", path, "error", err.Error())
		}
	}
}

func (c *mmapCache) occupancy() (int, int64) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.entries), c.totalBytes
}

func (c *mmapCache) overLimit() bool {
	if c.maxBytes > 0 && c.totalBytes > c.maxBytes {
		return true
	}
	return c.maxEntries > 0 && len(c.entries) > c.maxEntries
}

// cleanerLoop evicts mappings whenever the cache exceeds its bounds.
func (c *mmapCache) cleanerLoop(ctx context.Context) {
	if !c.enabled {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictOverLimit()
		}
	}
}

// evictOverLimit removes entries with the highest bytes*idle score until the
// cache is back under both limits.
func (c *mmapCache) evictOverLimit() {
	c.mut.Lock()
	defer c.mut.Unlock()

	now := time.Now()
	for c.overLimit() {
		var victim *mmapEntry
		var worst float64

		for _, entry := range c.entries {
			score := float64(entry.size) * now.Sub(entry.lastAccess).Seconds()
			if victim == nil || score > worst {
				victim, worst = entry, score
			}
		}
		if victim == nil {
			return
		}

		c.drop(victim)
		c.log.Debug("evicted", "path", victim.path, "size", victim.size)
	}
}

// drop unmaps and forgets entry. Close errors (common on Windows while a
// handle lingers) still remove the entry from the table.
func (c *mmapCache) drop(entry *mmapEntry) {
	if err := entry.m.Unmap(); err != nil {
		c.log.Warn("unmap failed", "path", entry.path, "error", err.Error())
	}
	if err := entry.f.Close(); err != nil {
		c.log.Warn("close failed", "path", entry.path, "error", err.Error())
	}

	delete(c.entries, entry.path)
	c.totalBytes -= entry.size
}

// closeAll unmaps everything, tolerating close errors.
func (c *mmapCache) closeAll() {
	c.mut.Lock()
	defer c.mut.Unlock()

	for _, entry := range c.entries {
		c.drop(entry)
	}
}

// readEphemeralMmap maps path read-only for the duration of one read. A file
// of size 0 returns empty bytes without creating a mapping.
func readEphemeralMmap(path string, offset int64, length int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err // os.ErrNotExist propagates unchanged
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return readBlockSync(path, offset, length)
	}
	defer func() { _ = m.Unmap() }()

	if offset < 0 || offset >= fi.Size() {
		return nil, nil
	}
	end := min(offset+int64(length), fi.Size())

	out := make([]byte, end-offset)
	copy(out, m[offset:end])
	return out, nil
}
