package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// CacheOption configures the Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for age-based clearing.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a content-addressed store of synthesized audio files. Entries
// are `<key>.wav` files in a single directory, which is also the directory
// the static server exposes to the speaker.
//
// Writes go to a hidden temp file first and are renamed into place only
// after they verify non-empty, so a reader never sees a partial file.
// When maxBytes > 0, every write is followed by an eviction pass that
// removes the oldest files (by modification time) until the total size of
// managed files fits the limit.
type Cache struct {
	dir      string
	maxBytes int64 // 0 = unlimited
	log      *logger.Logger
	now      func() time.Time

	group singleflight.Group
	mu    sync.Mutex // serializes eviction and clearing

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, maxBytes int64, log *logger.Logger, opts ...CacheOption) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Key derives the cache key from the semantic inputs of a synthesis.
func Key(text, lang, voice string, speaker int, lengthScale float64) string {
	parts := []string{
		strings.TrimSpace(text),
		lang,
		voice,
		strconv.Itoa(speaker),
		strconv.FormatFloat(lengthScale, 'g', -1, 64),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "_")))
	return hex.EncodeToString(h[:])
}

// Path returns where the entry for key lives, whether or not it exists.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, key+AudioExt)
}

// Lookup returns the entry path and true when a non-empty file exists.
func (c *Cache) Lookup(key string) (string, bool) {
	path := c.Path(key)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return path, false
	}
	return path, true
}

// GetOrCreate returns the path for key, calling create to fill it on a miss.
// create receives a temp path to write to. Concurrent misses for the same
// key share a single create call. hit reports whether the file was already
// present.
func (c *Cache) GetOrCreate(ctx context.Context, key string, create func(ctx context.Context, path string) error) (path string, hit bool, err error) {
	if p, ok := c.Lookup(key); ok {
		c.recordHit(key)
		return p, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if _, ok := c.Lookup(key); ok {
			return true, nil
		}
		return false, c.fill(ctx, key, create)
	})
	if err != nil {
		return "", false, err
	}
	if wasHit := v.(bool); wasHit {
		c.recordHit(key)
		return c.Path(key), true, nil
	}
	return c.Path(key), false, nil
}

func (c *Cache) recordHit(key string) {
	c.hits.Add(1)
	cacheLookups.WithLabelValues("hit").Inc()
	c.log.Debug("cache hit: %s", short(key))
}

func (c *Cache) fill(ctx context.Context, key string, create func(ctx context.Context, path string) error) error {
	c.misses.Add(1)
	cacheLookups.WithLabelValues("miss").Inc()

	tmp, err := os.CreateTemp(c.dir, "."+short(key)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", domain.ErrSynthesisFailed, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := create(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, domain.ErrSynthesisFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrSynthesisFailed, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: generated file is empty or missing", domain.ErrSynthesisFailed)
	}

	// CreateTemp makes the file owner-only; the audio server may run as
	// another user.
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", domain.ErrSynthesisFailed, err)
	}

	final := c.Path(key)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: storing %s: %w", domain.ErrSynthesisFailed, final, err)
	}
	c.log.Debug("cache store: %s (%d bytes)", short(key), info.Size())

	if _, err := c.enforce(final); err != nil {
		c.log.Warn("cache: eviction failed: %v", err)
	}
	return nil
}

type entry struct {
	path    string
	size    int64
	modTime time.Time
}

// entries lists managed files. Temp files and foreign extensions are skipped.
func (c *Cache) entries() ([]entry, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || filepath.Ext(de.Name()) != AudioExt {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed underneath us
		}
		out = append(out, entry{
			path:    filepath.Join(c.dir, de.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

// Size returns the total size of managed files in bytes.
func (c *Cache) Size() (int64, error) {
	es, err := c.entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range es {
		total += e.size
	}
	cacheBytes.Set(float64(total))
	return total, nil
}

// Enforce applies the size limit now and returns how many files it removed.
func (c *Cache) Enforce() (int, error) {
	return c.enforce("")
}

// enforce never removes keep, the entry that was just written.
func (c *Cache) enforce(keep string) (int, error) {
	if c.maxBytes <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	es, err := c.entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range es {
		total += e.size
	}
	if total <= c.maxBytes {
		cacheBytes.Set(float64(total))
		return 0, nil
	}

	sort.Slice(es, func(i, j int) bool { return es[i].modTime.Before(es[j].modTime) })

	removed := 0
	for _, e := range es {
		if total <= c.maxBytes {
			break
		}
		if e.path == keep {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			c.log.Error("cache: failed to evict %s: %v", e.path, err)
			continue
		}
		total -= e.size
		removed++
		c.log.Info("cache: evicted %s (%d bytes)", filepath.Base(e.path), e.size)
	}
	if total > c.maxBytes {
		c.log.Warn("cache: %s alone exceeds the %d byte limit (total %d bytes)", filepath.Base(keep), c.maxBytes, total)
	}
	c.evictions.Add(int64(removed))
	cacheEvictions.Add(float64(removed))
	cacheBytes.Set(float64(total))
	return removed, nil
}

// Clear deletes managed files. With maxAge <= 0 every file goes; otherwise
// only files last modified more than maxAge ago. Files that cannot be
// removed are logged and skipped. Returns the number deleted.
func (c *Cache) Clear(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	es, err := c.entries()
	if err != nil {
		c.log.Error("cache: listing %s: %v", c.dir, err)
		return 0
	}

	now := c.now()
	deleted := 0
	for _, e := range es {
		if maxAge > 0 && now.Sub(e.modTime) <= maxAge {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			c.log.Error("cache: failed to delete %s: %v", e.path, err)
			continue
		}
		deleted++
		c.log.Debug("cache: deleted %s", e.path)
	}
	c.log.Info("cache: cleared %d cached audio files", deleted)
	return deleted
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
