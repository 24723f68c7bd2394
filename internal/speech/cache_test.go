package speech

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), maxBytes, logger.Nop())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func writeBytes(data []byte) func(context.Context, string) error {
	return func(_ context.Context, path string) error {
		return os.WriteFile(path, data, 0o644)
	}
}

func TestKeyNormalizesWhitespace(t *testing.T) {
	a := Key("  build ok \n", "en", "en_US-lessac-medium", 0, 1.0)
	b := Key("build ok", "en", "en_US-lessac-medium", 0, 1.0)
	if a != b {
		t.Fatalf("keys differ for trimmed text: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}

	variants := []string{
		Key("build ok", "zh", "en_US-lessac-medium", 0, 1.0),
		Key("build ok", "en", "en_GB-alan-low", 0, 1.0),
		Key("build ok", "en", "en_US-lessac-medium", 1, 1.0),
		Key("build ok", "en", "en_US-lessac-medium", 0, 1.2),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collides with base key", i)
		}
	}
}

func TestGetOrCreateHitSkipsCreate(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := Key("hello", "en", "v", 0, 1)

	var calls atomic.Int32
	create := func(ctx context.Context, path string) error {
		calls.Add(1)
		return writeBytes([]byte("RIFF0000WAVEdata"))(ctx, path)
	}

	p1, hit, err := c.GetOrCreate(ctx, key, create)
	if err != nil || hit {
		t.Fatalf("first call: path=%s hit=%v err=%v", p1, hit, err)
	}
	first, _ := os.ReadFile(p1)

	p2, hit, err := c.GetOrCreate(ctx, key, create)
	if err != nil || !hit {
		t.Fatalf("second call: hit=%v err=%v", hit, err)
	}
	second, _ := os.ReadFile(p2)

	if p1 != p2 {
		t.Fatalf("paths differ: %s vs %s", p1, p2)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("cached bytes changed between calls")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("create called %d times, want 1", n)
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Fatalf("stats = %d hits, %d misses", hits, misses)
	}
}

func TestGetOrCreateCollapsesConcurrentMisses(t *testing.T) {
	c := newTestCache(t, 0)
	key := Key("concurrent", "en", "v", 0, 1)

	var calls atomic.Int32
	release := make(chan struct{})
	create := func(_ context.Context, path string) error {
		calls.Add(1)
		<-release
		return os.WriteFile(path, []byte("audio"), 0o644)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCreate(context.Background(), key, create)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("create called %d times, want 1", n)
	}
}

func TestGetOrCreateFailureLeavesNothing(t *testing.T) {
	tests := []struct {
		name   string
		create func(context.Context, string) error
	}{
		{"empty output", writeBytes(nil)},
		{"engine error", func(context.Context, string) error { return errors.New("boom") }},
		{"removed output", func(_ context.Context, path string) error { return os.Remove(path) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t, 0)
			key := Key(tt.name, "en", "v", 0, 1)

			_, _, err := c.GetOrCreate(context.Background(), key, tt.create)
			if !errors.Is(err, domain.ErrSynthesisFailed) {
				t.Fatalf("expected ErrSynthesisFailed, got %v", err)
			}
			if _, ok := c.Lookup(key); ok {
				t.Fatal("failed create left a cache entry")
			}
			des, _ := os.ReadDir(c.Dir())
			if len(des) != 0 {
				t.Fatalf("expected empty cache dir, found %d files", len(des))
			}
		})
	}
}

func TestEnforceEvictsOldestFirst(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	blob := bytes.Repeat([]byte{1}, 500_000)
	now := time.Now()

	names := []string{"a", "b", "c"}
	for i, n := range names {
		p := filepath.Join(c.Dir(), n+AudioExt)
		if err := os.WriteFile(p, blob, 0o644); err != nil {
			t.Fatal(err)
		}
		age := time.Duration(30-10*i) * time.Second
		if err := os.Chtimes(p, now.Add(-age), now.Add(-age)); err != nil {
			t.Fatal(err)
		}
	}

	path, _, err := c.GetOrCreate(context.Background(), "d", writeBytes(blob))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for _, gone := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(c.Dir(), gone+AudioExt)); !os.IsNotExist(err) {
			t.Errorf("%s should have been evicted", gone)
		}
	}
	for _, kept := range []string{filepath.Join(c.Dir(), "c"+AudioExt), path} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("%s should remain: %v", kept, err)
		}
	}

	size, err := c.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size > 1024*1024 {
		t.Fatalf("cache size %d exceeds limit", size)
	}
}

func TestEnforceKeepsNewestEvenWhenOversized(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewCache(t.TempDir(), 100, logger.New(logger.LevelNormal, &buf))
	if err != nil {
		t.Fatal(err)
	}
	path, _, err := c.GetOrCreate(context.Background(), "big", writeBytes(bytes.Repeat([]byte{1}, 500)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("just-written entry was evicted: %v", err)
	}
	if !strings.Contains(buf.String(), "exceeds the 100 byte limit") {
		t.Fatalf("no oversize warning logged:\n%s", buf.String())
	}
}

func TestStoredFilesAreWorldReadable(t *testing.T) {
	c := newTestCache(t, 0)
	path, _, err := c.GetOrCreate(context.Background(), Key("perm", "en", "v", 0, 1), writeBytes([]byte("RIFF")))
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Fatalf("mode = %o, want 644", perm)
	}
}

func TestEnforceUnlimitedAndForeignFiles(t *testing.T) {
	c := newTestCache(t, 0)
	blob := bytes.Repeat([]byte{1}, 4096)
	for _, n := range []string{"x.wav", "y.wav", "notes.txt"} {
		os.WriteFile(filepath.Join(c.Dir(), n), blob, 0o644)
	}
	if removed, err := c.Enforce(); err != nil || removed != 0 {
		t.Fatalf("unlimited cache evicted %d files (err %v)", removed, err)
	}

	limited, _ := NewCache(c.Dir(), 1, logger.Nop())
	removed, err := limited.Enforce()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed %d files, want 2", removed)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), "notes.txt")); err != nil {
		t.Fatal("unmanaged file was removed")
	}
}

func TestClear(t *testing.T) {
	now := time.Now()
	setup := func(t *testing.T) *Cache {
		t.Helper()
		dir := t.TempDir()
		c, err := NewCache(dir, 0, logger.Nop(), WithClock(func() time.Time { return now }))
		if err != nil {
			t.Fatal(err)
		}
		for name, age := range map[string]time.Duration{"old.wav": 2 * time.Hour, "new.wav": time.Minute} {
			p := filepath.Join(dir, name)
			os.WriteFile(p, []byte("audio"), 0o644)
			os.Chtimes(p, now.Add(-age), now.Add(-age))
		}
		os.WriteFile(filepath.Join(dir, "keep.json"), []byte("{}"), 0o644)
		return c
	}

	t.Run("all", func(t *testing.T) {
		c := setup(t)
		if n := c.Clear(0); n != 2 {
			t.Fatalf("Clear(0) = %d, want 2", n)
		}
		if _, err := os.Stat(filepath.Join(c.Dir(), "keep.json")); err != nil {
			t.Fatal("non-audio file removed")
		}
	})

	t.Run("by age", func(t *testing.T) {
		c := setup(t)
		if n := c.Clear(time.Hour); n != 1 {
			t.Fatalf("Clear(1h) = %d, want 1", n)
		}
		if _, ok := c.Lookup("new"); !ok {
			t.Fatal("recent file removed")
		}
		if _, ok := c.Lookup("old"); ok {
			t.Fatal("old file kept")
		}
	})
}
