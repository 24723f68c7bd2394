// Package janitor periodically sweeps the speech cache: files older than the
// configured max age are deleted and the size limit is re-applied.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Sweeper is the cache surface the janitor drives.
type Sweeper interface {
	Clear(maxAge time.Duration) int
	Enforce() (int, error)
}

// Option configures the janitor.
type Option func(*Janitor)

// WithInterval sets how often the cache is swept.
func WithInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// Janitor runs sweeps in the background.
type Janitor struct {
	cache    Sweeper
	maxAge   time.Duration
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a janitor deleting files older than maxAge. The default
// interval is a tenth of maxAge, clamped to [1m, 1h].
func New(cache Sweeper, maxAge time.Duration, log *logger.Logger, opts ...Option) *Janitor {
	interval := maxAge / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	j := &Janitor{
		cache:    cache,
		maxAge:   maxAge,
		interval: interval,
		log:      log,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins the sweep loop. Non-blocking. A janitor without a positive
// max age does nothing, since Clear(0) would empty the cache.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxAge <= 0 {
		j.log.Debug("cache janitor disabled (no max age)")
		return
	}
	if j.running {
		j.log.Warn("cache janitor already running")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	go j.loop(childCtx, j.done)
	j.log.Info("cache janitor started (max age=%s, every %s)", j.maxAge, j.interval)
}

// Stop ends the loop and waits for an in-progress sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.cancel()
	j.running = false
	done := j.done
	j.mu.Unlock()

	<-done
	j.log.Info("cache janitor stopped")
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one clean-up pass and returns the number of files removed.
func (j *Janitor) Sweep() int {
	removed := 0
	if j.maxAge > 0 {
		removed += j.cache.Clear(j.maxAge)
	}
	n, err := j.cache.Enforce()
	if err != nil {
		j.log.Error("janitor: enforcing cache size: %v", err)
	}
	removed += n
	if removed > 0 {
		j.log.Debug("janitor: removed %d files", removed)
	}
	return removed
}
