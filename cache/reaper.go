package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reaperBatchSize bounds how many entries one transaction removes so a
// large backlog cannot hold the write lock for a whole sweep.
const reaperBatchSize = 256

// Reaper sweeps expired entries in the background. Lazy purge on read
// keeps Get correct without it; the reaper reclaims space for keys that
// are never read again.
type Reaper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper sweeping on the given interval
// (default 1h).
func NewReaper(c *Cache, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		cache:    c,
		interval: interval,
		logger:   logger,
		now:      c.now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background sweeps. Idempotent.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts background sweeps. Idempotent.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, deleting in batches until no
// expired entries remain. Returns the number of entries removed.
func (r *Reaper) RunOnce(ctx context.Context) int {
	start := r.now()
	var total int

	for {
		if ctx.Err() != nil {
			break
		}
		deleted, err := r.cache.deleteExpired(r.now(), reaperBatchSize)
		if err != nil {
			r.logger.Warn("cache reap batch failed", "error", err)
			break
		}
		total += deleted
		if deleted < reaperBatchSize {
			break
		}
	}

	if total > 0 {
		r.logger.Info("cache reap complete",
			"deleted", total,
			"duration", r.now().Sub(start),
		)
	} else {
		r.logger.Debug("cache reap complete, nothing expired")
	}
	return total
}
