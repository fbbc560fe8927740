package drain

import (
	"context"
	"log/slog"
	"sync"
)

// Trigger coalesces drain requests so at most one pass runs at a time.
// A request arriving while a pass is in flight marks it pending and the
// pass is re-run once, regardless of how many requests piled up.
type Trigger struct {
	processor *Processor
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	pending bool
}

// NewTrigger creates a trigger for the processor.
func NewTrigger(p *Processor, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{processor: p, logger: logger}
}

// Kick requests a drain pass asynchronously. Safe to call from network
// transition hooks and enqueue paths concurrently.
func (t *Trigger) Kick(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.loop(ctx)
}

func (t *Trigger) loop(ctx context.Context) {
	for {
		if _, err := t.processor.Run(ctx); err != nil {
			t.logger.Warn("drain pass failed", "error", err)
		}

		t.mu.Lock()
		if !t.pending || ctx.Err() != nil {
			t.running = false
			t.mu.Unlock()
			return
		}
		t.pending = false
		t.mu.Unlock()
	}
}
