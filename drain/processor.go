package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumeo/syncbox"
	"github.com/lumeo/syncbox/queue"
	"github.com/lumeo/syncbox/telemetry"
)

const (
	// DefaultConcurrency bounds in-flight handlers during a pass.
	DefaultConcurrency = 4

	// DefaultActionTimeout is the per-action deadline, so one hung
	// handler cannot stall the rest of the pass.
	DefaultActionTimeout = 30 * time.Second
)

// Processor drains the queue. One Run is one drain pass: every pending
// action is attempted at most once.
type Processor struct {
	queue    *queue.Store
	registry *Registry
	online   func() bool

	concurrency   int
	actionTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithConcurrency bounds the number of in-flight handlers.
func WithConcurrency(n int) Option {
	return func(p *Processor) { p.concurrency = n }
}

// WithActionTimeout sets the per-action deadline.
func WithActionTimeout(d time.Duration) Option {
	return func(p *Processor) { p.actionTimeout = d }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor. online gates each pass; a nil online means
// always online.
func New(q *queue.Store, registry *Registry, online func() bool, opts ...Option) *Processor {
	p := &Processor{
		queue:         q,
		registry:      registry,
		online:        online,
		concurrency:   DefaultConcurrency,
		actionTimeout: DefaultActionTimeout,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.online == nil {
		p.online = func() bool { return true }
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	return p
}

// Result summarizes one drain pass.
type Result struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Retried     int           `json:"retried"`
	Dropped     int           `json:"dropped"`
	UnknownType int           `json:"unknown_type"`
	Skipped     bool          `json:"skipped"`
	Duration    time.Duration `json:"-"`
}

// outcome is the per-action execution verdict collected during a pass.
type outcome struct {
	action  syncbox.Action
	err     error
	unknown bool
}

// Run performs one drain pass.
//
// The pass operates on a snapshot ordered by priority descending then
// enqueue time ascending; enqueues racing the pass are picked up by the
// next trigger. Actions execute with bounded concurrency and a
// per-action deadline. Handler failures are counted against the retry
// budget; an action whose retry count reaches its cap is dropped. All
// removals happen in one batch at the end of the pass.
func (p *Processor) Run(ctx context.Context) (*Result, error) {
	start := p.now()
	result := &Result{}

	if !p.online() {
		result.Skipped = true
		p.logger.Debug("skipping drain pass, offline")
		return result, nil
	}

	actions, err := p.queue.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting queue: %w", err)
	}
	if len(actions) == 0 {
		result.Skipped = true
		return result, nil
	}

	p.logger.Debug("starting drain pass", "pending", len(actions))

	var mu sync.Mutex
	outcomes := make([]outcome, 0, len(actions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, action := range actions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := p.execute(gctx, action)
			mu.Lock()
			outcomes = append(outcomes, outcome{
				action:  action,
				err:     err,
				unknown: errors.Is(err, ErrUnknownType),
			})
			mu.Unlock()
			// Failures are retried, never abort the pass.
			return nil
		})
	}
	_ = g.Wait()

	var removals []string
	retryCounts := make(map[string]int)
	for _, o := range outcomes {
		result.Attempted++

		if o.err == nil {
			result.Succeeded++
			removals = append(removals, o.action.ID)
			telemetry.RecordAction(ctx, o.action.Type, "success")
			continue
		}

		if o.unknown {
			result.UnknownType++
		}

		retryCount := o.action.RetryCount + 1
		if retryCount >= o.action.MaxRetries {
			// Exhausted: dropped permanently. The original caller
			// already returned optimistically, so the failure is
			// logged rather than surfaced.
			result.Dropped++
			removals = append(removals, o.action.ID)
			telemetry.RecordAction(ctx, o.action.Type, "dropped")
			p.logger.Warn("dropping action after retry budget exhausted",
				"id", o.action.ID,
				"type", o.action.Type,
				"retries", retryCount,
				"error", o.err,
			)
			continue
		}

		result.Retried++
		telemetry.RecordAction(ctx, o.action.Type, "retried")
		retryCounts[o.action.ID] = retryCount
		p.logger.Debug("action failed, will retry on next pass",
			"id", o.action.ID,
			"type", o.action.Type,
			"retry_count", retryCount,
			"max_retries", o.action.MaxRetries,
			"error", o.err,
		)
	}

	if err := p.queue.UpdateRetryBatch(ctx, retryCounts); err != nil {
		p.logger.Warn("persisting retry counts failed", "error", err)
	}
	if err := p.queue.RemoveBatch(ctx, removals); err != nil {
		return result, fmt.Errorf("removing processed actions: %w", err)
	}

	result.Duration = p.now().Sub(start)
	telemetry.RecordDrainPass(ctx, result.Succeeded, result.Retried, result.Dropped, result.Duration)

	p.logger.Info("drain pass complete",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"retried", result.Retried,
		"dropped", result.Dropped,
		"duration", result.Duration,
	)
	return result, nil
}

// execute runs one action under the per-action deadline, recovering
// handler panics so a single action cannot kill the pass.
func (p *Processor) execute(ctx context.Context, action syncbox.Action) (err error) {
	handler, ok := p.registry.Lookup(action.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, action.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, p.actionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", action.Type, r)
		}
	}()

	return handler(ctx, action)
}
