package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// phase is the monitor lifecycle state. Transitions are one-way:
// uninitialized → initializing → ready → disposed. Start and Stop are
// no-ops outside their expected phase, so duplicate platform listeners
// and teardown races cannot occur.
type phase int

const (
	phaseUninitialized phase = iota
	phaseInitializing
	phaseReady
	phaseDisposed
)

// Monitor owns the normalized connectivity state. It seeds state with
// one probe on Start, then polls on an interval; platform-pushed events
// arrive via Observe. Offline→online transitions fire hooks exactly
// once per edge.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	phase      phase
	state      NetworkState
	subs       map[int]func(NetworkState)
	nextSubID  int
	transition []func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithInterval sets the probe polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor in the uninitialized phase. The prober may be
// nil, in which case state changes only arrive via Observe.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		state:    Offline(),
		subs:     make(map[int]func(NetworkState)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start seeds the state with one immediate probe and begins background
// polling. Calling Start on a started or disposed monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != phaseUninitialized {
		m.mu.Unlock()
		return nil
	}
	m.phase = phaseInitializing
	m.mu.Unlock()

	if m.prober != nil {
		m.probeOnce(ctx)
	}

	m.mu.Lock()
	if m.phase == phaseInitializing {
		m.phase = phaseReady
	}
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop tears down background polling. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.phase == phaseDisposed {
		m.mu.Unlock()
		return
	}
	started := m.phase == phaseReady || m.phase == phaseInitializing
	m.phase = phaseDisposed
	m.mu.Unlock()

	if !started {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	if m.prober == nil || m.interval <= 0 {
		select {
		case <-ctx.Done():
		case <-m.stopCh:
		}
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	sample, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		m.publish(NetworkState{Link: LinkNone, Quality: QualityOffline})
		return
	}
	m.publish(Normalize(sample))
}

// Observe normalizes a platform-pushed connectivity sample and
// publishes the resulting state. Returns the normalized state.
func (m *Monitor) Observe(sample Sample) NetworkState {
	state := Normalize(sample)
	m.publish(state)
	return state
}

// publish replaces the current state, fans out to subscribers, and
// fires transition hooks on an offline→online edge.
func (m *Monitor) publish(state NetworkState) {
	m.mu.Lock()
	if m.phase == phaseDisposed {
		m.mu.Unlock()
		return
	}

	old := m.state
	m.state = state

	subs := make([]func(NetworkState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}

	var hooks []func()
	cameOnline := state.Online() && !old.Online()
	if cameOnline {
		hooks = append(hooks, m.transition...)
	}
	m.mu.Unlock()

	if old != state {
		m.logger.Debug("network state changed",
			"connected", state.Connected,
			"reachable", state.InternetReachable,
			"link", state.Link,
			"quality", state.Quality,
		)
	}

	for _, fn := range subs {
		fn(state)
	}
	if cameOnline {
		m.logger.Info("connectivity restored", "link", state.Link, "quality", state.Quality)
		for _, fn := range hooks {
			fn()
		}
	}
}

// State returns the last-known network state. Never blocks on the
// platform.
func (m *Monitor) State() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the device is connected with internet
// reachability.
func (m *Monitor) Online() bool {
	return m.State().Online()
}

// Subscribe registers a listener called on every published state.
// The returned function unsubscribes it.
func (m *Monitor) Subscribe(fn func(NetworkState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// OnOnline registers a hook fired once per offline→online transition,
// not on every online notification while already online.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.transition = append(m.transition, fn)
	m.mu.Unlock()
}
