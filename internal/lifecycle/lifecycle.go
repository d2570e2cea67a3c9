// Package lifecycle manages a process-wide value that is expensive to
// build, such as the initialized agent. The first caller starts the
// build and every concurrent caller waits for that same attempt.
// Failures are cached for a cooldown before the next attempt.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/events"
)

// Defaults.
const (
	DefaultInitTimeout   = 120 * time.Second
	DefaultRetryCooldown = 5 * time.Second
)

// State is the construction state of the managed value.
type State int

// States.
const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Factory builds the value. ctx carries the init timeout and is not
// tied to any request.
type Factory[T any] func(ctx context.Context) (T, error)

// Config tunes a Manager.
type Config struct {
	InitTimeout   time.Duration
	RetryCooldown time.Duration
	Events        *events.Bus
	Logger        *slog.Logger
}

// Status is a snapshot for health reporting.
type Status struct {
	State      State
	LastError  error
	Attempts   int
	ReadySince time.Time
}

type attempt[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Manager owns one lazily built value of type T.
type Manager[T any] struct {
	factory Factory[T]
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	value      T
	err        error
	failedAt   time.Time
	readySince time.Time
	attempts   int
	inflight   *attempt[T]
}

// New creates a Manager. Nothing is built until Acquire or Start.
func New[T any](factory Factory[T], cfg Config) *Manager[T] {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.RetryCooldown < 0 {
		cfg.RetryCooldown = 0
	} else if cfg.RetryCooldown == 0 {
		cfg.RetryCooldown = DefaultRetryCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[T]{
		factory: factory,
		cfg:     cfg,
		logger:  logger.With("component", "lifecycle"),
		now:     time.Now,
	}
}

// Acquire returns the ready value, building it if needed. A caller
// within the retry cooldown of a failure gets the cached error. If
// ctx ends first, Acquire stops waiting while the build continues.
func (m *Manager[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	a, v, err, settled := m.begin()
	m.mu.Unlock()
	if settled {
		return v, err
	}

	select {
	case <-a.done:
		return a.value, a.err
	case <-ctx.Done():
		// The build is still running, so this is "in progress" rather
		// than a timeout of the build itself.
		return zero, &apperr.InitializationError{
			Err: fmt.Errorf("still in progress when the caller stopped waiting: %v", ctx.Err()),
		}
	}
}

// Start begins a build in the background if none is ready, running or
// cooling down.
func (m *Manager[T]) Start() {
	m.mu.Lock()
	m.begin()
	m.mu.Unlock()
}

// begin returns the in-flight attempt, starting one if allowed, or a
// settled result. Called with m.mu held.
func (m *Manager[T]) begin() (*attempt[T], T, error, bool) {
	var zero T
	switch m.state {
	case Ready:
		return nil, m.value, nil, true
	case Initializing:
		return m.inflight, zero, nil, false
	case Failed:
		if m.now().Sub(m.failedAt) < m.cfg.RetryCooldown {
			return nil, zero, m.err, true
		}
	}

	m.attempts++
	a := &attempt[T]{done: make(chan struct{})}
	m.inflight = a
	m.state = Initializing
	go m.build(a, m.attempts)
	return a, zero, nil, false
}

func (m *Manager[T]) build(a *attempt[T], n int) {
	start := m.now()
	m.cfg.Events.Emit(events.SourceLifecycle, events.KindInitStart, map[string]any{"attempt": n})
	m.logger.Info("agent initialization started", "attempt", n, "timeout", m.cfg.InitTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	go func() {
		v, err := m.factory(ctx)
		results <- result{v, err}
	}()

	var r result
	select {
	case r = <-results:
		if r.err != nil && ctx.Err() != nil {
			r.err = m.timeoutError()
		}
	case <-ctx.Done():
		r.err = m.timeoutError()
	}
	if r.err != nil {
		var ie *apperr.InitializationError
		if !errors.As(r.err, &ie) {
			r.err = &apperr.InitializationError{Err: r.err}
		}
	}

	elapsed := m.now().Sub(start)
	m.mu.Lock()
	a.value, a.err = r.value, r.err
	m.inflight = nil
	if r.err != nil {
		m.state = Failed
		m.err = r.err
		m.failedAt = m.now()
	} else {
		m.state = Ready
		m.value = r.value
		m.err = nil
		m.readySince = m.now()
	}
	m.mu.Unlock()
	close(a.done)

	if r.err != nil {
		m.cfg.Events.Emit(events.SourceLifecycle, events.KindInitFailed, map[string]any{
			"attempt": n, "error": r.err.Error(), "timeout": apperr.IsTimeout(r.err),
		})
		m.logger.Error("agent initialization failed", "attempt", n, "error", r.err, "elapsed", elapsed)
		return
	}
	m.cfg.Events.Emit(events.SourceLifecycle, events.KindInitReady, map[string]any{
		"attempt": n, "elapsed_ms": elapsed.Milliseconds(),
	})
	m.logger.Info("agent initialized", "attempt", n, "elapsed", elapsed)
}

func (m *Manager[T]) timeoutError() error {
	return &apperr.InitializationError{
		Timeout: true,
		After:   m.cfg.InitTimeout,
		Err:     context.DeadlineExceeded,
	}
}

// Status returns the current state and last error.
func (m *Manager[T]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, LastError: m.err, Attempts: m.attempts, ReadySince: m.readySince}
}
