// Package connwatch watches the services the agent depends on (the
// identity service, model providers, tool servers and the channel
// broker) and reports their health on /health.
//
// A watcher probes with exponential backoff until the service first
// answers, then polls at a fixed interval and logs transitions.
// Transport-level retries of single requests live in httpkit.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc returns nil when the service is healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay while starting
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64
	PollInterval time.Duration // steady-state interval
	ProbeTimeout time.Duration // per-probe deadline
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... up to 60s, then polls
// every 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on transitions.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is a watcher's health for JSON reporting.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	everUp    bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the last probe error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff
	delay := b.InitialDelay

	for {
		probeCtx, cancel := context.WithTimeout(ctx, b.ProbeTimeout)
		err := w.cfg.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		w.observe(err)

		next := b.PollInterval
		if !w.hasBeenUp() {
			next = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) hasBeenUp() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.everUp
}

// observe records a probe result and fires transition callbacks.
func (w *Watcher) observe(err error) {
	w.mu.Lock()
	was := w.ready
	first := !w.everUp
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if w.ready {
		w.everUp = true
	}
	w.mu.Unlock()

	log := w.cfg.Logger.With("service", w.cfg.Name)
	switch {
	case !was && err == nil:
		if first {
			log.Info("service connected")
		} else {
			log.Info("service recovered")
		}
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case was && err != nil:
		log.Warn("service became unreachable", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		log.Debug("service unreachable", "error", err)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "connwatch"), watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		old.cancel()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's health, keyed by name. A nil Manager
// reports nothing.
func (m *Manager) Status() map[string]ServiceStatus {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Names returns the watched service names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.watchers))
	for n := range m.watchers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
