package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	d := DefaultBackoffConfig()
	if d.InitialDelay != 2*time.Second || d.MaxDelay != time.Minute || d.PollInterval != time.Minute {
		t.Errorf("defaults = %+v", d)
	}
	if got := (BackoffConfig{}).withDefaults(); got != d {
		t.Errorf("withDefaults() = %+v, want %+v", got, d)
	}
}

func TestWatcher_ConnectsAfterFailures(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts, readyCalls atomic.Int32
	m := NewManager(nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "identity",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { readyCalls.Add(1) },
	})

	waitFor(t, w.IsReady)
	waitFor(t, func() bool { return readyCalls.Load() == 1 })
	if w.LastError() != nil {
		t.Errorf("LastError = %v", w.LastError())
	}
	if attempts.Load() < 4 {
		t.Errorf("attempts = %d, want >= 4", attempts.Load())
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthy atomic.Bool
	healthy.Store(true)
	var downs, readies atomic.Int32

	m := NewManager(nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "openai",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("503")
		},
		Backoff: fastBackoff(),
		OnReady: func() { readies.Add(1) },
		OnDown:  func(error) { downs.Add(1) },
	})

	waitFor(t, w.IsReady)
	healthy.Store(false)
	waitFor(t, func() bool { return !w.IsReady() })
	waitFor(t, func() bool { return downs.Load() == 1 })
	if s := w.Status(); s.LastError != "503" || s.Ready {
		t.Errorf("status = %+v", s)
	}

	healthy.Store(true)
	waitFor(t, func() bool { return readies.Load() == 2 })
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := fastBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(nil)
	w := m.Watch(ctx, WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	waitFor(t, func() bool { return errors.Is(w.LastError(), context.DeadlineExceeded) })
	if w.IsReady() {
		t.Error("slow service reported ready")
	}
}

func TestManager_StatusAndStop(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	m.Watch(ctx, WatcherConfig{Name: "b", Probe: func(context.Context) error { return nil }, Backoff: fastBackoff()})
	m.Watch(ctx, WatcherConfig{Name: "a", Probe: func(context.Context) error { return errors.New("down") }, Backoff: fastBackoff()})

	waitFor(t, func() bool { return m.Status()["b"].Ready && m.Status()["a"].LastError != "" })
	if names := m.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("Names() = %v", names)
	}
	m.Stop()
}

func TestManager_NilStatus(t *testing.T) {
	var m *Manager
	if m.Status() != nil {
		t.Error("nil manager should report nil")
	}
}

func TestWatch_Panics(t *testing.T) {
	m := NewManager(nil)
	for name, cfg := range map[string]WatcherConfig{
		"no name":  {Probe: func(context.Context) error { return nil }},
		"no probe": {Name: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			m.Watch(context.Background(), cfg)
		})
	}
}
