package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/jenny-agent/internal/apperr"
	"github.com/nugget/jenny-agent/internal/events"
)

func TestAcquire_SingleConstruction(t *testing.T) {
	var builds atomic.Int32
	release := make(chan struct{})
	m := New(func(ctx context.Context) (string, error) {
		builds.Add(1)
		<-release
		return "agent", nil
	}, Config{})

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			results <- v
		}()
	}

	waitForState(t, m, Initializing)
	close(release)
	wg.Wait()
	close(results)

	if n := builds.Load(); n != 1 {
		t.Errorf("factory called %d times, want 1", n)
	}
	for v := range results {
		if v != "agent" {
			t.Errorf("value = %q", v)
		}
	}
	if s := m.Status(); s.State != Ready || s.Attempts != 1 || s.ReadySince.IsZero() {
		t.Errorf("status = %+v", s)
	}

	// Ready values return without another build.
	if _, err := m.Acquire(context.Background()); err != nil || builds.Load() != 1 {
		t.Errorf("second Acquire: err=%v builds=%d", err, builds.Load())
	}
}

func TestAcquire_Timeout(t *testing.T) {
	m := New(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, Config{InitTimeout: 20 * time.Millisecond})

	_, err := m.Acquire(context.Background())
	var ie *apperr.InitializationError
	if !errors.As(err, &ie) || !ie.Timeout {
		t.Fatalf("err = %v, want timed-out InitializationError", err)
	}
	if got := apperr.HTTPStatus(err); got != 504 {
		t.Errorf("status = %d, want 504", got)
	}
	if s := m.Status(); s.State != Failed || s.LastError == nil {
		t.Errorf("status = %+v", s)
	}
}

func TestAcquire_TimeoutWhenFactoryIgnoresContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := New(func(context.Context) (int, error) {
		<-block
		return 1, nil
	}, Config{InitTimeout: 20 * time.Millisecond})

	_, err := m.Acquire(context.Background())
	if !apperr.IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestAcquire_DefaultTimeoutMessage(t *testing.T) {
	m := New(func(context.Context) (int, error) { return 0, nil }, Config{})
	if got := m.timeoutError().Error(); got != "agent initialization timed out after 120s" {
		t.Errorf("timeout message = %q", got)
	}
}

func TestAcquire_CooldownThenRetry(t *testing.T) {
	var builds atomic.Int32
	m := New(func(context.Context) (string, error) {
		if builds.Add(1) == 1 {
			return "", errors.New("identity handshake refused")
		}
		return "agent", nil
	}, Config{RetryCooldown: time.Minute})

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	_, err := m.Acquire(context.Background())
	if apperr.HTTPStatus(err) != 503 {
		t.Fatalf("first Acquire err = %v, want 503 InitializationError", err)
	}

	// Within the cooldown the cached error is returned.
	clock = clock.Add(30 * time.Second)
	_, err2 := m.Acquire(context.Background())
	if err2 == nil || builds.Load() != 1 {
		t.Fatalf("cooldown Acquire: err=%v builds=%d", err2, builds.Load())
	}

	clock = clock.Add(31 * time.Second)
	v, err := m.Acquire(context.Background())
	if err != nil || v != "agent" {
		t.Fatalf("retry Acquire = %q, %v", v, err)
	}
	if s := m.Status(); s.State != Ready || s.Attempts != 2 || s.LastError != nil {
		t.Errorf("status = %+v", s)
	}
}

func TestAcquire_CallerContextDoesNotCancelBuild(t *testing.T) {
	release := make(chan struct{})
	var sawCancel atomic.Bool
	m := New(func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "agent", nil
		case <-ctx.Done():
			sawCancel.Store(true)
			return "", ctx.Err()
		}
	}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx)
	var ie *apperr.InitializationError
	if !errors.As(err, &ie) || ie.Timeout {
		t.Fatalf("err = %#v, want in-progress InitializationError", err)
	}
	if got := apperr.HTTPStatus(err); got != 503 {
		t.Errorf("HTTPStatus = %d, want 503 while the build is in progress", got)
	}
	if m.Status().State != Initializing {
		t.Fatalf("state = %v, want build still running", m.Status().State)
	}

	close(release)
	v, err := m.Acquire(context.Background())
	if err != nil || v != "agent" {
		t.Errorf("Acquire = %q, %v", v, err)
	}
	if sawCancel.Load() {
		t.Error("build context was cancelled by the caller")
	}
}

func TestStart_Prewarms(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	m := New(func(context.Context) (int, error) { return 42, nil }, Config{Events: bus})
	if m.Status().State != Uninitialized {
		t.Fatal("should start uninitialized")
	}
	m.Start()
	waitForState(t, m, Ready)

	kinds := []string{(<-ch).Kind, (<-ch).Kind}
	if kinds[0] != events.KindInitStart || kinds[1] != events.KindInitReady {
		t.Errorf("events = %v", kinds)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Uninitialized: "uninitialized", Initializing: "initializing", Ready: "ready", Failed: "failed", 9: "State(9)"} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}

func waitForState[T any](t *testing.T, m *Manager[T], want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Status().State != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", m.Status().State, want)
		}
		time.Sleep(time.Millisecond)
	}
}
