package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ariastream/internal/gazeoverlay"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(max int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return NewBreaker(Config{Name: "test", MaxFailures: max, Cooldown: time.Minute, Now: clk.Now}), clk
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Config{})
	if b.maxFailures != 5 || b.cooldown != 30*time.Second {
		t.Errorf("defaults = %d, %s", b.maxFailures, b.cooldown)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil }) // resets the count
	for range 2 {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != Closed {
		t.Fatalf("state = %v after interrupted failures, want closed", b.State())
	}
	if err := b.Do(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("tripping call returned %v, want its own error", err)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	if err := b.Do(func() error { called = true; return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		probe   error
		wantEnd State
	}{
		{name: "success closes", probe: nil, wantEnd: Closed},
		{name: "failure reopens", probe: errTest, wantEnd: Open},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newTestBreaker(1)
			_ = b.Do(func() error { return errTest })

			clk.Advance(time.Minute)
			if b.State() != HalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", b.State())
			}
			_ = b.Do(func() error { return tc.probe })
			if b.State() != tc.wantEnd {
				t.Errorf("state after probe = %v, want %v", b.State(), tc.wantEnd)
			}
		})
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(1)
	_ = b.Do(func() error { return errTest })
	clk.Advance(time.Minute)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("probe = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}

// flakySink fails while down is set.
type flakySink struct {
	mu    sync.Mutex
	down  bool
	calls int
}

func (f *flakySink) RecordGaze(context.Context, gazeoverlay.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errTest
	}
	return nil
}

func TestGuardSink(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(2)
	sink := &flakySink{down: true}
	g := GuardSink(sink, b)
	ctx := context.Background()

	for range 2 {
		if err := g.RecordGaze(ctx, gazeoverlay.Sample{}); !errors.Is(err, errTest) {
			t.Fatalf("RecordGaze = %v, want sink error", err)
		}
	}
	for range 10 {
		if err := g.RecordGaze(ctx, gazeoverlay.Sample{}); err != nil {
			t.Fatalf("RecordGaze while open = %v, want nil", err)
		}
	}
	if sink.calls != 2 || g.Skipped() != 10 {
		t.Errorf("calls = %d, skipped = %d; want 2, 10", sink.calls, g.Skipped())
	}

	sink.down = false
	clk.Advance(time.Minute)
	if err := g.RecordGaze(ctx, gazeoverlay.Sample{}); err != nil {
		t.Fatalf("probe = %v", err)
	}
	if b.State() != Closed || sink.calls != 3 {
		t.Errorf("state = %v, calls = %d after recovery", b.State(), sink.calls)
	}
}
