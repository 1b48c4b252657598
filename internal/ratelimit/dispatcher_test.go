package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	waited []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// after advances the clock by d and fires immediately.
func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.waited = append(c.waited, d)
	now := c.t
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func newTestDispatcher() (*Dispatcher, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := New(config.RateLimitConfig{InitialIntervalMS: 4000, MaxIntervalMS: 10000, BackoffFactor: 1.5}, newLogger())
	d.now = clock.now
	d.after = clock.after
	return d, clock
}

func TestThrottleBackoffSequence(t *testing.T) {
	d, _ := newTestDispatcher()
	if d.Interval() != 4*time.Second {
		t.Fatalf("expected initial interval 4s, got %s", d.Interval())
	}
	want := []time.Duration{6 * time.Second, 9 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, expected := range want {
		d.OnProviderThrottled()
		if got := d.Interval(); got != expected {
			t.Fatalf("throttle %d: expected %s, got %s", i+1, expected, got)
		}
	}
	d.Reset()
	if d.Interval() != 4*time.Second {
		t.Fatalf("expected reset to 4s, got %s", d.Interval())
	}
}

func TestCooldownRemaining(t *testing.T) {
	d, clock := newTestDispatcher()
	if d.CooldownRemaining() != 0 {
		t.Fatalf("expected no cooldown before first dispatch")
	}
	d.RecordDispatch()
	if got := d.CooldownRemaining(); got != 4*time.Second {
		t.Fatalf("expected 4s remaining, got %s", got)
	}
	clock.advance(1500 * time.Millisecond)
	first := d.CooldownRemaining()
	second := d.CooldownRemaining()
	if first != second || first != 2500*time.Millisecond {
		t.Fatalf("expected stable 2.5s reads, got %s and %s", first, second)
	}
	clock.advance(2500 * time.Millisecond)
	if got := d.CooldownRemaining(); got != 0 {
		t.Fatalf("expected exactly zero at boundary, got %s", got)
	}
	clock.advance(time.Hour)
	if got := d.CooldownRemaining(); got != 0 {
		t.Fatalf("expected non-negative remaining, got %s", got)
	}
}

func TestWaitForCooldownUsesCurrentInterval(t *testing.T) {
	d, clock := newTestDispatcher()
	ctx := context.Background()

	if err := d.WaitForCooldown(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(clock.waited) != 0 {
		t.Fatalf("expected immediate return before first dispatch, waited %v", clock.waited)
	}

	d.RecordDispatch()
	d.OnProviderThrottled()
	clock.advance(time.Second)
	if err := d.WaitForCooldown(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(clock.waited) != 1 || clock.waited[0] != 5*time.Second {
		t.Fatalf("expected a single 5s wait, got %v", clock.waited)
	}
}

func TestWaitForCooldownHonorsContext(t *testing.T) {
	d := New(config.RateLimitConfig{InitialIntervalMS: 60000, MaxIntervalMS: 60000, BackoffFactor: 1.5}, newLogger())
	d.RecordDispatch()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.WaitForCooldown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoSerializesDispatches(t *testing.T) {
	d, clock := newTestDispatcher()
	var inflight, peak atomic.Int32
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Do(context.Background(), func(context.Context) error {
				n := inflight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inflight.Add(-1)
				calls.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 5 {
		t.Fatalf("expected 5 calls, got %d", calls.Load())
	}
	if peak.Load() != 1 {
		t.Fatalf("expected at most one in-flight dispatch, saw %d", peak.Load())
	}
	clock.mu.Lock()
	waits := len(clock.waited)
	clock.mu.Unlock()
	if waits != 4 {
		t.Fatalf("expected every dispatch after the first to wait, got %d waits", waits)
	}
}
