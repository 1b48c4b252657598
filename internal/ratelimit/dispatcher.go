// Package ratelimit spaces outbound model calls and widens the spacing when
// the provider reports throttling.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
)

// Dispatcher enforces a minimum interval between dispatches. The interval
// starts at the configured initial value and only grows, by a fixed factor up
// to a cap, until Reset is called.
type Dispatcher struct {
	initial time.Duration
	max     time.Duration
	factor  float64

	mu            sync.Mutex
	interval      time.Duration
	lastRequestAt time.Time

	slot chan struct{}
	gate chan struct{}

	logger *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
}

func New(cfg config.RateLimitConfig, logger *slog.Logger) *Dispatcher {
	initial := time.Duration(cfg.InitialIntervalMS) * time.Millisecond
	maxInterval := time.Duration(cfg.MaxIntervalMS) * time.Millisecond
	if maxInterval < initial {
		maxInterval = initial
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return &Dispatcher{
		initial:  initial,
		max:      maxInterval,
		factor:   factor,
		interval: initial,
		slot:     make(chan struct{}, 1),
		gate:     make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "dispatcher")),
		now:      time.Now,
		after:    time.After,
	}
}

// WaitForCooldown blocks until the current interval has elapsed since the last
// dispatch. Only one caller waits at a time; others queue behind it.
func (d *Dispatcher) WaitForCooldown(ctx context.Context) error {
	select {
	case d.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.gate }()

	for {
		remaining := d.CooldownRemaining()
		if remaining <= 0 {
			return nil
		}
		d.logger.Debug("waiting for cooldown", slog.Duration("remaining", remaining))
		select {
		case <-d.after(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RecordDispatch marks now as the time of the latest outbound request.
func (d *Dispatcher) RecordDispatch() {
	d.mu.Lock()
	d.lastRequestAt = d.now()
	d.mu.Unlock()
}

// OnProviderThrottled widens the interval. It never retries the call.
func (d *Dispatcher) OnProviderThrottled() {
	d.mu.Lock()
	next := time.Duration(float64(d.interval) * d.factor)
	if next > d.max {
		next = d.max
	}
	prev := d.interval
	d.interval = next
	d.mu.Unlock()
	d.logger.Info("provider throttled; interval widened",
		slog.Duration("previous", prev),
		slog.Duration("interval", next),
	)
}

// CooldownRemaining is a pure read. It is never negative and is exactly zero
// once lastRequestAt+interval is reached.
func (d *Dispatcher) CooldownRemaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRequestAt.IsZero() {
		return 0
	}
	remaining := d.lastRequestAt.Add(d.interval).Sub(d.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Interval returns the current minimum spacing.
func (d *Dispatcher) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Reset restores the initial interval. Called when credentials change.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.interval = d.initial
	d.mu.Unlock()
	d.logger.Info("dispatcher reset", slog.Duration("interval", d.initial))
}

// Do runs fn as a single dispatch: it waits for the cooldown, records the
// dispatch and then calls fn. At most one fn runs at a time.
func (d *Dispatcher) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case d.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.slot }()

	if err := d.WaitForCooldown(ctx); err != nil {
		return err
	}
	d.RecordDispatch()
	return fn(ctx)
}
