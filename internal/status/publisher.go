// Package status publishes a periodic heartbeat describing the live session,
// recognizer connection and dispatcher cooldown.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SnapshotFunc reports the current state. It must be cheap and safe to call
// from any goroutine.
type SnapshotFunc func() protocol.Status

type Publisher struct {
	cfg      config.StatusConfig
	log      *slog.Logger
	bus      *bus.Client
	snapshot SnapshotFunc
	cancel   context.CancelFunc
	sub      *nats.Subscription
	meter    metric.Meter
	done     chan struct{}

	mu   sync.RWMutex
	last protocol.Status
}

// Start begins publishing on assist.status and answers assist.status.get
// requests. The heartbeat is skipped when disabled; requests are always
// answered.
func Start(ctx context.Context, cfg config.StatusConfig, busClient *bus.Client, snapshot SnapshotFunc, log *slog.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		cfg:      cfg,
		log:      log.With(slog.String("component", "status")),
		bus:      busClient,
		snapshot: snapshot,
		meter:    otel.Meter("github.com/loqalabs/loqa-assist/status"),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectStatusGet, p.handleGet)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe status requests: %w", err)
	}
	p.sub = sub

	if cfg.Enabled && cfg.IntervalMS > 0 {
		go p.run(ctx, time.Duration(cfg.IntervalMS)*time.Millisecond)
	} else {
		close(p.done)
	}
	return p, nil
}

func (p *Publisher) Close() {
	p.cancel()
	<-p.done
	if p.sub != nil {
		_ = p.sub.Drain()
	}
}

func (p *Publisher) run(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := p.PublishNow(); err != nil {
		p.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishNow(); err != nil {
				p.log.Warn("failed to publish status", slog.String("error", err.Error()))
			}
		}
	}
}

// PublishNow takes a snapshot and publishes it immediately.
func (p *Publisher) PublishNow() error {
	st := p.take()
	return p.bus.PublishJSON(protocol.SubjectStatus, st)
}

// Last returns the most recent snapshot.
func (p *Publisher) Last() protocol.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Publisher) take() protocol.Status {
	st := p.snapshot()
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
	return st
}

func (p *Publisher) handleGet(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(p.take())
	if err != nil {
		p.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		p.log.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

func (p *Publisher) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	cooldown, err := p.meter.Int64ObservableGauge("loqa.assist.cooldown_remaining",
		metric.WithUnit("ms"),
		metric.WithDescription("Time until the next model dispatch is allowed"))
	if err != nil {
		return err
	}
	interval, err := p.meter.Int64ObservableGauge("loqa.assist.dispatch_interval",
		metric.WithUnit("ms"),
		metric.WithDescription("Current minimum spacing between model dispatches"))
	if err != nil {
		return err
	}
	sttState, err := p.meter.Int64ObservableGauge("loqa.stt.state",
		metric.WithDescription("Recognizer connection state (0 disconnected, 1 connecting, 2 connected, 3 failed)"))
	if err != nil {
		return err
	}
	entries, err := p.meter.Int64ObservableGauge("loqa.assist.transcript_entries",
		metric.WithDescription("Transcript entries in the live session"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := p.snapshot()
		obs.ObserveInt64(cooldown, st.CooldownMS)
		obs.ObserveInt64(interval, st.IntervalMS)
		obs.ObserveInt64(sttState, sttStateValue(st.STTState))
		obs.ObserveInt64(entries, int64(st.TranscriptLen))
		return nil
	}, cooldown, interval, sttState, entries)
	return err
}

func sttStateValue(state string) int64 {
	switch state {
	case "connecting":
		return 1
	case "connected":
		return 2
	case "failed":
		return 3
	default:
		return 0
	}
}
