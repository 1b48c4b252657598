package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-assist/internal/assistant"
	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/llm"
	"github.com/loqalabs/loqa-assist/internal/natsserver"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/loqalabs/loqa-assist/internal/ratelimit"
	"github.com/loqalabs/loqa-assist/internal/redact"
	"github.com/loqalabs/loqa-assist/internal/router"
	"github.com/loqalabs/loqa-assist/internal/session"
	"github.com/loqalabs/loqa-assist/internal/status"
	"github.com/loqalabs/loqa-assist/internal/stt"
)

type Runtime struct {
	configPath  string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	cfgMu sync.RWMutex
	cfg   config.Config

	natsServer   *natsserver.EmbeddedServer
	bus          *bus.Client
	store        *eventstore.Store
	sessions     *session.Lifecycle
	dispatcher   *ratelimit.Dispatcher
	orchestrator *assistant.Orchestrator
	stt          *stt.Client
	capture      *capturePipeline
	router       *router.Service
	status       *status.Publisher
}

func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := r.config()
	shutdownTelemetry, metricsHandler, err := setupTelemetry(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if shutdownErr := r.shutdown(shutdownCtx); shutdownErr != nil {
			r.logger.Error("shutdown error", slog.String("error", shutdownErr.Error()))
		}
	}()

	if err := r.startComponents(ctx, cfg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.sessions.Current().ID()))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runtime stopping")
			return nil
		case <-hup:
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("config reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) startComponents(ctx context.Context, cfg config.Config) error {
	var err error
	r.natsServer, err = natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	busCfg := cfg.Bus
	if url := r.natsServer.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger.With(slog.String("component", "audit")))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return fmt.Errorf("audit store: %w", err)
	}

	r.sessions = session.NewLifecycle(ctx, r.logger)
	if err := r.store.BeginSession(ctx, r.sessions.Current().ID(), r.sessions.Current().StartedAt()); err != nil {
		r.logger.Warn("failed to record session start", slog.String("error", err.Error()))
	}
	r.sessions.OnEnd(r.onSessionEnd)

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create model backend: %w", err)
	}
	if !cfg.LLM.HasCredential() {
		r.logger.Warn("model credential missing; queries will fail until configured", slog.String("mode", cfg.LLM.Mode))
	}

	r.dispatcher = ratelimit.New(cfg.RateLimit, r.logger)
	r.stt = stt.NewClient(ctx, cfg.STT, cfg.Audio.QueueFrames, nil, stt.Handlers{
		OnFinal:       r.onFinal,
		OnPartial:     r.onPartial,
		OnStateChange: r.onSTTState,
	}, r.logger)
	r.capture = newCapturePipeline(cfg.Audio, cfg.STT.SampleRate, r.stt, r.logger)

	r.orchestrator = assistant.New(assistant.Deps{
		Redactor:    redact.New(r.logger),
		Dispatcher:  r.dispatcher,
		Sessions:    r.sessions,
		Generator:   generator,
		Store:       r.store,
		AudioActive: r.capture.Active,
	}, cfg.LLM, cfg.Session, r.logger)

	r.router = router.NewService(ctx, r.bus, router.Deps{
		Assistant:  r.orchestrator,
		Capture:    r.capture,
		Recognizer: r.stt,
		Sessions:   r.sessions,
		Audit:      r.store,
		Reload:     r.Reload,
	}, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	r.status, err = status.Start(ctx, cfg.Status, r.bus, r.snapshot, r.logger)
	if err != nil {
		return fmt.Errorf("start status publisher: %w", err)
	}
	return nil
}

// Reload re-reads the configuration file and applies the model and session
// sections. Other sections take effect on restart.
func (r *Runtime) Reload(ctx context.Context) error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("reload model backend: %w", err)
	}

	r.cfgMu.Lock()
	prevVocabulary := r.cfg.STT.Vocabulary
	r.cfg.LLM = cfg.LLM
	r.cfg.Session = cfg.Session
	r.cfg.STT.Vocabulary = cfg.STT.Vocabulary
	r.cfgMu.Unlock()

	r.orchestrator.Reconfigure(cfg.LLM, cfg.Session, generator)
	if !slices.Equal(prevVocabulary, cfg.STT.Vocabulary) && len(cfg.STT.Vocabulary) > 0 {
		if err := r.stt.UpdateVocabulary(cfg.STT.Vocabulary); err != nil {
			r.logger.Info("vocabulary applies on next recognizer connection", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("configuration reloaded", slog.Bool("credential_valid", cfg.LLM.HasCredential()))
	if r.status != nil {
		_ = r.status.PublishNow()
	}
	return ctx.Err()
}

func (r *Runtime) config() config.Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func (r *Runtime) onFinal(entry protocol.TranscriptEntry) {
	sess := r.sessions.Current()
	if !sess.AppendTranscript(entry) {
		return
	}
	r.logger.Debug("transcript entry appended",
		slog.String("session_id", sess.ID()),
		slog.Int("chars", len(entry.Text)),
		slog.Int("entries", sess.TranscriptLen()),
	)
	if r.router != nil {
		r.router.PublishFinal(sess.ID(), entry)
	}
}

func (r *Runtime) onPartial(text string) {
	if !r.config().STT.PublishPartials || r.router == nil {
		return
	}
	r.router.PublishPartial(protocol.PartialTranscript{
		SessionID: r.sessions.Current().ID(),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Runtime) onSTTState(state stt.State) {
	if state == stt.StateFailed {
		r.logger.Warn("recognizer unavailable; manual questions still work")
	}
	if r.status != nil {
		if err := r.status.PublishNow(); err != nil {
			r.logger.Debug("status publish failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) onSessionEnd(endedID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.EndSession(ctx, endedID); err != nil {
		r.logger.Warn("failed to record session end", slog.String("error", err.Error()))
	}
	next := r.sessions.Current()
	if err := r.store.BeginSession(ctx, next.ID(), next.StartedAt()); err != nil {
		r.logger.Warn("failed to record session start", slog.String("error", err.Error()))
	}
}

func (r *Runtime) snapshot() protocol.Status {
	sess := r.sessions.Current()
	screen, _ := sess.ScreenText()
	return protocol.Status{
		SessionID:       sess.ID(),
		STTState:        r.stt.State().String(),
		CaptureActive:   r.capture.Active(),
		CaptureSource:   r.capture.Source(),
		TranscriptLen:   sess.TranscriptLen(),
		HasScreenText:   screen != "",
		CooldownMS:      r.dispatcher.CooldownRemaining().Milliseconds(),
		IntervalMS:      r.dispatcher.Interval().Milliseconds(),
		CredentialValid: r.orchestrator.CredentialValid(),
		DroppedFrames:   r.stt.DroppedFrames(),
		Timestamp:       time.Now().UTC(),
	}
}

// shutdown stops components in reverse start order. Session state is wiped
// before the process exits.
func (r *Runtime) shutdown(ctx context.Context) error {
	r.ready.Store(false)
	var errs []error

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.status != nil {
		r.status.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.capture != nil {
		r.capture.Stop()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.sessions != nil {
		endedID := r.sessions.Current().ID()
		r.sessions.Close()
		if r.store != nil {
			if err := r.store.EndSession(ctx, endedID); err != nil {
				errs = append(errs, fmt.Errorf("record session end: %w", err))
			}
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.router.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
