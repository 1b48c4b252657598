package runtime

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-assist/internal/audio"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/stt"
)

// capturePipeline ties the audio stream to the recognizer client. Frames go
// straight from the capture callback into the client's bounded queue.
type capturePipeline struct {
	cfg        config.AudioConfig
	sampleRate int
	client     *stt.Client
	logger     *slog.Logger
	openCtx    func(config.AudioConfig) (audio.Context, error)

	mu     sync.Mutex
	actx   audio.Context
	stream *audio.Stream
}

func newCapturePipeline(cfg config.AudioConfig, sampleRate int, client *stt.Client, logger *slog.Logger) *capturePipeline {
	return &capturePipeline{
		cfg:        cfg,
		sampleRate: sampleRate,
		client:     client,
		logger:     logger.With(slog.String("component", "capture")),
		openCtx:    audio.OpenContext,
	}
}

func (p *capturePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil && p.stream.Active() {
		return nil
	}
	if err := p.client.Start(); err != nil {
		return fmt.Errorf("start recognizer client: %w", err)
	}
	actx, err := p.openCtx(p.cfg)
	if err != nil {
		return fmt.Errorf("open audio context: %w", err)
	}
	stream := audio.NewStream(actx, p.cfg, p.sampleRate, p.client.Feed, p.logger)
	if err := stream.Start(); err != nil {
		actx.Close()
		return err
	}
	p.actx = actx
	p.stream = stream
	p.logger.Info("capture started", slog.String("source", stream.Source()))
	return nil
}

// Stop releases the audio device and asks the recognizer to finalize what it
// has heard so far. The recognizer connection stays open.
func (p *capturePipeline) Stop() {
	p.mu.Lock()
	stream, actx := p.stream, p.actx
	p.stream, p.actx = nil, nil
	p.mu.Unlock()
	if stream == nil {
		return
	}
	stream.Stop()
	actx.Close()
	if err := p.client.Flush(); err != nil {
		p.logger.Debug("recognizer flush skipped", slog.String("error", err.Error()))
	}
}

func (p *capturePipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil && p.stream.Active()
}

func (p *capturePipeline) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ""
	}
	return p.stream.Source()
}
