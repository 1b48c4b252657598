package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-assist/internal/config"
)

// Stream captures audio and forwards fixed frames to a sink. The sink is
// called from the capture thread and must not block.
type Stream struct {
	ctx        Context
	cfg        config.AudioConfig
	sampleRate int
	sink       func([]byte) bool
	logger     *slog.Logger

	mu     sync.Mutex
	device CaptureDevice
	source string
}

func NewStream(ctx Context, cfg config.AudioConfig, sampleRate int, sink func([]byte) bool, logger *slog.Logger) *Stream {
	return &Stream{
		ctx:        ctx,
		cfg:        cfg,
		sampleRate: sampleRate,
		sink:       sink,
		logger:     logger.With(slog.String("component", "audio-stream")),
	}
}

// Start opens the configured source. A "system" source that cannot be opened
// falls back to the default input device.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	if s.cfg.Source == "system" {
		dev, err := s.open(nil, true)
		if err == nil {
			s.device, s.source = dev, "system"
			return nil
		}
		s.logger.Warn("system audio unavailable; falling back to default input", slogError(err))
	}

	device, err := s.lookupDevice()
	if err != nil {
		s.logger.Warn("configured device not found; using default input", slogError(err))
		device = nil
	}
	dev, err := s.open(device, false)
	if err != nil {
		return fmt.Errorf("open audio input: %w", err)
	}
	s.device = dev
	s.source = s.cfg.Source
	if s.source == "system" {
		s.source = "default"
	}
	return nil
}

func (s *Stream) open(device *DeviceInfo, loopback bool) (CaptureDevice, error) {
	dev, err := s.ctx.NewCapture(device, CaptureConfig{
		SampleRate: uint32(s.sampleRate),
		Channels:   1,
		Loopback:   loopback,
	})
	if err != nil {
		return nil, err
	}
	conv := NewConverter(dev.Format(), s.sampleRate)
	framer := NewFramer(s.cfg.FrameSamples, s.sink)
	dev.SetCallback(func(data []byte, _ uint32) {
		framer.Write(conv.Convert(data))
	})
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, err
	}
	s.logger.Info("audio capture started",
		slog.String("device", dev.DeviceName()),
		slog.Bool("loopback", loopback),
		slog.Int("input_rate", int(dev.Format().SampleRate)),
		slog.Int("input_channels", int(dev.Format().Channels)),
	)
	return dev, nil
}

func (s *Stream) lookupDevice() (*DeviceInfo, error) {
	if s.cfg.Device == "" {
		return nil, nil
	}
	devices, err := s.ctx.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(s.cfg.Device)
	for i := range devices {
		if devices[i].ID == s.cfg.Device || strings.Contains(strings.ToLower(devices[i].Name), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", s.cfg.Device)
}

// Stop releases the device. It is safe to call when not started.
func (s *Stream) Stop() {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.source = ""
	s.mu.Unlock()
	if dev == nil {
		return
	}
	dev.ClearCallback()
	dev.Stop()
	dev.Close()
	s.logger.Info("audio capture stopped")
}

func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil
}

// Source reports which source is live: "system", "default", "file" or "".
func (s *Stream) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// OpenContext returns the audio context for the configured source.
func OpenContext(cfg config.AudioConfig) (Context, error) {
	switch cfg.Source {
	case "file":
		fc, err := NewFileContext(cfg.File, true)
		if err != nil {
			return nil, err
		}
		return fc, nil
	case "system", "default":
		return NewContext()
	default:
		return nil, fmt.Errorf("no audio context for source %q", cfg.Source)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
