// Package stt streams captured audio to the local recognizer and turns its
// finalized results into transcript entries.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/protocol"
)

// State is the connection state of the recognizer stream.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the subset of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens recognizer connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handlers receive recognizer output. Any field may be nil.
type Handlers struct {
	OnFinal       func(protocol.TranscriptEntry)
	OnPartial     func(text string)
	OnStateChange func(State)
}

// serverMessage covers both the typed envelopes of the local server and the
// plain {"text"} / {"partial"} results of a stock recognizer.
type serverMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Partial    string  `json:"partial"`
	Confidence float64 `json:"confidence"`
	ErrorType  string  `json:"error_type"`
	Message    string  `json:"message"`
	Status     string  `json:"status"`
}

var errConnClosed = errors.New("recognizer connection closed")

// Client keeps one streaming connection to the recognizer. An unexpected
// close triggers a reconnect after a fixed delay; after the configured number
// of consecutive failed reconnects the client enters StateFailed and stops.
type Client struct {
	cfg      config.STTConfig
	dialer   Dialer
	handlers Handlers
	logger   *slog.Logger

	frames  chan []byte
	control chan []byte

	state    atomic.Int32
	attempts atomic.Int32
	dropped  atomic.Uint64
	delay    backoff.BackOff

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	vocabMu    sync.Mutex
	vocabulary []string

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	finalsCounter     metric.Int64Counter
	reconnectsCounter metric.Int64Counter
	droppedCounter    metric.Int64Counter
}

func NewClient(parent context.Context, cfg config.STTConfig, queueFrames int, dialer Dialer, handlers Handlers, logger *slog.Logger) *Client {
	if queueFrames <= 0 {
		queueFrames = 64
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		cfg:        cfg,
		dialer:     dialer,
		handlers:   handlers,
		logger:     logger.With(slog.String("component", "stt-client")),
		frames:     make(chan []byte, queueFrames),
		control:    make(chan []byte, 8),
		delay:      backoff.NewConstantBackOff(time.Duration(cfg.ReconnectDelayMS) * time.Millisecond),
		ctx:        ctx,
		cancel:     cancel,
		vocabulary: append([]string(nil), cfg.Vocabulary...),
		now:        time.Now,
		after:      time.After,
	}
	c.initMetrics()
	return c
}

func (c *Client) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-assist/stt")
	var err error
	if c.finalsCounter, err = meter.Int64Counter("loqa.stt.finals", metric.WithDescription("Finalized transcript entries")); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if c.reconnectsCounter, err = meter.Int64Counter("loqa.stt.reconnects", metric.WithDescription("Recognizer reconnect attempts")); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if c.droppedCounter, err = meter.Int64Counter("loqa.stt.frames_dropped", metric.WithDescription("Audio frames dropped on a full queue")); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
}

// Start launches the connection loop. Calling it again after the client
// reached StateFailed begins a fresh cycle of reconnect attempts.
func (c *Client) Start() error {
	if !c.cfg.Enabled {
		return nil
	}
	if c.ctx.Err() != nil {
		return errors.New("stt client closed")
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	c.attempts.Store(0)
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close stops the loop and closes any open connection.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) Healthy() bool {
	return !c.cfg.Enabled || c.State() != StateFailed
}

func (c *Client) State() State { return State(c.state.Load()) }

// ReconnectAttempts is the number of consecutive reconnects since the last
// successful connection.
func (c *Client) ReconnectAttempts() int { return int(c.attempts.Load()) }

func (c *Client) DroppedFrames() uint64 { return c.dropped.Load() }

// Feed queues one PCM16 frame for sending. It never blocks: frames are
// dropped when the queue is full or no connection is open.
func (c *Client) Feed(pcm []byte) bool {
	if len(pcm) == 0 || c.State() != StateConnected {
		return false
	}
	select {
	case c.frames <- pcm:
		return true
	default:
		c.dropped.Add(1)
		if c.droppedCounter != nil {
			c.droppedCounter.Add(context.Background(), 1)
		}
		return false
	}
}

// Flush asks the recognizer to finalize the current utterance.
func (c *Client) Flush() error { return c.sendControl(map[string]any{"eof": 1}) }

// ResetRecognizer discards recognizer state for the current utterance.
func (c *Client) ResetRecognizer() error { return c.sendControl(map[string]any{"action": "reset"}) }

func (c *Client) Ping() error { return c.sendControl(map[string]any{"action": "ping"}) }

// UpdateVocabulary replaces the recognizer's custom word list. The list is
// kept and resent after every reconnect.
func (c *Client) UpdateVocabulary(words []string) error {
	if len(words) == 0 {
		return errors.New("vocabulary must not be empty")
	}
	c.vocabMu.Lock()
	c.vocabulary = append([]string(nil), words...)
	c.vocabMu.Unlock()
	return c.sendControl(map[string]any{"action": "update_vocabulary", "words": words})
}

func (c *Client) sendControl(msg map[string]any) error {
	if c.State() != StateConnected {
		return fmt.Errorf("recognizer not connected (state %s)", c.State())
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.control <- data:
		return nil
	default:
		return errors.New("recognizer control queue full")
	}
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Info("recognizer state changed", slog.String("state", s.String()))
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	defer c.running.Store(false)
	for {
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(c.ctx, c.cfg.Endpoint)
		if err != nil {
			c.logger.Warn("recognizer dial failed", slog.String("endpoint", c.cfg.Endpoint), slogError(err))
		} else {
			c.attempts.Store(0)
			c.delay.Reset()
			c.setState(StateConnected)
			err = c.serve(conn)
			if err != nil && c.ctx.Err() == nil {
				c.logger.Warn("recognizer connection lost", slogError(err))
			}
		}

		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateDisconnected)
		if int(c.attempts.Load()) >= c.cfg.MaxReconnectAttempts {
			c.setState(StateFailed)
			c.logger.Error("recognizer unavailable; giving up", slog.Int("attempts", int(c.attempts.Load())))
			return
		}
		attempt := c.attempts.Add(1)
		if c.reconnectsCounter != nil {
			c.reconnectsCounter.Add(c.ctx, 1)
		}
		wait := c.delay.NextBackOff()
		c.logger.Info("reconnecting to recognizer", slog.Int("attempt", int(attempt)), slog.Duration("delay", wait))
		select {
		case <-c.after(wait):
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		}
	}
}

// serve pumps one connection until it fails or the client is closed.
func (c *Client) serve(conn Conn) error {
	c.drainFrames()
	c.vocabMu.Lock()
	vocabulary := c.vocabulary
	c.vocabMu.Unlock()
	if len(vocabulary) > 0 {
		data, _ := json.Marshal(map[string]any{"action": "update_vocabulary", "words": vocabulary})
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return fmt.Errorf("send vocabulary: %w", err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	var err error
loop:
	for {
		select {
		case frame := <-c.frames:
			if werr := conn.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
				err = fmt.Errorf("write audio: %w", werr)
				break loop
			}
		case msg := <-c.control:
			if werr := conn.WriteMessage(websocket.TextMessage, msg); werr != nil {
				err = fmt.Errorf("write control: %w", werr)
				break loop
			}
		case rerr := <-readErr:
			conn.Close()
			return rerr
		case <-c.ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			break loop
		}
	}
	conn.Close()
	<-readErr
	return err
}

func (c *Client) readLoop(conn Conn) error {
	timeout := time.Duration(c.cfg.ReadTimeoutMS) * time.Millisecond
	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(c.now().Add(timeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errConnClosed
			}
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed recognizer message", slog.Int("bytes", len(data)), slogError(err))
		return
	}
	switch msg.Type {
	case "final":
		c.emitFinal(msg.Text)
	case "partial":
		c.emitPartial(firstNonEmpty(msg.Text, msg.Partial))
	case "error":
		c.logger.Warn("recognizer reported error", slog.String("error_type", msg.ErrorType), slog.String("message", msg.Message))
	case "connected", "keepalive", "status", "pong":
		c.logger.Debug("recognizer notice", slog.String("type", msg.Type), slog.String("status", msg.Status))
	case "":
		if msg.Text != "" {
			c.emitFinal(msg.Text)
		} else if msg.Partial != "" {
			c.emitPartial(msg.Partial)
		}
	default:
		c.logger.Debug("ignoring recognizer message", slog.String("type", msg.Type))
	}
}

func (c *Client) emitFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	entry := protocol.TranscriptEntry{
		Speaker:   c.cfg.SpeakerLabel,
		Text:      text,
		Timestamp: c.now(),
	}
	if c.finalsCounter != nil {
		c.finalsCounter.Add(context.Background(), 1)
	}
	if c.handlers.OnFinal != nil {
		c.handlers.OnFinal(entry)
	}
}

func (c *Client) emitPartial(text string) {
	text = strings.TrimSpace(text)
	if text == "" || c.handlers.OnPartial == nil {
		return
	}
	c.handlers.OnPartial(text)
}

func (c *Client) drainFrames() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
