package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(endpoint string) config.STTConfig {
	return config.STTConfig{
		Enabled:              true,
		Endpoint:             endpoint,
		SampleRate:           16000,
		SpeakerLabel:         "Interviewer",
		ReconnectDelayMS:     3000,
		MaxReconnectAttempts: 3,
		ReadTimeoutMS:        5000,
	}
}

// closedConn fails its first read, as if the server dropped the socket.
type closedConn struct{}

func (closedConn) ReadMessage() (int, []byte, error) { return 0, nil, io.ErrUnexpectedEOF }
func (closedConn) WriteMessage(int, []byte) error    { return nil }
func (closedConn) SetReadDeadline(time.Time) error   { return nil }
func (closedConn) Close() error                      { return nil }

type scriptedDialer struct {
	mu    sync.Mutex
	dials int
	conns []Conn
}

func (d *scriptedDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) > 0 {
		conn := d.conns[0]
		d.conns = d.conns[1:]
		return conn, nil
	}
	return nil, errors.New("connection refused")
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestReconnectBoundedThenFailed(t *testing.T) {
	dialer := &scriptedDialer{conns: []Conn{closedConn{}}}
	failed := make(chan struct{})
	var seen []State
	var mu sync.Mutex
	client := NewClient(context.Background(), testConfig("ws://unused"), 4, dialer, Handlers{
		OnStateChange: func(s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
			if s == StateFailed {
				close(failed)
			}
		},
	}, newLogger())

	var delays []time.Duration
	var delayMu sync.Mutex
	client.after = func(d time.Duration) <-chan time.Time {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(client.Close)

	if err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("client never reached failed state (dials=%d)", dialer.count())
	}

	time.Sleep(50 * time.Millisecond)
	if got := dialer.count(); got != 4 {
		t.Fatalf("expected 1 initial dial plus 3 reconnects, got %d dials", got)
	}
	if client.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", client.State())
	}
	if client.ReconnectAttempts() != 3 {
		t.Fatalf("expected 3 reconnect attempts, got %d", client.ReconnectAttempts())
	}
	delayMu.Lock()
	defer delayMu.Unlock()
	if len(delays) != 3 {
		t.Fatalf("expected 3 reconnect delays, got %v", delays)
	}
	for _, d := range delays {
		if d != 3*time.Second {
			t.Fatalf("expected fixed 3s delay, got %s", d)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != StateConnecting || seen[1] != StateConnected {
		t.Fatalf("unexpected state sequence %v", seen)
	}
	if client.Feed(make([]byte, 2048)) {
		t.Fatal("expected feed to be refused once failed")
	}
}

func TestSuccessfulConnectResetsAttempts(t *testing.T) {
	dialer := &scriptedDialer{}
	client := NewClient(context.Background(), testConfig("ws://unused"), 4, dialer, Handlers{}, newLogger())
	var calls atomic.Int32
	client.after = func(time.Duration) <-chan time.Time {
		// Provide a working connection on the second reconnect.
		if calls.Add(1) == 2 {
			dialer.mu.Lock()
			dialer.conns = append(dialer.conns, closedConn{})
			dialer.mu.Unlock()
		}
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(client.Close)
	if err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for client.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", client.State())
	}
	// Two failed dials, one good connection that drops, then three failed
	// reconnects counted from zero again.
	if got := dialer.count(); got != 6 {
		t.Fatalf("expected 6 dials, got %d", got)
	}
}

func TestStreamingSession(t *testing.T) {
	vocab := make(chan []string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl struct {
			Action string   `json:"action"`
			Words  []string `json:"words"`
		}
		if json.Unmarshal(first, &ctrl) == nil && ctrl.Action == "update_vocabulary" {
			vocab <- ctrl.Words
		}

		script := []string{
			`{"type":"connected","message":"ready"}`,
			`{"type":"final","text":"tell me about yourself","confidence":0.92}`,
			`{"type":"partial","text":"what are your"}`,
			`{not json`,
			`{"text":""}`,
			`{"type":"error","error_type":"processing","message":"boom"}`,
			`{"text":"what are your strengths"}`,
			`{"type":"keepalive","timestamp":1}`,
		}
		for _, msg := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				reply := fmt.Sprintf(`{"type":"final","text":"got %d bytes"}`, len(data))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	finals := make(chan protocol.TranscriptEntry, 8)
	partials := make(chan string, 8)
	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.SpeakerLabel = "Candidate"
	cfg.Vocabulary = []string{"kubernetes", "golang"}
	client := NewClient(context.Background(), cfg, 8, nil, Handlers{
		OnFinal:   func(e protocol.TranscriptEntry) { finals <- e },
		OnPartial: func(text string) { partials <- text },
	}, newLogger())
	if err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Close()

	select {
	case words := <-vocab:
		if len(words) != 2 || words[0] != "kubernetes" {
			t.Fatalf("unexpected vocabulary %v", words)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("vocabulary was not sent on connect")
	}

	want := []string{"tell me about yourself", "what are your strengths"}
	for _, text := range want {
		select {
		case e := <-finals:
			if e.Text != text || e.Speaker != "Candidate" || e.Timestamp.IsZero() {
				t.Fatalf("unexpected entry %+v, want %q", e, text)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for final %q", text)
		}
	}
	select {
	case p := <-partials:
		if p != "what are your" {
			t.Fatalf("unexpected partial %q", p)
		}
	default:
		t.Fatal("expected partial to be surfaced")
	}
	if client.State() != StateConnected {
		t.Fatalf("malformed message must not drop the connection, state %s", client.State())
	}

	if !client.Feed(make([]byte, 2048)) {
		t.Fatal("expected frame to be queued")
	}
	select {
	case e := <-finals:
		if e.Text != "got 2048 bytes" {
			t.Fatalf("unexpected echo %q", e.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not delivered")
	}
	if len(finals) != 0 {
		t.Fatalf("empty or non-final messages leaked into transcript")
	}
}

func TestFeedDropsWhenQueueFull(t *testing.T) {
	client := NewClient(context.Background(), testConfig("ws://unused"), 2, &scriptedDialer{}, Handlers{}, newLogger())
	client.state.Store(int32(StateConnected))
	frame := make([]byte, 2048)
	if !client.Feed(frame) || !client.Feed(frame) {
		t.Fatal("expected first two frames to queue")
	}
	if client.Feed(frame) {
		t.Fatal("expected third frame to be dropped")
	}
	if client.DroppedFrames() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", client.DroppedFrames())
	}
}

func TestControlRequiresConnection(t *testing.T) {
	client := NewClient(context.Background(), testConfig("ws://unused"), 2, &scriptedDialer{}, Handlers{}, newLogger())
	if err := client.Flush(); err == nil {
		t.Fatal("expected flush to fail while disconnected")
	}
	client.state.Store(int32(StateConnected))
	if err := client.UpdateVocabulary(nil); err == nil {
		t.Fatal("expected empty vocabulary to be rejected")
	}
	if err := client.ResetRecognizer(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(<-client.control, &msg); err != nil || msg["action"] != "reset" {
		t.Fatalf("unexpected control message %v (%v)", msg, err)
	}
}
