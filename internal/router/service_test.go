package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assist/internal/assistant"
	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/natsserver"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/loqalabs/loqa-assist/internal/session"
	"github.com/nats-io/nats.go"
)

type fakeAssistant struct {
	mu       sync.Mutex
	prompts  []string
	contexts []string
	images   [][]byte
	reply    string
	err      error
}

func (f *fakeAssistant) record(prompt, aux string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.contexts = append(f.contexts, aux)
	return f.reply, f.err
}

func (f *fakeAssistant) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAssistant) Ask(_ context.Context, prompt, aux string) (string, error) {
	return f.record(prompt, aux)
}

func (f *fakeAssistant) Chat(_ context.Context, question string) (string, error) {
	return f.record(question, "")
}

func (f *fakeAssistant) QuickAnswer(context.Context) (string, error) {
	return "", assistant.ErrNoContext
}

func (f *fakeAssistant) ExtractTextFromImage(_ context.Context, image []byte, _ string) (string, error) {
	f.mu.Lock()
	f.images = append(f.images, image)
	f.mu.Unlock()
	return "Slide title", nil
}

type fakeCapture struct {
	mu     sync.Mutex
	active bool
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *fakeCapture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeCapture) Source() string { return "file" }

type fakeRecognizer struct {
	mu     sync.Mutex
	words  []string
	resets int
}

func (r *fakeRecognizer) ResetRecognizer() error {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecognizer) Flush() error { return errors.New("not connected") }

func (r *fakeRecognizer) Ping() error { return nil }

func (r *fakeRecognizer) UpdateVocabulary(words []string) error {
	r.mu.Lock()
	r.words = words
	r.mu.Unlock()
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	session string
	limit   int
}

func (a *fakeAudit) ListSessionQueries(_ context.Context, sessionID string, limit int) ([]eventstore.QueryRecord, error) {
	a.mu.Lock()
	a.session, a.limit = sessionID, limit
	a.mu.Unlock()
	return []eventstore.QueryRecord{{
		SessionID:   sessionID,
		TraceID:     "trace-1",
		Operation:   "ask",
		Outcome:     "ok",
		Redactions:  2,
		PromptChars: 40,
		Latency:     1500 * time.Millisecond,
	}}, nil
}

type harness struct {
	client     *bus.Client
	assistant  *fakeAssistant
	capture    *fakeCapture
	recognizer *fakeRecognizer
	audit      *fakeAudit
	sessions   *session.Lifecycle
	service    *Service
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "router-test", logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	h := &harness{
		client:     client,
		assistant:  &fakeAssistant{reply: "Say your name clearly."},
		capture:    &fakeCapture{},
		recognizer: &fakeRecognizer{},
		audit:      &fakeAudit{},
		sessions:   session.NewLifecycle(context.Background(), logger),
	}
	t.Cleanup(h.sessions.Close)
	h.service = NewService(context.Background(), client, Deps{
		Assistant:  h.assistant,
		Capture:    h.capture,
		Recognizer: h.recognizer,
		Sessions:   h.sessions,
		Audit:      h.audit,
		Reload:     func(context.Context) error { return nil },
	}, logger)
	if err := h.service.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(h.service.Close)
	return h
}

func (h *harness) request(t *testing.T, subject string, req any) protocol.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.Reply
	if err := h.client.RequestJSON(ctx, subject, req, &reply); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return reply
}

func TestAskRoundTrip(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectAsk, protocol.AskRequest{Prompt: "Answer", Context: "Interviewer: What is your name?"})
	if !reply.OK || reply.Text != "Say your name clearly." {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.SessionID != h.sessions.Current().ID() {
		t.Fatalf("reply should carry the live session id")
	}
	h.assistant.mu.Lock()
	defer h.assistant.mu.Unlock()
	if h.assistant.contexts[0] != "Interviewer: What is your name?" {
		t.Fatalf("context not forwarded")
	}
}

func TestClassifiedErrorReply(t *testing.T) {
	h := newHarness(t)
	h.assistant.fail(&assistant.Error{Op: "chat", Kind: assistant.KindRateLimited})
	reply := h.request(t, protocol.SubjectChat, protocol.AskRequest{Prompt: "hi"})
	if reply.OK || reply.Error != "rate_limited" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	reply = h.request(t, protocol.SubjectQuickAnswer, struct{}{})
	if reply.Error != "no_context" {
		t.Fatalf("unexpected quick answer reply %+v", reply)
	}
}

func TestScreenCaptureDecodesImage(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectScreenCapture, protocol.ScreenCaptureRequest{
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		MimeType:    "image/png",
	})
	if !reply.OK || reply.Text != "Slide title" || reply.Source != "screen" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	h.assistant.mu.Lock()
	image := string(h.assistant.images[0])
	h.assistant.mu.Unlock()
	if image != "png-bytes" {
		t.Fatalf("image not decoded")
	}

	reply = h.request(t, protocol.SubjectScreenCapture, protocol.ScreenCaptureRequest{ImageBase64: "***"})
	if reply.OK {
		t.Fatalf("expected invalid request for bad base64")
	}
}

func TestSessionEndStopsCaptureAndReplacesSession(t *testing.T) {
	h := newHarness(t)
	start := h.request(t, protocol.SubjectCaptureStart, struct{}{})
	if !start.OK || start.Source != "file" || !h.capture.Active() {
		t.Fatalf("capture not started: %+v", start)
	}
	before := h.sessions.Current()
	before.AppendTranscript(protocol.TranscriptEntry{Speaker: "Interviewer", Text: "hello"})

	reply := h.request(t, protocol.SubjectSessionEnd, struct{}{})
	if !reply.OK || reply.SessionID == before.ID() {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if h.capture.Active() {
		t.Fatalf("capture should stop with the session")
	}
	if before.TranscriptLen() != 0 {
		t.Fatalf("old session not wiped")
	}
}

func TestSTTControl(t *testing.T) {
	h := newHarness(t)
	if reply := h.request(t, protocol.SubjectSTTControl, protocol.STTControlRequest{Action: "vocabulary", Words: []string{"kubernetes"}}); !reply.OK {
		t.Fatalf("vocabulary failed: %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectSTTControl, protocol.STTControlRequest{Action: "reset"}); !reply.OK {
		t.Fatalf("reset failed: %+v", reply)
	}
	if reply := h.request(t, protocol.SubjectSTTControl, protocol.STTControlRequest{Action: "flush"}); reply.OK {
		t.Fatalf("flush error should be reported")
	}
	if reply := h.request(t, protocol.SubjectSTTControl, protocol.STTControlRequest{Action: "rewind"}); reply.OK {
		t.Fatalf("unknown action should be rejected")
	}
	h.recognizer.mu.Lock()
	defer h.recognizer.mu.Unlock()
	if h.recognizer.resets != 1 || len(h.recognizer.words) != 1 {
		t.Fatalf("recognizer not driven: %+v", h.recognizer)
	}
}

func TestPublishFinal(t *testing.T) {
	h := newHarness(t)
	received := make(chan protocol.FinalTranscript, 1)
	sub, err := h.client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var ft protocol.FinalTranscript
		if err := json.Unmarshal(msg.Data, &ft); err == nil {
			received <- ft
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	h.service.PublishFinal("s-1", protocol.TranscriptEntry{Speaker: "Interviewer", Text: "Tell me about yourself."})
	select {
	case ft := <-received:
		if ft.SessionID != "s-1" || ft.Entry.Text != "Tell me about yourself." {
			t.Fatalf("unexpected transcript %+v", ft)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not published")
	}
}

func TestAuditListDefaultsToLiveSession(t *testing.T) {
	h := newHarness(t)
	reply := h.request(t, protocol.SubjectAuditList, protocol.AuditRequest{Limit: 5})
	if !reply.OK || reply.SessionID != h.sessions.Current().ID() {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(reply.Audit) != 1 {
		t.Fatalf("expected one entry, got %+v", reply.Audit)
	}
	entry := reply.Audit[0]
	if entry.Operation != "ask" || entry.Redactions != 2 || entry.LatencyMS != 1500 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	if h.audit.session != h.sessions.Current().ID() || h.audit.limit != 5 {
		t.Fatalf("audit queried with %q/%d", h.audit.session, h.audit.limit)
	}
}
