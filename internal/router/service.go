// Package router maps session triggers arriving on the bus onto assistant,
// capture and session operations, and fans transcript entries back out.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-assist/internal/assistant"
	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/loqalabs/loqa-assist/internal/session"
	"github.com/nats-io/nats.go"
)

// Assistant answers questions and extracts screen text.
type Assistant interface {
	Ask(ctx context.Context, prompt, auxContext string) (string, error)
	Chat(ctx context.Context, question string) (string, error)
	QuickAnswer(ctx context.Context) (string, error)
	ExtractTextFromImage(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Capture starts and stops the audio to transcript pipeline.
type Capture interface {
	Start() error
	Stop()
	Active() bool
	Source() string
}

// Recognizer accepts control requests for the recognizer session.
type Recognizer interface {
	ResetRecognizer() error
	Flush() error
	Ping() error
	UpdateVocabulary(words []string) error
}

// Sessions ends the live session.
type Sessions interface {
	Current() *session.Context
	End() *session.Context
}

// AuditLog lists recorded query outcomes.
type AuditLog interface {
	ListSessionQueries(ctx context.Context, sessionID string, limit int) ([]eventstore.QueryRecord, error)
}

type Deps struct {
	Assistant  Assistant
	Capture    Capture
	Recognizer Recognizer
	Sessions   Sessions
	// Audit serves assist.audit.list; nil disables it.
	Audit AuditLog
	// Reload re-reads configuration; nil disables the reload trigger.
	Reload func(ctx context.Context) error
}

type Service struct {
	bus    *bus.Client
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		deps:   deps,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
	}
}

type handlerFunc func(ctx context.Context, data []byte) protocol.Reply

func (s *Service) Start() error {
	routes := map[string]handlerFunc{
		protocol.SubjectAsk:           s.handleAsk,
		protocol.SubjectChat:          s.handleChat,
		protocol.SubjectQuickAnswer:   s.handleQuickAnswer,
		protocol.SubjectScreenCapture: s.handleScreenCapture,
		protocol.SubjectSessionEnd:    s.handleSessionEnd,
		protocol.SubjectCaptureStart:  s.handleCaptureStart,
		protocol.SubjectCaptureStop:   s.handleCaptureStop,
		protocol.SubjectSTTControl:    s.handleSTTControl,
	}
	if s.deps.Reload != nil {
		routes[protocol.SubjectConfigReload] = s.handleReload
	}
	if s.deps.Audit != nil {
		routes[protocol.SubjectAuditList] = s.handleAuditList
	}
	for subject, handler := range routes {
		if err := s.subscribe(subject, handler); err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	s.logger.Info("router started", slog.Int("routes", len(routes)))
	return nil
}

func (s *Service) subscribe(subject string, handler handlerFunc) error {
	sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reply := handler(s.ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				s.logger.Warn("router failed to encode reply", slog.String("subject", subject), slogError(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				s.logger.Warn("router failed to respond", slog.String("subject", subject), slogError(err))
			}
		}()
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *Service) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// PublishFinal broadcasts an entry that was appended to the transcript.
func (s *Service) PublishFinal(sessionID string, entry protocol.TranscriptEntry) {
	msg := protocol.FinalTranscript{SessionID: sessionID, Entry: entry}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.logger.Warn("router failed to publish transcript", slogError(err))
	}
}

// PublishPartial broadcasts interim recognizer output for display.
func (s *Service) PublishPartial(msg protocol.PartialTranscript) {
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptPartial, msg); err != nil {
		s.logger.Debug("router failed to publish partial", slogError(err))
	}
}

func (s *Service) handleAsk(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.AskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidRequest(err)
	}
	text, err := s.deps.Assistant.Ask(ctx, req.Prompt, req.Context)
	return s.queryReply("ask", text, err)
}

func (s *Service) handleChat(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.AskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidRequest(err)
	}
	text, err := s.deps.Assistant.Chat(ctx, req.Prompt)
	return s.queryReply("chat", text, err)
}

func (s *Service) handleQuickAnswer(ctx context.Context, _ []byte) protocol.Reply {
	text, err := s.deps.Assistant.QuickAnswer(ctx)
	return s.queryReply("quick_answer", text, err)
}

func (s *Service) handleScreenCapture(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.ScreenCaptureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidRequest(err)
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return invalidRequest(fmt.Errorf("decode image: %w", err))
	}
	text, err := s.deps.Assistant.ExtractTextFromImage(ctx, image, req.MimeType)
	reply := s.queryReply("ocr", text, err)
	if reply.OK {
		reply.Source = string(session.SourceScreen)
	}
	return reply
}

func (s *Service) handleSessionEnd(context.Context, []byte) protocol.Reply {
	if s.deps.Capture != nil && s.deps.Capture.Active() {
		s.deps.Capture.Stop()
	}
	next := s.deps.Sessions.End()
	return protocol.Reply{OK: true, SessionID: next.ID()}
}

func (s *Service) handleCaptureStart(context.Context, []byte) protocol.Reply {
	if s.deps.Capture == nil {
		return protocol.Reply{Error: "capture_unavailable"}
	}
	if err := s.deps.Capture.Start(); err != nil {
		s.logger.Warn("capture start failed", slogError(err))
		return protocol.Reply{Error: "capture_failed: " + err.Error()}
	}
	return protocol.Reply{OK: true, Source: s.deps.Capture.Source(), SessionID: s.deps.Sessions.Current().ID()}
}

func (s *Service) handleCaptureStop(context.Context, []byte) protocol.Reply {
	if s.deps.Capture == nil {
		return protocol.Reply{Error: "capture_unavailable"}
	}
	s.deps.Capture.Stop()
	return protocol.Reply{OK: true}
}

func (s *Service) handleAuditList(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.AuditRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return invalidRequest(err)
		}
	}
	if req.SessionID == "" {
		req.SessionID = s.deps.Sessions.Current().ID()
	}
	records, err := s.deps.Audit.ListSessionQueries(ctx, req.SessionID, req.Limit)
	if err != nil {
		s.logger.Warn("audit list failed", slogError(err))
		return protocol.Reply{Error: "audit_unavailable", SessionID: req.SessionID}
	}
	entries := make([]protocol.AuditEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, protocol.AuditEntry{
			TraceID:       rec.TraceID,
			Operation:     rec.Operation,
			ContextSource: rec.ContextSource,
			Outcome:       rec.Outcome,
			Redactions:    rec.Redactions,
			PromptChars:   rec.PromptChars,
			ResponseChars: rec.ResponseChars,
			LatencyMS:     rec.Latency.Milliseconds(),
			CreatedAt:     rec.CreatedAt,
		})
	}
	return protocol.Reply{OK: true, SessionID: req.SessionID, Audit: entries}
}

func (s *Service) handleSTTControl(_ context.Context, data []byte) protocol.Reply {
	if s.deps.Recognizer == nil {
		return protocol.Reply{Error: "stt_unavailable"}
	}
	var req protocol.STTControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidRequest(err)
	}
	var err error
	switch req.Action {
	case "reset":
		err = s.deps.Recognizer.ResetRecognizer()
	case "flush":
		err = s.deps.Recognizer.Flush()
	case "ping":
		err = s.deps.Recognizer.Ping()
	case "vocabulary":
		err = s.deps.Recognizer.UpdateVocabulary(req.Words)
	default:
		return protocol.Reply{Error: fmt.Sprintf("unknown_action: %q", req.Action)}
	}
	if err != nil {
		return protocol.Reply{Error: "stt_" + req.Action + "_failed: " + err.Error()}
	}
	return protocol.Reply{OK: true}
}

func (s *Service) handleReload(ctx context.Context, _ []byte) protocol.Reply {
	if err := s.deps.Reload(ctx); err != nil {
		s.logger.Warn("config reload failed", slogError(err))
		return protocol.Reply{Error: "reload_failed: " + err.Error()}
	}
	return protocol.Reply{OK: true}
}

func (s *Service) queryReply(op, text string, err error) protocol.Reply {
	sessionID := s.deps.Sessions.Current().ID()
	if err != nil {
		code := errorCode(err)
		s.logger.Debug("query rejected", slog.String("op", op), slog.String("code", code))
		return protocol.Reply{Error: code, SessionID: sessionID}
	}
	return protocol.Reply{OK: true, Text: text, SessionID: sessionID}
}

// errorCode is the stable code sent to callers. Provider wording never
// crosses the bus.
func errorCode(err error) string {
	var qerr *assistant.Error
	switch {
	case errors.As(err, &qerr):
		return qerr.Kind.String()
	case errors.Is(err, assistant.ErrNoContext):
		return "no_context"
	case errors.Is(err, assistant.ErrEmptyPrompt):
		return "empty_prompt"
	case errors.Is(err, assistant.ErrEmptyImage):
		return "empty_image"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return assistant.KindUnknown.String()
	}
}

func invalidRequest(err error) protocol.Reply {
	return protocol.Reply{Error: "invalid_request: " + err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
