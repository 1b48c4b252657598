// Package assistant turns captured material and user questions into redacted,
// rate-limited model calls.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/llm"
	"github.com/loqalabs/loqa-assist/internal/ratelimit"
	"github.com/loqalabs/loqa-assist/internal/redact"
	"github.com/loqalabs/loqa-assist/internal/session"
)

const (
	defaultContextLabel = "Context"
	chatContextLabel    = "Recent conversation"
	quickAnswerPrompt   = "Answer the most recent question in the context above."
)

// Deps are the collaborators an Orchestrator dispatches through.
type Deps struct {
	Redactor   *redact.Redactor
	Dispatcher *ratelimit.Dispatcher
	Sessions   *session.Lifecycle
	Generator  llm.Generator
	Store      *eventstore.Store
	// AudioActive reports whether audio capture is running; it drives the
	// quick-answer context choice.
	AudioActive func() bool
}

// Orchestrator composes prompts with session context and dispatches them.
type Orchestrator struct {
	redactor    *redact.Redactor
	dispatcher  *ratelimit.Dispatcher
	sessions    *session.Lifecycle
	store       *eventstore.Store
	audioActive func() bool
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu         sync.RWMutex
	generator  llm.Generator
	llmCfg     config.LLMConfig
	sessionCfg config.SessionConfig

	queries metric.Int64Counter
	latency metric.Float64Histogram
}

func New(deps Deps, llmCfg config.LLMConfig, sessionCfg config.SessionConfig, logger *slog.Logger) *Orchestrator {
	audioActive := deps.AudioActive
	if audioActive == nil {
		audioActive = func() bool { return false }
	}
	o := &Orchestrator{
		redactor:    deps.Redactor,
		dispatcher:  deps.Dispatcher,
		sessions:    deps.Sessions,
		store:       deps.Store,
		audioActive: audioActive,
		logger:      logger.With(slog.String("component", "assistant")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-assist/assistant"),
		now:         time.Now,
		generator:   deps.Generator,
		llmCfg:      llmCfg,
		sessionCfg:  sessionCfg,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-assist/assistant")
	if counter, err := meter.Int64Counter("loqa.assist.queries",
		metric.WithDescription("Model queries by operation and outcome")); err == nil {
		o.queries = counter
	}
	if hist, err := meter.Float64Histogram("loqa.assist.query.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Model call latency")); err == nil {
		o.latency = hist
	}
	return o
}

// Reconfigure swaps the model backend. The dispatcher interval is reset only
// when the credential or backend changed.
func (o *Orchestrator) Reconfigure(llmCfg config.LLMConfig, sessionCfg config.SessionConfig, generator llm.Generator) {
	o.mu.Lock()
	changed := llmCfg.APIKey != o.llmCfg.APIKey || llmCfg.Mode != o.llmCfg.Mode || llmCfg.Endpoint != o.llmCfg.Endpoint
	o.generator = generator
	o.llmCfg = llmCfg
	o.sessionCfg = sessionCfg
	o.mu.Unlock()

	if changed {
		o.dispatcher.Reset()
	}
	o.logger.Info("model backend reconfigured",
		slog.String("mode", llmCfg.Mode),
		slog.String("model", llmCfg.Model),
		slog.Bool("credential_changed", changed),
	)
}

// CredentialValid reports whether a model call could be attempted.
func (o *Orchestrator) CredentialValid() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.llmCfg.HasCredential()
}

// CooldownRemaining is how long the next dispatch will wait.
func (o *Orchestrator) CooldownRemaining() time.Duration {
	return o.dispatcher.CooldownRemaining()
}

// Ask sends prompt with an optional auxiliary context block.
func (o *Orchestrator) Ask(ctx context.Context, prompt, auxContext string) (string, error) {
	return o.query(ctx, query{op: "ask", prompt: prompt, label: defaultContextLabel, aux: auxContext, source: "user"})
}

// Chat asks a question with the most recent transcript entries as context.
func (o *Orchestrator) Chat(ctx context.Context, question string) (string, error) {
	o.mu.RLock()
	window := o.sessionCfg.ChatWindow
	o.mu.RUnlock()
	entries := o.sessions.Current().RecentTranscriptWindow(window)
	return o.query(ctx, query{
		op:     "chat",
		prompt: question,
		label:  chatContextLabel,
		aux:    session.FormatTranscript(entries),
		source: string(session.SourceTranscript),
	})
}

// QuickAnswer answers from the whole session: the full transcript or the
// last screen text, whichever the selection table picks.
func (o *Orchestrator) QuickAnswer(ctx context.Context) (string, error) {
	sel, ok := o.sessions.Current().SelectQuickAnswerContext(o.audioActive())
	if !ok {
		return "", ErrNoContext
	}
	return o.query(ctx, query{
		op:     "quick_answer",
		prompt: quickAnswerPrompt,
		label:  sel.Label,
		aux:    sel.Text,
		source: string(sel.Source),
	})
}

// ExtractTextFromImage runs OCR on image through the model, redacts the
// result and stores it as the session's screen text.
func (o *Orchestrator) ExtractTextFromImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	o.mu.RLock()
	instruction := o.sessionCfg.OCRInstruction
	o.mu.RUnlock()

	sess := o.sessions.Current()
	text, err := o.query(ctx, query{
		op:     "ocr",
		prompt: instruction,
		images: []llm.Image{{MimeType: mimeType, Data: image}},
		source: string(session.SourceScreen),
	})
	if err != nil {
		return "", err
	}
	res := o.redactor.Redact(text)
	sess.SetScreenText(res.Masked, o.now())
	o.logger.Info("screen text extracted",
		slog.String("session_id", sess.ID()),
		slog.Int("chars", len(res.Masked)),
		slog.Int("redactions", res.Total()),
	)
	return res.Masked, nil
}

type query struct {
	op     string
	prompt string
	label  string
	aux    string
	source string
	images []llm.Image
}

func (o *Orchestrator) query(ctx context.Context, q query) (string, error) {
	if strings.TrimSpace(q.prompt) == "" {
		return "", ErrEmptyPrompt
	}
	sess := o.sessions.Current()

	o.mu.RLock()
	generator := o.generator
	llmCfg := o.llmCfg
	o.mu.RUnlock()

	ctx, span := o.tracer.Start(ctx, "assistant."+q.op, trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("context.source", q.source),
	))
	defer span.End()

	audit := eventstore.QueryRecord{
		SessionID:     sess.ID(),
		TraceID:       span.SpanContext().TraceID().String(),
		Operation:     q.op,
		ContextSource: q.source,
	}

	if !llmCfg.HasCredential() || generator == nil {
		qerr := &Error{Op: q.op, Kind: KindAuthInvalid}
		o.finish(ctx, span, &audit, qerr, 0)
		return "", qerr
	}

	promptRes := o.redactor.Redact(q.prompt)
	auxRes := o.redactor.Redact(q.aux)
	payload := composePayload(q.label, auxRes.Masked, promptRes.Masked)
	audit.Redactions = promptRes.Total() + auxRes.Total()
	audit.PromptChars = len(payload)

	req := llm.OptionsFromConfig(llmCfg)
	req.SessionID = sess.ID()
	req.TraceID = audit.TraceID
	req.Prompt = payload
	req.Images = q.images

	// A session end cancels the call; its result would have nowhere to go.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Ctx(), cancel)
	defer stop()

	var out strings.Builder
	var started time.Time
	dispatched := false
	err := o.dispatcher.Do(callCtx, func(ctx context.Context) error {
		dispatched = true
		started = o.now()
		return generator.Generate(ctx, req, func(chunk llm.Chunk) error {
			out.WriteString(chunk.Content)
			return nil
		})
	})
	var elapsed time.Duration
	if dispatched {
		elapsed = o.now().Sub(started)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || sess.Ctx().Err() != nil {
			o.finishCanceled(ctx, span, &audit, err, elapsed)
			return "", fmt.Errorf("%s not completed: %w", q.op, context.Canceled)
		}
		// A deadline that expires during the cooldown wait classifies as Timeout.
		qerr := &Error{Op: q.op, Kind: Classify(err), cause: err}
		if dispatched && qerr.Kind == KindRateLimited {
			o.dispatcher.OnProviderThrottled()
		}
		o.finish(ctx, span, &audit, qerr, elapsed)
		return "", qerr
	}

	response := out.String()
	audit.ResponseChars = len(response)
	o.finish(ctx, span, &audit, nil, elapsed)
	return response, nil
}

// composePayload prefixes the question with a labeled context block when
// there is context to send.
func composePayload(label, block, prompt string) string {
	if strings.TrimSpace(block) == "" {
		return prompt
	}
	if label == "" {
		label = defaultContextLabel
	}
	return label + ":\n" + block + "\n\nQuestion: " + prompt
}

func (o *Orchestrator) finishCanceled(ctx context.Context, span trace.Span, audit *eventstore.QueryRecord, err error, elapsed time.Duration) {
	audit.Outcome = "canceled"
	audit.Latency = elapsed
	span.SetStatus(codes.Error, "canceled")
	o.logger.Info("query canceled", slog.String("op", audit.Operation), slog.String("session_id", audit.SessionID), slogError(err))
	o.record(ctx, *audit)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, audit *eventstore.QueryRecord, qerr *Error, elapsed time.Duration) {
	audit.Latency = elapsed
	if qerr != nil {
		audit.Outcome = qerr.Kind.String()
		span.SetStatus(codes.Error, qerr.Kind.String())
		attrs := []any{
			slog.String("op", audit.Operation),
			slog.String("kind", qerr.Kind.String()),
			slog.String("session_id", audit.SessionID),
		}
		if qerr.cause != nil {
			attrs = append(attrs, slogError(qerr.cause))
		}
		if qerr.Kind == KindRateLimited {
			attrs = append(attrs, slog.Duration("interval", o.dispatcher.Interval()))
		}
		o.logger.Warn("query failed", attrs...)
	} else {
		audit.Outcome = "ok"
		span.SetStatus(codes.Ok, "")
		o.logger.Info("query completed",
			slog.String("op", audit.Operation),
			slog.String("session_id", audit.SessionID),
			slog.Int("prompt_chars", audit.PromptChars),
			slog.Int("response_chars", audit.ResponseChars),
			slog.Int("redactions", audit.Redactions),
			slog.Duration("latency", elapsed),
		)
	}
	span.SetAttributes(
		attribute.String("query.outcome", audit.Outcome),
		attribute.Int("query.redactions", audit.Redactions),
	)
	o.record(ctx, *audit)
}

func (o *Orchestrator) record(ctx context.Context, audit eventstore.QueryRecord) {
	attrs := metric.WithAttributes(
		attribute.String("op", audit.Operation),
		attribute.String("outcome", audit.Outcome),
	)
	if o.queries != nil {
		o.queries.Add(ctx, 1, attrs)
	}
	if o.latency != nil && audit.Latency > 0 {
		o.latency.Record(ctx, float64(audit.Latency.Milliseconds()), attrs)
	}
	if o.store == nil {
		return
	}
	if err := o.store.RecordQuery(context.WithoutCancel(ctx), audit); err != nil {
		o.logger.Warn("failed to record query audit", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
