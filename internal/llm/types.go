package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
)

// Image is an inline image attached to a request.
type Image struct {
	MimeType string
	Data     []byte
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Model       string
	Images      []Image
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// StatusError is returned when a backend answers with a non-success status.
// Message is the provider's own wording and is what error classification
// inspects.
type StatusError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned %d %s", e.Provider, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("%s returned %d %s: %s", e.Provider, e.StatusCode, e.Status, e.Message)
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "gemini":
		return NewGeminiGenerator(cfg.Endpoint, cfg.Model, cfg.APIKey, timeout), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, timeout), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
